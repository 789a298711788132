// Package memory provides an in-memory implementation of every component
// store interface, for tests and local development. One coarse mutex makes
// each attempt atomic; the Postgres store is the production-faithful
// implementation with row-level locking.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/idempotency"
	"github.com/punchamoorthee/paycore/internal/ledger"
	"github.com/shopspring/decimal"
)

type counterKey struct {
	AccountID int64
	Day       string // yyyy-mm-dd in the enforcer's zone
}

type Store struct {
	mu            sync.Mutex
	nextAccountID int64
	nextTxID      int64
	accounts      map[int64]*domain.Account
	transactions  []domain.Transaction
	byRef         map[string]int
	idem          map[string]*domain.IdempotencyRecord
	counters      map[counterKey]*domain.DailySpendCounter
}

func NewStore() *Store {
	return &Store{
		accounts: make(map[int64]*domain.Account),
		byRef:    make(map[string]int),
		idem:     make(map[string]*domain.IdempotencyRecord),
		counters: make(map[counterKey]*domain.DailySpendCounter),
	}
}

func dayKey(accountID int64, day time.Time) counterKey {
	return counterKey{AccountID: accountID, Day: day.Format("2006-01-02")}
}

// ---- accounts ----

func (s *Store) CreateAccount(_ context.Context, ownerID string, tier domain.Tier, opening decimal.Decimal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAccountID++
	s.accounts[s.nextAccountID] = &domain.Account{
		ID:            s.nextAccountID,
		OwnerID:       ownerID,
		Tier:          tier,
		Balance:       opening,
		LedgerBalance: opening,
		CreatedAt:     time.Now(),
	}
	return s.nextAccountID, nil
}

func (s *Store) GetAccount(_ context.Context, id int64) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	cp := *acc
	return &cp, nil
}

func (s *Store) ResolveTier(_ context.Context, accountID int64) (domain.Tier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return "", domain.ErrAccountNotFound
	}
	return acc.Tier, nil
}

func (s *Store) SetAccountLock(_ context.Context, accountID int64, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	acc.Locked = locked
	return nil
}

// ---- ledger ----

func (s *Store) lockedAccount(id int64) (*domain.Account, error) {
	acc, ok := s.accounts[id]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	if acc.Locked {
		return nil, domain.ErrAccountLocked
	}
	return acc, nil
}

func (s *Store) appendTransaction(rec *domain.Transaction) {
	s.nextTxID++
	rec.ID = s.nextTxID
	rec.CreatedAt = time.Now()
	s.byRef[rec.Reference] = len(s.transactions)
	s.transactions = append(s.transactions, *rec)
}

func (s *Store) ApplyMutation(_ context.Context, accountID int64, signedAmount decimal.Decimal, op ledger.OperationContext) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, err := s.lockedAccount(accountID)
	if err != nil {
		return nil, err
	}
	newBalance := acc.Balance.Add(signedAmount)
	if signedAmount.IsNegative() && newBalance.IsNegative() {
		return nil, domain.ErrInsufficientFunds
	}
	if op.Spend != nil {
		if err := s.applySpendLocked(op.Spend); err != nil {
			return nil, err
		}
	}

	total := signedAmount.Abs()
	direction := domain.DirectionCredit
	if signedAmount.IsNegative() {
		direction = domain.DirectionDebit
	}
	rec := &domain.Transaction{
		Reference:          op.Reference,
		AccountID:          accountID,
		Category:           op.Category,
		Direction:          direction,
		Amount:             total.Sub(op.Fee),
		Fee:                op.Fee,
		TotalAmount:        total,
		BalanceBefore:      acc.Balance,
		BalanceAfter:       newBalance,
		Status:             op.Status,
		RelatedOperationID: op.RelatedOperationID,
		Narrative:          op.Narrative,
	}
	acc.Balance = newBalance
	acc.LedgerBalance = acc.LedgerBalance.Add(signedAmount)
	s.appendTransaction(rec)
	return rec, nil
}

func (s *Store) ApplyTransfer(_ context.Context, fromID, toID int64, amount decimal.Decimal, op ledger.OperationContext) (*domain.Transaction, *domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, err := s.lockedAccount(fromID)
	if err != nil {
		return nil, nil, err
	}
	to, err := s.lockedAccount(toID)
	if err != nil {
		return nil, nil, err
	}

	totalDebit := amount.Add(op.Fee)
	if from.Balance.LessThan(totalDebit) {
		return nil, nil, domain.ErrInsufficientFunds
	}
	if op.Spend != nil {
		if err := s.applySpendLocked(op.Spend); err != nil {
			return nil, nil, err
		}
	}

	debit := &domain.Transaction{
		Reference:          op.Reference,
		AccountID:          fromID,
		Category:           op.Category,
		Direction:          domain.DirectionDebit,
		Amount:             amount,
		Fee:                op.Fee,
		TotalAmount:        totalDebit,
		BalanceBefore:      from.Balance,
		BalanceAfter:       from.Balance.Sub(totalDebit),
		Status:             op.Status,
		RelatedOperationID: op.RelatedOperationID,
		Narrative:          op.Narrative,
	}
	from.Balance = from.Balance.Sub(totalDebit)
	from.LedgerBalance = from.LedgerBalance.Sub(totalDebit)
	s.appendTransaction(debit)

	credit := &domain.Transaction{
		Reference:          uuid.New().String(),
		AccountID:          toID,
		Category:           op.Category,
		Direction:          domain.DirectionCredit,
		Amount:             amount,
		Fee:                decimal.Zero,
		TotalAmount:        amount,
		BalanceBefore:      to.Balance,
		BalanceAfter:       to.Balance.Add(amount),
		Status:             op.Status,
		RelatedOperationID: debit.Reference,
		Narrative:          op.Narrative,
	}
	to.Balance = to.Balance.Add(amount)
	to.LedgerBalance = to.LedgerBalance.Add(amount)
	s.appendTransaction(credit)

	return debit, credit, nil
}

// ApplyReversal unwinds an operation through its reference. A transfer's two
// legs reverse together; its credit leg alone is not reversible.
func (s *Store) ApplyReversal(_ context.Context, originalRef string, op ledger.OperationContext) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byRef[originalRef]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	orig := s.transactions[idx]
	if orig.Status != domain.TxCompleted {
		return nil, domain.ErrReversalNotAllowed
	}
	if orig.Direction == domain.DirectionCredit && orig.RelatedOperationID != "" {
		return nil, domain.ErrReversalNotAllowed
	}

	legs := []domain.Transaction{orig}
	for i := range s.transactions {
		if s.transactions[i].RelatedOperationID == originalRef {
			if s.transactions[i].Status == domain.TxReversed {
				return nil, domain.ErrAlreadyReversed
			}
			if s.transactions[i].Status == domain.TxCompleted {
				legs = append(legs, s.transactions[i])
			}
		}
	}

	type staged struct {
		acc    *domain.Account
		rec    *domain.Transaction
		signed decimal.Decimal
	}
	plan := make([]staged, 0, len(legs))
	for i, leg := range legs {
		acc, err := s.lockedAccount(leg.AccountID)
		if err != nil {
			return nil, err
		}

		signed := leg.TotalAmount
		direction := domain.DirectionCredit
		if leg.Direction == domain.DirectionCredit {
			signed = leg.TotalAmount.Neg()
			direction = domain.DirectionDebit
		}
		newBalance := acc.Balance.Add(signed)
		if signed.IsNegative() && newBalance.IsNegative() {
			return nil, domain.ErrInsufficientFunds
		}

		reference := op.Reference
		if i > 0 {
			reference = uuid.New().String()
		}
		plan = append(plan, staged{
			acc:    acc,
			signed: signed,
			rec: &domain.Transaction{
				Reference:          reference,
				AccountID:          acc.ID,
				Category:           leg.Category,
				Direction:          direction,
				Amount:             leg.Amount,
				Fee:                leg.Fee,
				TotalAmount:        leg.TotalAmount,
				BalanceBefore:      acc.Balance,
				BalanceAfter:       newBalance,
				Status:             domain.TxReversed,
				RelatedOperationID: leg.Reference,
				Narrative:          op.Narrative,
			},
		})
	}

	// All legs validated; apply as one unit.
	for _, st := range plan {
		st.acc.Balance = st.rec.BalanceAfter
		st.acc.LedgerBalance = st.acc.LedgerBalance.Add(st.signed)
		s.appendTransaction(st.rec)
	}
	return plan[0].rec, nil
}

func (s *Store) GetTransaction(_ context.Context, reference string) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byRef[reference]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	cp := s.transactions[idx]
	return &cp, nil
}

func (s *Store) ListTransactions(_ context.Context, accountID int64, limit int32) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, domain.ErrAccountNotFound
	}
	var out []domain.Transaction
	for i := len(s.transactions) - 1; i >= 0 && int32(len(out)) < limit; i-- {
		if s.transactions[i].AccountID == accountID {
			out = append(out, s.transactions[i])
		}
	}
	return out, nil
}

// AllTransactions snapshots the full ledger, newest last. Test helper.
func (s *Store) AllTransactions() []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Transaction, len(s.transactions))
	copy(out, s.transactions)
	return out
}

// ---- daily spend counters ----

func (s *Store) counterLocked(accountID int64, day time.Time) *domain.DailySpendCounter {
	k := dayKey(accountID, day)
	c, ok := s.counters[k]
	if !ok {
		c = &domain.DailySpendCounter{AccountID: accountID, Day: day}
		s.counters[k] = c
	}
	return c
}

func (s *Store) applySpendLocked(spend *domain.SpendCommit) error {
	c := s.counterLocked(spend.AccountID, spend.Day)

	var total *decimal.Decimal
	var count *int64
	switch spend.Category.LimitBucket() {
	case domain.BucketTransfers:
		total, count = &c.TransfersTotal, &c.TransfersCount
	case domain.BucketAirtime:
		total, count = &c.AirtimeTotal, &c.AirtimeCount
	case domain.BucketData:
		total, count = &c.DataTotal, &c.DataCount
	default:
		total, count = &c.BillsTotal, &c.BillsCount
	}

	next := total.Add(spend.Amount)
	if spend.Guarded && next.GreaterThan(spend.DailyLimit) {
		remaining := spend.DailyLimit.Sub(*total)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		return &domain.LimitExceededError{
			Category:  spend.Category,
			Limit:     spend.DailyLimit,
			Spent:     *total,
			Remaining: remaining,
			Amount:    spend.Amount,
		}
	}
	*total = next
	*count++
	if spend.Category == domain.CategoryWithdrawal {
		c.WithdrawalsTotal = c.WithdrawalsTotal.Add(spend.Amount)
		c.WithdrawalsCount++
	}
	return nil
}

func (s *Store) SpentToday(_ context.Context, accountID int64, day time.Time, category domain.Category) (decimal.Decimal, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[dayKey(accountID, day)]
	if !ok {
		return decimal.Zero, 0, nil
	}
	switch category.LimitBucket() {
	case domain.BucketTransfers:
		return c.TransfersTotal, c.TransfersCount, nil
	case domain.BucketAirtime:
		return c.AirtimeTotal, c.AirtimeCount, nil
	case domain.BucketData:
		return c.DataTotal, c.DataCount, nil
	default:
		return c.BillsTotal, c.BillsCount, nil
	}
}

// ---- idempotency ----

func (s *Store) GetRecord(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[key]
	if !ok {
		return nil, idempotency.ErrNoRecord
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) CreateRecord(_ context.Context, rec *domain.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.idem[rec.Key]; ok {
		return idempotency.ErrKeyExists
	}
	cp := *rec
	s.idem[rec.Key] = &cp
	return nil
}

func (s *Store) DeleteIfExpired(_ context.Context, key string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.idem[key]; ok && rec.Expired(now) {
		delete(s.idem, key)
	}
	return nil
}

func (s *Store) RevivePending(_ context.Context, key string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[key]
	if !ok || rec.Status != domain.IdemFailed {
		return false, nil
	}
	rec.Status = domain.IdemPending
	rec.ExpiresAt = expiresAt
	rec.ResponseStatus = 0
	rec.ResponseBody = nil
	return true, nil
}

func (s *Store) FinalizeRecord(_ context.Context, key string, status domain.IdemStatus, respStatus int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[key]
	if !ok || rec.Status != domain.IdemPending {
		return idempotency.ErrNoRecord
	}
	rec.Status = status
	rec.ResponseStatus = respStatus
	rec.ResponseBody = append([]byte(nil), body...)
	return nil
}

func (s *Store) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.idem {
		if !rec.ExpiresAt.After(cutoff) {
			delete(s.idem, k)
			n++
		}
	}
	return n, nil
}

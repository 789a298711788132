package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/ledger"
	"github.com/shopspring/decimal"
)

// lockAccount acquires the row-level exclusive lock and re-reads the balances
// under it. Never trust a balance read before the lock was taken.
func lockAccount(ctx context.Context, tx pgx.Tx, id int64) (*domain.Account, error) {
	var acc domain.Account
	err := tx.QueryRow(ctx,
		`SELECT id, owner_id, tier, balance, ledger_balance, locked, created_at FROM accounts WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&acc.ID, &acc.OwnerID, &acc.Tier, &acc.Balance, &acc.LedgerBalance, &acc.Locked, &acc.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	if acc.Locked {
		return nil, domain.ErrAccountLocked
	}
	return &acc, nil
}

func updateBalances(ctx context.Context, tx pgx.Tx, id int64, balance, ledgerBalance decimal.Decimal) error {
	_, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = $1, ledger_balance = $2 WHERE id = $3`,
		balance, ledgerBalance, id)
	return err
}

func insertTransaction(ctx context.Context, tx pgx.Tx, rec *domain.Transaction) error {
	return tx.QueryRow(ctx,
		`INSERT INTO transactions (reference, account_id, category, direction, amount, fee, total_amount,
			balance_before, balance_after, status, related_operation_id, narrative)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id, created_at`,
		rec.Reference, rec.AccountID, rec.Category, rec.Direction, rec.Amount, rec.Fee, rec.TotalAmount,
		rec.BalanceBefore, rec.BalanceAfter, rec.Status, rec.RelatedOperationID, rec.Narrative,
	).Scan(&rec.ID, &rec.CreatedAt)
}

// ApplyMutation implements ledger.Store for a single account. One atomic
// transaction: lock, re-read, funds check, balance write, record append,
// counter commit, commit.
func (s *Postgres) ApplyMutation(ctx context.Context, accountID int64, signedAmount decimal.Decimal, op ledger.OperationContext) (*domain.Transaction, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	acc, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	newBalance := acc.Balance.Add(signedAmount)
	if signedAmount.IsNegative() && newBalance.IsNegative() {
		return nil, domain.ErrInsufficientFunds
	}
	if err := updateBalances(ctx, tx, accountID, newBalance, acc.LedgerBalance.Add(signedAmount)); err != nil {
		return nil, fmt.Errorf("balance update failed: %w", err)
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
	if err := insertTransaction(ctx, tx, rec); err != nil {
		return nil, fmt.Errorf("transaction insert failed: %w", err)
	}

	if op.Spend != nil {
		if err := s.applySpend(ctx, tx, op.Spend); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return rec, nil
}

// ApplyTransfer debits amount+fee from one wallet and credits amount to
// another. Locks are acquired in account-id order to prevent deadlocks.
func (s *Postgres) ApplyTransfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal, op ledger.OperationContext) (*domain.Transaction, *domain.Transaction, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	first, second := fromID, toID
	if first > second {
		first, second = second, first
	}
	locked := make(map[int64]*domain.Account, 2)
	for _, id := range []int64{first, second} {
		acc, err := lockAccount(ctx, tx, id)
		if err != nil {
			return nil, nil, err
		}
		locked[id] = acc
	}
	from, to := locked[fromID], locked[toID]

	totalDebit := amount.Add(op.Fee)
	if from.Balance.LessThan(totalDebit) {
		return nil, nil, domain.ErrInsufficientFunds
	}

	if err := updateBalances(ctx, tx, fromID, from.Balance.Sub(totalDebit), from.LedgerBalance.Sub(totalDebit)); err != nil {
		return nil, nil, fmt.Errorf("balance update failed: %w", err)
	}
	if err := updateBalances(ctx, tx, toID, to.Balance.Add(amount), to.LedgerBalance.Add(amount)); err != nil {
		return nil, nil, fmt.Errorf("balance update failed: %w", err)
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
	if err := insertTransaction(ctx, tx, debit); err != nil {
		return nil, nil, fmt.Errorf("transaction insert failed: %w", err)
	}

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
	if err := insertTransaction(ctx, tx, credit); err != nil {
		return nil, nil, fmt.Errorf("transaction insert failed: %w", err)
	}

	if op.Spend != nil {
		if err := s.applySpend(ctx, tx, op.Spend); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return debit, credit, nil
}

// reversalOf builds the compensating record for one leg. A debit reverses as
// a credit of the full total (principal + fee), and vice versa.
func reversalOf(orig *domain.Transaction, reference, narrative string, balanceBefore decimal.Decimal) (rec *domain.Transaction, signed decimal.Decimal) {
	signed = orig.TotalAmount
	direction := domain.DirectionCredit
	if orig.Direction == domain.DirectionCredit {
		signed = orig.TotalAmount.Neg()
		direction = domain.DirectionDebit
	}
	return &domain.Transaction{
		Reference:          reference,
		AccountID:          orig.AccountID,
		Category:           orig.Category,
		Direction:          direction,
		Amount:             orig.Amount,
		Fee:                orig.Fee,
		TotalAmount:        orig.TotalAmount,
		BalanceBefore:      balanceBefore,
		BalanceAfter:       balanceBefore.Add(signed),
		Status:             domain.TxReversed,
		RelatedOperationID: orig.Reference,
		Narrative:          narrative,
	}, signed
}

// ApplyReversal appends the compensating record(s) for an earlier operation.
// The original rows are never edited in place. A transfer is reversed as one
// atomic unit through its operation reference (the debit leg): the sender is
// re-credited and the recipient re-debited in the same transaction. The
// credit leg alone cannot be reversed.
func (s *Postgres) ApplyReversal(ctx context.Context, originalRef string, op ledger.OperationContext) (*domain.Transaction, error) {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	orig, err := scanTransaction(tx.QueryRow(ctx, selectTransaction+` WHERE reference = $1`, originalRef))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	if orig.Status != domain.TxCompleted {
		return nil, domain.ErrReversalNotAllowed
	}
	// A completed credit linked to another completed record is the credit leg
	// of a transfer; it only unwinds together with its debit leg.
	if orig.Direction == domain.DirectionCredit && orig.RelatedOperationID != "" {
		return nil, domain.ErrReversalNotAllowed
	}

	var reversed bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM transactions WHERE related_operation_id = $1 AND status = 'reversed')`,
		originalRef,
	).Scan(&reversed)
	if err != nil {
		return nil, err
	}
	if reversed {
		return nil, domain.ErrAlreadyReversed
	}

	counterpart, err := scanTransaction(tx.QueryRow(ctx,
		selectTransaction+` WHERE related_operation_id = $1 AND status = 'completed'`, originalRef))
	if err != nil && err != pgx.ErrNoRows {
		return nil, err
	}

	legs := []*domain.Transaction{orig}
	if counterpart != nil {
		legs = append(legs, counterpart)
	}

	accountIDs := make([]int64, 0, 2)
	for _, leg := range legs {
		accountIDs = append(accountIDs, leg.AccountID)
	}
	if len(accountIDs) == 2 && accountIDs[0] > accountIDs[1] {
		accountIDs[0], accountIDs[1] = accountIDs[1], accountIDs[0]
	}
	accounts := make(map[int64]*domain.Account, len(accountIDs))
	for _, id := range accountIDs {
		acc, err := lockAccount(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		accounts[id] = acc
	}

	var result *domain.Transaction
	for i, leg := range legs {
		acc := accounts[leg.AccountID]
		reference := op.Reference
		if i > 0 {
			reference = uuid.New().String()
		}
		rec, signed := reversalOf(leg, reference, op.Narrative, acc.Balance)
		if signed.IsNegative() && rec.BalanceAfter.IsNegative() {
			return nil, domain.ErrInsufficientFunds
		}
		if err := updateBalances(ctx, tx, acc.ID, rec.BalanceAfter, acc.LedgerBalance.Add(signed)); err != nil {
			return nil, fmt.Errorf("balance update failed: %w", err)
		}
		if err := insertTransaction(ctx, tx, rec); err != nil {
			if isUniqueViolation(err) {
				// Lost the race on the partial unique index.
				return nil, domain.ErrAlreadyReversed
			}
			return nil, fmt.Errorf("transaction insert failed: %w", err)
		}
		if i == 0 {
			result = rec
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return result, nil
}

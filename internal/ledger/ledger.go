// Package ledger defines the atomic balance-mutation contract. Every mutation
// locks the account row, re-reads the balance under the lock, writes the new
// balance and appends an immutable transaction record inside one database
// transaction. Nothing here fails open: any uncertainty aborts the attempt.
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/shopspring/decimal"
)

// OperationContext carries everything a mutation needs beyond the account and
// amount: the record identity, limit-counter commit, and audit linkage.
type OperationContext struct {
	Reference          string
	Category           domain.Category
	Narrative          string
	Fee                decimal.Decimal
	RelatedOperationID string
	Status             domain.TxStatus

	// Spend, when set, is applied inside the same transaction as the balance
	// update. A guarded spend that would breach the daily limit aborts the
	// whole mutation.
	Spend *domain.SpendCommit
}

// Store is implemented by the transactional backends. Each method is one
// atomic attempt: either every write in it commits or none do.
type Store interface {
	// ApplyMutation moves signedAmount on a single account. Negative amounts
	// are debits and fail with domain.ErrInsufficientFunds rather than taking
	// the balance below zero.
	ApplyMutation(ctx context.Context, accountID int64, signedAmount decimal.Decimal, op OperationContext) (*domain.Transaction, error)

	// ApplyTransfer debits amount+fee from one account and credits amount to
	// another, locking both rows in account-id order.
	ApplyTransfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal, op OperationContext) (debit, credit *domain.Transaction, err error)

	// ApplyReversal appends compensating records for an earlier operation.
	// A transfer referenced by its operation (debit leg) reference unwinds
	// both legs atomically; its credit leg alone is not reversible. Original
	// rows are never touched.
	ApplyReversal(ctx context.Context, originalRef string, op OperationContext) (*domain.Transaction, error)
}

// Mutator validates and defaults operation contexts before handing them to the
// store. It owns no state; the store owns the transactional boundary.
type Mutator struct {
	store Store
}

func NewMutator(store Store) *Mutator {
	return &Mutator{store: store}
}

func (m *Mutator) prepare(op *OperationContext) error {
	if op.Reference == "" {
		op.Reference = uuid.New().String()
	}
	if op.Status == "" {
		op.Status = domain.TxCompleted
	}
	if op.Fee.IsNegative() {
		return fmt.Errorf("negative fee %s", op.Fee)
	}
	if !domain.IsNormalized(op.Fee) {
		return fmt.Errorf("fee %s is not on the money scale", op.Fee)
	}
	return nil
}

// Apply executes a single-account mutation.
func (m *Mutator) Apply(ctx context.Context, accountID int64, signedAmount decimal.Decimal, op OperationContext) (*domain.Transaction, error) {
	if signedAmount.IsZero() {
		return nil, fmt.Errorf("zero-amount mutation")
	}
	if !domain.IsNormalized(signedAmount) {
		return nil, fmt.Errorf("amount %s is not on the money scale", signedAmount)
	}
	if err := m.prepare(&op); err != nil {
		return nil, err
	}
	return m.store.ApplyMutation(ctx, accountID, signedAmount, op)
}

// Transfer executes a two-leg move between accounts.
func (m *Mutator) Transfer(ctx context.Context, fromID, toID int64, amount decimal.Decimal, op OperationContext) (*domain.Transaction, *domain.Transaction, error) {
	if !amount.IsPositive() {
		return nil, nil, fmt.Errorf("transfer amount must be positive, got %s", amount)
	}
	if !domain.IsNormalized(amount) {
		return nil, nil, fmt.Errorf("amount %s is not on the money scale", amount)
	}
	if fromID == toID {
		return nil, nil, fmt.Errorf("self-transfer not allowed")
	}
	if err := m.prepare(&op); err != nil {
		return nil, nil, err
	}
	return m.store.ApplyTransfer(ctx, fromID, toID, amount, op)
}

// Reverse appends the compensating record for originalRef.
func (m *Mutator) Reverse(ctx context.Context, originalRef string, op OperationContext) (*domain.Transaction, error) {
	if originalRef == "" {
		return nil, fmt.Errorf("original reference required")
	}
	if err := m.prepare(&op); err != nil {
		return nil, err
	}
	op.Status = domain.TxReversed
	op.RelatedOperationID = originalRef
	return m.store.ApplyReversal(ctx, originalRef, op)
}

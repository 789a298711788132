package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for business outcomes. Use with errors.Is().
var (
	// ErrAccountNotFound is returned when the referenced wallet does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountLocked is returned when the wallet is administratively frozen.
	ErrAccountLocked = errors.New("account locked")

	// ErrInsufficientFunds is returned when a debit would take the balance
	// below zero. No partial write occurs.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrKeyReusedForDifferentOperation is returned when an idempotency key is
	// presented against a different endpoint/method than it was first bound to.
	ErrKeyReusedForDifferentOperation = errors.New("idempotency key reused for a different operation")

	// ErrKeyReusedWithDifferentPayload is returned when the key matches but the
	// request body hash does not.
	ErrKeyReusedWithDifferentPayload = errors.New("idempotency key reused with a different payload")

	// ErrConcurrentRequestInFlight is returned when another attempt holding the
	// same key is still executing. Callers should back off and retry.
	ErrConcurrentRequestInFlight = errors.New("request with this idempotency key is already in progress")

	// ErrInvalidIdempotencyKey is returned before any lookup for keys that are
	// empty, exceed 255 characters, or contain control characters.
	ErrInvalidIdempotencyKey = errors.New("invalid idempotency key")

	// ErrTransactionNotFound is returned when a reversal references an unknown
	// ledger record.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrAlreadyReversed is returned when a compensating record already exists
	// for the referenced transaction.
	ErrAlreadyReversed = errors.New("transaction already reversed")

	// ErrReversalNotAllowed is returned when the referenced record is itself a
	// reversal or is otherwise not eligible for compensation.
	ErrReversalNotAllowed = errors.New("transaction cannot be reversed")
)

// LimitExceededError is the typed rejection raised by the Limit Enforcer.
// It carries enough detail for the caller-facing message required by product:
// the limit, what has been spent, and what remains.
type LimitExceededError struct {
	Category  Category
	Limit     decimal.Decimal
	Spent     decimal.Decimal
	Remaining decimal.Decimal
	Amount    decimal.Decimal
	PerOp     bool // true when the per-operation ceiling was hit, not the daily total
}

func (e *LimitExceededError) Error() string {
	if e.PerOp {
		return fmt.Sprintf("amount %s exceeds per-operation limit %s for %s",
			e.Amount.StringFixed(MoneyScale), e.Limit.StringFixed(MoneyScale), e.Category)
	}
	return fmt.Sprintf("daily %s limit %s exceeded: spent %s, remaining %s, attempted %s",
		e.Category, e.Limit.StringFixed(MoneyScale), e.Spent.StringFixed(MoneyScale),
		e.Remaining.StringFixed(MoneyScale), e.Amount.StringFixed(MoneyScale))
}

// LimitConfigError signals a tier with no configured limits. This is a
// configuration fault, never treated as unlimited.
type LimitConfigError struct {
	Tier Tier
}

func (e *LimitConfigError) Error() string {
	return fmt.Sprintf("no limit policy configured for tier %s", e.Tier)
}

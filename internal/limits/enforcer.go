// Package limits computes and enforces per-tier daily and per-operation
// spending ceilings over atomic running counters.
package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/shopspring/decimal"
)

// TierResolver looks up the current tier of an account. This is the only
// outward collaborator the enforcer calls.
type TierResolver interface {
	ResolveTier(ctx context.Context, accountID int64) (domain.Tier, error)
}

// CounterStore reads daily spend counters. The write side is a
// domain.SpendCommit applied by the ledger store inside the mutation
// transaction, as an atomic arithmetic update at the data-store level;
// read-modify-write would reintroduce the race this component exists to
// prevent.
type CounterStore interface {
	SpentToday(ctx context.Context, accountID int64, day time.Time, category domain.Category) (total decimal.Decimal, count int64, err error)
}

// Quota is the structured result of a limit check. CanProceed false is a
// normal decision, not an error.
type Quota struct {
	Limit         decimal.Decimal `json:"limit"`
	Spent         decimal.Decimal `json:"spent"`
	Remaining     decimal.Decimal `json:"remaining"`
	Count         int64           `json:"count"`
	CanProceed    bool            `json:"can_proceed"`
	Unlimited     bool            `json:"unlimited"`
	PerOpExceeded bool            `json:"per_op_exceeded,omitempty"`
}

// Enforcer checks and commits spend against the tier policy. Check never
// mutates; Commit runs strictly after the wrapped operation succeeded.
type Enforcer struct {
	policy   Policy
	accounts TierResolver
	counters CounterStore
	loc      *time.Location
	now      func() time.Time
}

// NewEnforcer wires an Enforcer. loc defines the local-midnight day boundary;
// nil means time.Local.
func NewEnforcer(policy Policy, accounts TierResolver, counters CounterStore, loc *time.Location) (*Enforcer, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	return &Enforcer{policy: policy, accounts: accounts, counters: counters, loc: loc, now: time.Now}, nil
}

// Today returns the current counter day (local midnight boundary).
func (e *Enforcer) Today() time.Time {
	n := e.now().In(e.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, e.loc)
}

// Check computes the quota for spending amount in category. The per-operation
// ceiling is evaluated first and independently of any daily counter.
func (e *Enforcer) Check(ctx context.Context, accountID int64, amount decimal.Decimal, category domain.Category) (Quota, error) {
	if !category.Valid() {
		return Quota{}, fmt.Errorf("unknown operation category %q", category)
	}

	tier, err := e.accounts.ResolveTier(ctx, accountID)
	if err != nil {
		return Quota{}, fmt.Errorf("resolving tier for account %d: %w", accountID, err)
	}
	lim, err := e.policy.limitFor(tier)
	if err != nil {
		return Quota{}, err
	}

	if lim.Unlimited {
		return Quota{CanProceed: true, Unlimited: true}, nil
	}

	if amount.GreaterThan(lim.PerOperationLimit) {
		return Quota{
			Limit:         lim.PerOperationLimit,
			CanProceed:    false,
			PerOpExceeded: true,
		}, nil
	}

	spent, count, err := e.counters.SpentToday(ctx, accountID, e.Today(), category)
	if err != nil {
		return Quota{}, fmt.Errorf("loading daily counter for account %d: %w", accountID, err)
	}

	remaining := lim.DailyLimit.Sub(spent)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return Quota{
		Limit:      lim.DailyLimit,
		Spent:      spent,
		Remaining:  remaining,
		Count:      count,
		CanProceed: spent.Add(amount).LessThanOrEqual(lim.DailyLimit),
	}, nil
}

// Enforce is Check plus a typed rejection when the quota does not allow the
// spend.
func (e *Enforcer) Enforce(ctx context.Context, accountID int64, amount decimal.Decimal, category domain.Category) (Quota, error) {
	q, err := e.Check(ctx, accountID, amount, category)
	if err != nil {
		return q, err
	}
	if !q.CanProceed {
		return q, &domain.LimitExceededError{
			Category:  category,
			Limit:     q.Limit,
			Spent:     q.Spent,
			Remaining: q.Remaining,
			Amount:    amount,
			PerOp:     q.PerOpExceeded,
		}
	}
	return q, nil
}

// PrepareCommit builds the counter increment that the ledger store applies
// atomically with the mutation. Binding the increment to the mutation
// transaction is what keeps failed operations out of the totals and makes
// concurrent commits for one account-day serialize on the counter row.
// Unlimited tiers still count their spend, just without a guard.
func (e *Enforcer) PrepareCommit(ctx context.Context, accountID int64, amount decimal.Decimal, category domain.Category) (*domain.SpendCommit, error) {
	tier, err := e.accounts.ResolveTier(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("resolving tier for account %d: %w", accountID, err)
	}
	lim, err := e.policy.limitFor(tier)
	if err != nil {
		return nil, err
	}
	return &domain.SpendCommit{
		AccountID:  accountID,
		Day:        e.Today(),
		Category:   category,
		Amount:     amount,
		DailyLimit: lim.DailyLimit,
		Guarded:    !lim.Unlimited,
	}, nil
}

// Package executor runs money-moving operations through the idempotency gate,
// the limit enforcer and the ledger mutator, in that order. Checks happen
// before the account lock is taken; response caching happens after the
// database commit; nothing else runs inside the locked window.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/idempotency"
	"github.com/punchamoorthee/paycore/internal/ledger"
	"github.com/punchamoorthee/paycore/internal/limits"
	"github.com/shopspring/decimal"
)

// Result is the canonical payload of a freshly executed operation. It is what
// gets cached, so a replayed duplicate returns these fields byte-identical.
type Result struct {
	Reference    string          `json:"reference"`
	Category     domain.Category `json:"category"`
	Amount       decimal.Decimal `json:"amount"`
	Fee          decimal.Decimal `json:"fee"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	Status       domain.TxStatus `json:"status"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Response is what the API layer writes out. For replays Body is the cached
// bytes of the first execution, untouched.
type Response struct {
	StatusCode int
	Body       json.RawMessage
	Replayed   bool
	Degraded   bool
}

// Executor wires the three core components.
type Executor struct {
	idem    *idempotency.Manager
	limits  *limits.Enforcer
	mutator *ledger.Mutator
	log     *slog.Logger
}

func New(idem *idempotency.Manager, lim *limits.Enforcer, mutator *ledger.Mutator, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{idem: idem, limits: lim, mutator: mutator, log: log}
}

// Gate identifies one attempt to the idempotency manager. An empty Key
// bypasses the gate entirely: the operation executes unconditionally.
type Gate struct {
	Key         string
	Endpoint    string
	Method      string
	RequestHash string
	OwnerID     string
}

// execute wraps run with the idempotency state machine. Ledger failures mark
// the record FAILED so the client may retry; finalization failures are logged
// and swallowed because the money has already moved.
func (e *Executor) execute(ctx context.Context, gate Gate, run func(ctx context.Context) (*Result, error)) (*Response, error) {
	var handle *idempotency.Handle
	degraded := false

	if gate.Key != "" {
		d := e.idem.Admit(ctx, idempotency.AdmitRequest{
			Key:         gate.Key,
			Endpoint:    gate.Endpoint,
			Method:      gate.Method,
			RequestHash: gate.RequestHash,
			OwnerID:     gate.OwnerID,
		})
		switch d.Outcome {
		case idempotency.OutcomeReject:
			return nil, d.Reason
		case idempotency.OutcomeReplay:
			return &Response{StatusCode: d.ResponseStatus, Body: d.ResponseBody, Replayed: true}, nil
		default:
			handle = d.Handle
			degraded = d.Degraded
		}
	}

	res, err := run(ctx)
	if err != nil {
		e.idem.Fail(ctx, handle, err.Error())
		return nil, err
	}

	body, err := json.Marshal(res)
	if err != nil {
		// The operation committed; report it even though caching is impossible.
		e.log.Error("marshaling operation result", slog.Any("error", err))
		return &Response{StatusCode: http.StatusCreated, Degraded: degraded}, nil
	}
	e.idem.Complete(ctx, handle, http.StatusCreated, body)
	return &Response{StatusCode: http.StatusCreated, Body: body, Degraded: degraded}, nil
}

func resultFrom(rec *domain.Transaction) *Result {
	return &Result{
		Reference:    rec.Reference,
		Category:     rec.Category,
		Amount:       rec.Amount,
		Fee:          rec.Fee,
		TotalAmount:  rec.TotalAmount,
		Status:       rec.Status,
		BalanceAfter: rec.BalanceAfter,
		CreatedAt:    rec.CreatedAt,
	}
}

// TransferInput moves amount between two wallets.
type TransferInput struct {
	Gate          Gate
	FromAccountID int64
	ToAccountID   int64
	Amount        decimal.Decimal
	Fee           decimal.Decimal
	Narrative     string
}

// Transfer executes a wallet-to-wallet move under the sender's P2P limits.
func (e *Executor) Transfer(ctx context.Context, in TransferInput) (*Response, error) {
	return e.execute(ctx, in.Gate, func(ctx context.Context) (*Result, error) {
		if _, err := e.limits.Enforce(ctx, in.FromAccountID, in.Amount, domain.CategoryP2PTransfer); err != nil {
			return nil, err
		}
		spend, err := e.limits.PrepareCommit(ctx, in.FromAccountID, in.Amount, domain.CategoryP2PTransfer)
		if err != nil {
			return nil, err
		}
		debit, _, err := e.mutator.Transfer(ctx, in.FromAccountID, in.ToAccountID, in.Amount, ledger.OperationContext{
			Category:  domain.CategoryP2PTransfer,
			Fee:       in.Fee,
			Narrative: in.Narrative,
			Spend:     spend,
		})
		if err != nil {
			return nil, err
		}
		return resultFrom(debit), nil
	})
}

// PurchaseInput debits a wallet for a value-added service (airtime, data,
// bill payment). The provider call itself is a collaborator outside this
// core; by the time Purchase runs, the business layer has decided the amount.
type PurchaseInput struct {
	Gate      Gate
	AccountID int64
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Category  domain.Category
	Narrative string
}

func (e *Executor) Purchase(ctx context.Context, in PurchaseInput) (*Response, error) {
	switch in.Category {
	case domain.CategoryAirtime, domain.CategoryData, domain.CategoryBillPayment:
	default:
		return nil, fmt.Errorf("category %q is not purchasable", in.Category)
	}
	return e.debitWithLimits(ctx, in.Gate, in.AccountID, in.Amount, in.Fee, in.Category, in.Narrative)
}

// WithdrawalInput debits a wallet for an outward payout.
type WithdrawalInput struct {
	Gate      Gate
	AccountID int64
	Amount    decimal.Decimal
	Fee       decimal.Decimal
	Narrative string
}

func (e *Executor) Withdraw(ctx context.Context, in WithdrawalInput) (*Response, error) {
	return e.debitWithLimits(ctx, in.Gate, in.AccountID, in.Amount, in.Fee, domain.CategoryWithdrawal, in.Narrative)
}

func (e *Executor) debitWithLimits(ctx context.Context, gate Gate, accountID int64, amount, fee decimal.Decimal, category domain.Category, narrative string) (*Response, error) {
	return e.execute(ctx, gate, func(ctx context.Context) (*Result, error) {
		if _, err := e.limits.Enforce(ctx, accountID, amount, category); err != nil {
			return nil, err
		}
		spend, err := e.limits.PrepareCommit(ctx, accountID, amount, category)
		if err != nil {
			return nil, err
		}
		rec, err := e.mutator.Apply(ctx, accountID, amount.Add(fee).Neg(), ledger.OperationContext{
			Category:  category,
			Fee:       fee,
			Narrative: narrative,
			Spend:     spend,
		})
		if err != nil {
			return nil, err
		}
		return resultFrom(rec), nil
	})
}

// ReversalInput compensates an earlier transaction. No limits apply; the
// ledger invariants still do.
type ReversalInput struct {
	Gate      Gate
	Reference string
	Narrative string
}

func (e *Executor) Reverse(ctx context.Context, in ReversalInput) (*Response, error) {
	return e.execute(ctx, in.Gate, func(ctx context.Context) (*Result, error) {
		rec, err := e.mutator.Reverse(ctx, in.Reference, ledger.OperationContext{
			Narrative: in.Narrative,
		})
		if err != nil {
			return nil, err
		}
		return resultFrom(rec), nil
	})
}

// AdjustmentInput is an audited admin credit or debit. SignedAmount positive
// credits the wallet. Limits are bypassed; insufficient funds and account
// locks are not.
type AdjustmentInput struct {
	Gate         Gate
	AccountID    int64
	SignedAmount decimal.Decimal
	Reason       string
}

func (e *Executor) Adjust(ctx context.Context, in AdjustmentInput) (*Response, error) {
	return e.execute(ctx, in.Gate, func(ctx context.Context) (*Result, error) {
		rec, err := e.mutator.Apply(ctx, in.AccountID, in.SignedAmount, ledger.OperationContext{
			Category:  domain.CategoryAdjustment,
			Narrative: in.Reason,
		})
		if err != nil {
			return nil, err
		}
		return resultFrom(rec), nil
	})
}

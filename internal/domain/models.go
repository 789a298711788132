package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Account represents a wallet in the ledger. Balance and LedgerBalance move
// together under every mutation; LedgerBalance additionally carries pending
// uncleared amounts.
type Account struct {
	ID            int64           `json:"id"`
	OwnerID       string          `json:"owner_id"`
	Tier          Tier            `json:"tier"`
	Balance       decimal.Decimal `json:"balance"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
	Locked        bool            `json:"locked"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Transaction is one immutable leg of a ledger mutation. BalanceBefore and
// BalanceAfter are captured under the account row lock, so for every record
// BalanceAfter - BalanceBefore equals the signed amount exactly.
type Transaction struct {
	ID                 int64           `json:"id"`
	Reference          string          `json:"reference"`
	AccountID          int64           `json:"account_id"`
	Category           Category        `json:"category"`
	Direction          Direction       `json:"direction"`
	Amount             decimal.Decimal `json:"amount"`
	Fee                decimal.Decimal `json:"fee"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	BalanceBefore      decimal.Decimal `json:"balance_before"`
	BalanceAfter       decimal.Decimal `json:"balance_after"`
	Status             TxStatus        `json:"status"`
	RelatedOperationID string          `json:"related_operation_id,omitempty"`
	Narrative          string          `json:"narrative,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// IdempotencyRecord binds a client intent to a single execution.
// The (Endpoint, Method, RequestHash) triple is immutable once created.
type IdempotencyRecord struct {
	Key            string
	Endpoint       string
	Method         string
	RequestHash    string
	Status         IdemStatus
	ResponseStatus int
	ResponseBody   json.RawMessage
	OwnerID        string
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// Expired reports whether the record is past its TTL at the given instant.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// DailySpendCounter is the sole mutable running total for one account-day.
// Transfers, withdrawals and P2P transfers share the transfer bucket;
// withdrawals additionally track their own sub-total. Totals only grow.
type DailySpendCounter struct {
	AccountID        int64           `json:"account_id"`
	Day              time.Time       `json:"day"`
	TransfersTotal   decimal.Decimal `json:"transfers_total"`
	TransfersCount   int64           `json:"transfers_count"`
	WithdrawalsTotal decimal.Decimal `json:"withdrawals_total"`
	WithdrawalsCount int64           `json:"withdrawals_count"`
	AirtimeTotal     decimal.Decimal `json:"airtime_total"`
	AirtimeCount     int64           `json:"airtime_count"`
	DataTotal        decimal.Decimal `json:"data_total"`
	DataCount        int64           `json:"data_count"`
	BillsTotal       decimal.Decimal `json:"bills_total"`
	BillsCount       int64           `json:"bills_count"`
}

// TierLimit is the spendable ceiling for one tier. Unlimited short-circuits
// every daily and per-operation check.
type TierLimit struct {
	DailyLimit        decimal.Decimal `json:"daily_limit"`
	PerOperationLimit decimal.Decimal `json:"per_operation_limit"`
	Unlimited         bool            `json:"unlimited"`
}

package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SpendCommit describes one daily-counter increment that must be applied
// atomically with the ledger mutation it belongs to. When Guarded is set the
// increment only succeeds while the bucket total stays within DailyLimit;
// losing that guard aborts the whole attempt, so the counter and the ledger
// can never disagree about which operations passed.
type SpendCommit struct {
	AccountID  int64
	Day        time.Time
	Category   Category
	Amount     decimal.Decimal
	DailyLimit decimal.Decimal
	Guarded    bool
}

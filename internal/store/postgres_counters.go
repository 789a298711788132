package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/shopspring/decimal"
)

// bucketColumns returns the counter columns governing a category. Withdrawals
// settle into the shared transfer bucket but also track their own sub-total.
func bucketColumns(c domain.Category) (totalCol, countCol string, withSub bool) {
	switch c.LimitBucket() {
	case domain.BucketTransfers:
		return "transfers_total", "transfers_count", c == domain.CategoryWithdrawal
	case domain.BucketAirtime:
		return "airtime_total", "airtime_count", false
	case domain.BucketData:
		return "data_total", "data_count", false
	default:
		return "bills_total", "bills_count", false
	}
}

// SpentToday implements limits.CounterStore. A missing row means nothing has
// been spent yet; the row is created lazily by the first commit.
func (s *Postgres) SpentToday(ctx context.Context, accountID int64, day time.Time, category domain.Category) (decimal.Decimal, int64, error) {
	totalCol, countCol, _ := bucketColumns(category)
	var total decimal.Decimal
	var count int64
	err := s.Pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s, %s FROM daily_spend_counters WHERE account_id = $1 AND day = $2`, totalCol, countCol),
		accountID, day,
	).Scan(&total, &count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return decimal.Zero, 0, nil
		}
		return decimal.Zero, 0, err
	}
	return total, count, nil
}

// applySpend commits one spend to the daily counters inside the mutation
// transaction. The increment is a single atomic upsert; when guarded, the
// update only fires while the bucket total stays within the daily limit, and
// an unaffected row means the attempt lost the race and must abort.
func (s *Postgres) applySpend(ctx context.Context, tx pgx.Tx, spend *domain.SpendCommit) error {
	if spend.Guarded && spend.Amount.GreaterThan(spend.DailyLimit) {
		return s.limitExceeded(ctx, tx, spend, decimal.Zero)
	}

	totalCol, countCol, withSub := bucketColumns(spend.Category)

	insertCols := fmt.Sprintf("%s, %s", totalCol, countCol)
	insertVals := "$3, 1"
	updates := fmt.Sprintf(
		"%[1]s = daily_spend_counters.%[1]s + EXCLUDED.%[1]s, %[2]s = daily_spend_counters.%[2]s + 1",
		totalCol, countCol)
	if withSub {
		insertCols += ", withdrawals_total, withdrawals_count"
		insertVals += ", $3, 1"
		updates += ", withdrawals_total = daily_spend_counters.withdrawals_total + EXCLUDED.withdrawals_total" +
			", withdrawals_count = daily_spend_counters.withdrawals_count + 1"
	}

	query := fmt.Sprintf(
		`INSERT INTO daily_spend_counters (account_id, day, %s) VALUES ($1, $2, %s)
		 ON CONFLICT (account_id, day) DO UPDATE SET %s`,
		insertCols, insertVals, updates)
	args := []any{spend.AccountID, spend.Day, spend.Amount}
	if spend.Guarded {
		query += fmt.Sprintf(
			" WHERE daily_spend_counters.%[1]s + EXCLUDED.%[1]s <= $4", totalCol)
		args = append(args, spend.DailyLimit)
	}

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("spend counter update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// The conflicting row is locked at this point, so the re-read is stable.
		var spent decimal.Decimal
		if err := tx.QueryRow(ctx,
			fmt.Sprintf(`SELECT %s FROM daily_spend_counters WHERE account_id = $1 AND day = $2`, totalCol),
			spend.AccountID, spend.Day,
		).Scan(&spent); err != nil {
			return fmt.Errorf("spend counter re-read failed: %w", err)
		}
		return s.limitExceeded(ctx, tx, spend, spent)
	}
	return nil
}

func (s *Postgres) limitExceeded(_ context.Context, _ pgx.Tx, spend *domain.SpendCommit, spent decimal.Decimal) error {
	remaining := spend.DailyLimit.Sub(spent)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return &domain.LimitExceededError{
		Category:  spend.Category,
		Limit:     spend.DailyLimit,
		Spent:     spent,
		Remaining: remaining,
		Amount:    spend.Amount,
	}
}

// Package store provides the Postgres implementation of every component store
// interface, plus an in-memory variant under store/memory for tests and local
// development.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/shopspring/decimal"
)

// Postgres backs the idempotency, limits and ledger stores with one pgx pool.
type Postgres struct {
	Pool *pgxpool.Pool
}

func NewPostgres(connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Pool: pool}, nil
}

func (s *Postgres) Close() {
	s.Pool.Close()
}

// Migrate applies the embedded schema. Idempotent; run at startup or from the
// seeder.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres duplicate-key error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateAccount creates a wallet with an opening balance.
func (s *Postgres) CreateAccount(ctx context.Context, ownerID string, tier domain.Tier, opening decimal.Decimal) (int64, error) {
	var id int64
	err := s.Pool.QueryRow(ctx,
		`INSERT INTO accounts (owner_id, tier, balance, ledger_balance) VALUES ($1, $2, $3, $3) RETURNING id`,
		ownerID, tier, opening,
	).Scan(&id)
	return id, err
}

// GetAccount retrieves a single account by ID.
func (s *Postgres) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var acc domain.Account
	err := s.Pool.QueryRow(ctx,
		`SELECT id, owner_id, tier, balance, ledger_balance, locked, created_at FROM accounts WHERE id = $1`,
		id,
	).Scan(&acc.ID, &acc.OwnerID, &acc.Tier, &acc.Balance, &acc.LedgerBalance, &acc.Locked, &acc.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// ResolveTier implements limits.TierResolver.
func (s *Postgres) ResolveTier(ctx context.Context, accountID int64) (domain.Tier, error) {
	var tier domain.Tier
	err := s.Pool.QueryRow(ctx, `SELECT tier FROM accounts WHERE id = $1`, accountID).Scan(&tier)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", domain.ErrAccountNotFound
		}
		return "", err
	}
	return tier, nil
}

// SetAccountLock freezes or unfreezes a wallet.
func (s *Postgres) SetAccountLock(ctx context.Context, accountID int64, locked bool) error {
	tag, err := s.Pool.Exec(ctx, `UPDATE accounts SET locked = $1 WHERE id = $2`, locked, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// GetTransaction retrieves one ledger record by reference.
func (s *Postgres) GetTransaction(ctx context.Context, reference string) (*domain.Transaction, error) {
	rec, err := scanTransaction(s.Pool.QueryRow(ctx, selectTransaction+` WHERE reference = $1`, reference))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListTransactions retrieves the most recent ledger records for an account.
func (s *Postgres) ListTransactions(ctx context.Context, accountID int64, limit int32) ([]domain.Transaction, error) {
	var exists bool
	if err := s.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}

	rows, err := s.Pool.Query(ctx,
		selectTransaction+` WHERE account_id = $1 ORDER BY id DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

const selectTransaction = `SELECT id, reference, account_id, category, direction, amount, fee, total_amount,
	balance_before, balance_after, status, related_operation_id, narrative, created_at FROM transactions`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(&t.ID, &t.Reference, &t.AccountID, &t.Category, &t.Direction, &t.Amount, &t.Fee,
		&t.TotalAmount, &t.BalanceBefore, &t.BalanceAfter, &t.Status, &t.RelatedOperationID,
		&t.Narrative, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

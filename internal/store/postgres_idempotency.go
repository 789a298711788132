package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/idempotency"
)

// GetRecord implements idempotency.Store.
func (s *Postgres) GetRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := s.Pool.QueryRow(ctx,
		`SELECT key, endpoint, method, request_hash, status, response_status, response_body, owner_id, expires_at, created_at
		 FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&rec.Key, &rec.Endpoint, &rec.Method, &rec.RequestHash, &rec.Status,
		&rec.ResponseStatus, &rec.ResponseBody, &rec.OwnerID, &rec.ExpiresAt, &rec.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, idempotency.ErrNoRecord
		}
		return nil, err
	}
	return &rec, nil
}

// CreateRecord reserves a key. The primary-key violation is the atomic
// insert-or-detect-conflict the state machine relies on.
func (s *Postgres) CreateRecord(ctx context.Context, rec *domain.IdempotencyRecord) error {
	_, err := s.Pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, endpoint, method, request_hash, status, owner_id, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.Key, rec.Endpoint, rec.Method, rec.RequestHash, rec.Status, rec.OwnerID, rec.ExpiresAt, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return idempotency.ErrKeyExists
		}
		return fmt.Errorf("key reservation failed: %w", err)
	}
	return nil
}

// DeleteIfExpired purges an expired record. The expiry guard in the predicate
// keeps a concurrent attempt's freshly recreated PENDING row safe.
func (s *Postgres) DeleteIfExpired(ctx context.Context, key string, now time.Time) error {
	_, err := s.Pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND expires_at <= $2`, key, now)
	return err
}

// RevivePending is the conditional FAILED -> PENDING flip; exactly one
// concurrent retrier sees a row affected.
func (s *Postgres) RevivePending(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE idempotency_keys SET status = $1, expires_at = $2, response_status = 0, response_body = NULL
		 WHERE key = $3 AND status = $4`,
		domain.IdemPending, expiresAt, key, domain.IdemFailed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) FinalizeRecord(ctx context.Context, key string, status domain.IdemStatus, respStatus int, body []byte) error {
	tag, err := s.Pool.Exec(ctx,
		`UPDATE idempotency_keys SET status = $1, response_status = $2, response_body = $3
		 WHERE key = $4 AND status = $5`,
		status, respStatus, body, key, domain.IdemPending)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("idempotency record %q not pending", key)
	}
	return nil
}

func (s *Postgres) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/paycore/internal/domain"
)

var (
	// ErrNoRecord is returned by Store.GetRecord when the key has never been seen.
	ErrNoRecord = errors.New("idempotency record not found")

	// ErrKeyExists is returned by Store.CreateRecord when another attempt won
	// the insert. Creation must be an atomic insert-or-conflict, never
	// read-then-write.
	ErrKeyExists = errors.New("idempotency key already exists")
)

// Store persists idempotency records. Implementations must make CreateRecord
// atomic (unique-violation on duplicate keys) and RevivePending a conditional
// update so exactly one retrier wins a FAILED record.
type Store interface {
	GetRecord(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	CreateRecord(ctx context.Context, rec *domain.IdempotencyRecord) error

	// DeleteIfExpired purges the record only while it is still expired at now.
	// The guard matters: an unconditional delete could remove a fresh PENDING
	// record that a concurrent attempt just recreated under the same key.
	DeleteIfExpired(ctx context.Context, key string, now time.Time) error

	// RevivePending flips a FAILED record back to PENDING with a fresh expiry,
	// reporting whether this caller performed the flip.
	RevivePending(ctx context.Context, key string, expiresAt time.Time) (bool, error)

	// FinalizeRecord moves a PENDING record to COMPLETED or FAILED and stores
	// the cached response.
	FinalizeRecord(ctx context.Context, key string, status domain.IdemStatus, respStatus int, body []byte) error

	// DeleteExpired bulk-purges records whose expiry is at or before cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

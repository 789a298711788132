// Package idempotency gates money-moving operations behind client-supplied
// keys so a retried intent executes at most once.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/punchamoorthee/paycore/internal/domain"
)

// DefaultTTL is how long a key stays live after creation.
const DefaultTTL = 24 * time.Hour

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 255

// Outcome is the gate's verdict for one attempt.
type Outcome int

const (
	// OutcomeProceed lets the wrapped operation run. If Decision.Degraded is
	// set the record could not be written and the run is unprotected.
	OutcomeProceed Outcome = iota
	// OutcomeReplay short-circuits with the cached response of the first run.
	OutcomeReplay
	// OutcomeReject refuses the attempt; Decision.Reason carries the cause.
	OutcomeReject
)

// Decision is the structured result of Admit. Business outcomes are values
// here, not errors; only infrastructure faults are errors, and those fail open.
type Decision struct {
	Outcome        Outcome
	Handle         *Handle
	Degraded       bool
	ResponseStatus int
	ResponseBody   json.RawMessage
	Reason         error
}

// Handle finalizes the record created for one admitted attempt.
type Handle struct {
	key string
}

// Key returns the idempotency key this handle finalizes.
func (h *Handle) Key() string { return h.key }

// AdmitRequest carries the identity of one attempt.
type AdmitRequest struct {
	Key         string
	Endpoint    string
	Method      string
	RequestHash string
	OwnerID     string
}

// Manager implements the admit/complete/fail state machine over a Store.
type Manager struct {
	store Store
	ttl   time.Duration
	log   *slog.Logger
	now   func() time.Time
}

// New builds a Manager. ttl <= 0 falls back to DefaultTTL.
func New(store Store, ttl time.Duration, log *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{store: store, ttl: ttl, log: log, now: time.Now}
}

// ValidateKey checks shape only: 1-255 characters, no control characters.
// It runs before any storage lookup.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", domain.ErrInvalidIdempotencyKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: exceeds %d characters", domain.ErrInvalidIdempotencyKey, MaxKeyLength)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: contains control characters", domain.ErrInvalidIdempotencyKey)
		}
	}
	return nil
}

// Admit decides whether the attempt may run. Infrastructure faults while
// checking or creating the record fail open: the operation proceeds without
// protection and the degradation is logged. Payment flows are never blocked
// by the idempotency store being down.
func (m *Manager) Admit(ctx context.Context, req AdmitRequest) Decision {
	if err := ValidateKey(req.Key); err != nil {
		return Decision{Outcome: OutcomeReject, Reason: err}
	}

	rec, err := m.store.GetRecord(ctx, req.Key)
	switch {
	case err == nil:
		if rec.Expired(m.now()) {
			// Treated as absent. The delete is conditional on expiry so it can
			// never remove a fresh PENDING record a concurrent attempt already
			// recreated; losers of the recreate race hit the unique violation
			// in create and back off.
			if derr := m.store.DeleteIfExpired(ctx, req.Key, m.now()); derr != nil {
				return m.failOpen(req, derr)
			}
			return m.create(ctx, req)
		}
		return m.decideExisting(ctx, req, rec)
	case err == ErrNoRecord:
		return m.create(ctx, req)
	default:
		return m.failOpen(req, err)
	}
}

func (m *Manager) decideExisting(ctx context.Context, req AdmitRequest, rec *domain.IdempotencyRecord) Decision {
	if rec.Endpoint != req.Endpoint || rec.Method != req.Method {
		return Decision{Outcome: OutcomeReject, Reason: domain.ErrKeyReusedForDifferentOperation}
	}
	if rec.RequestHash != req.RequestHash {
		return Decision{Outcome: OutcomeReject, Reason: domain.ErrKeyReusedWithDifferentPayload}
	}

	switch rec.Status {
	case domain.IdemPending:
		return Decision{Outcome: OutcomeReject, Reason: domain.ErrConcurrentRequestInFlight}
	case domain.IdemCompleted:
		return Decision{
			Outcome:        OutcomeReplay,
			ResponseStatus: rec.ResponseStatus,
			ResponseBody:   rec.ResponseBody,
		}
	case domain.IdemFailed:
		won, err := m.store.RevivePending(ctx, req.Key, m.now().Add(m.ttl))
		if err != nil {
			return m.failOpen(req, err)
		}
		if !won {
			return Decision{Outcome: OutcomeReject, Reason: domain.ErrConcurrentRequestInFlight}
		}
		return Decision{Outcome: OutcomeProceed, Handle: &Handle{key: req.Key}}
	default:
		return m.failOpen(req, fmt.Errorf("unknown idempotency status %q", rec.Status))
	}
}

func (m *Manager) create(ctx context.Context, req AdmitRequest) Decision {
	now := m.now()
	rec := &domain.IdempotencyRecord{
		Key:         req.Key,
		Endpoint:    req.Endpoint,
		Method:      req.Method,
		RequestHash: req.RequestHash,
		Status:      domain.IdemPending,
		OwnerID:     req.OwnerID,
		ExpiresAt:   now.Add(m.ttl),
		CreatedAt:   now,
	}
	if err := m.store.CreateRecord(ctx, rec); err != nil {
		if err == ErrKeyExists {
			return Decision{Outcome: OutcomeReject, Reason: domain.ErrConcurrentRequestInFlight}
		}
		return m.failOpen(req, err)
	}
	return Decision{Outcome: OutcomeProceed, Handle: &Handle{key: req.Key}}
}

func (m *Manager) failOpen(req AdmitRequest, cause error) Decision {
	m.log.Warn("idempotency check degraded, proceeding unprotected",
		slog.String("key", req.Key),
		slog.String("endpoint", req.Endpoint),
		slog.Any("error", cause),
	)
	return Decision{Outcome: OutcomeProceed, Degraded: true}
}

// Complete caches the successful response. Best-effort: the money has already
// moved, so a caching failure is logged and swallowed, never surfaced.
func (m *Manager) Complete(ctx context.Context, h *Handle, status int, body []byte) {
	if h == nil {
		return
	}
	if err := m.store.FinalizeRecord(ctx, h.key, domain.IdemCompleted, status, body); err != nil {
		m.log.Error("failed to cache idempotent response",
			slog.String("key", h.key), slog.Any("error", err))
	}
}

// Fail marks the record FAILED with an error summary so a later retry is
// allowed to run again. Best-effort like Complete.
func (m *Manager) Fail(ctx context.Context, h *Handle, summary string) {
	if h == nil {
		return
	}
	body, _ := json.Marshal(map[string]string{"error": summary})
	if err := m.store.FinalizeRecord(ctx, h.key, domain.IdemFailed, 0, body); err != nil {
		m.log.Error("failed to mark idempotency record failed",
			slog.String("key", h.key), slog.Any("error", err))
	}
}

// SweepExpired physically purges expired records. Intended for a background
// ticker; lookups already treat expired records as absent.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	return m.store.DeleteExpired(ctx, m.now())
}

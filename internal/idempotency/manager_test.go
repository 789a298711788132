package idempotency_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/punchamoorthee/paycore/internal/domain"
	"github.com/punchamoorthee/paycore/internal/idempotency"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a map-backed Store with failure injection for the fail-open
// paths.
type fakeStore struct {
	records map[string]*domain.IdempotencyRecord

	failGet      bool
	failCreate   bool
	failFinalize bool

	// beforeExpiredDelete runs once at the top of DeleteIfExpired, for
	// interleaving a concurrent admission into the expiry window.
	beforeExpiredDelete func()
}

var errStoreDown = errors.New("storage unavailable")

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*domain.IdempotencyRecord)}
}

func (f *fakeStore) GetRecord(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	if f.failGet {
		return nil, errStoreDown
	}
	rec, ok := f.records[key]
	if !ok {
		return nil, idempotency.ErrNoRecord
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) CreateRecord(_ context.Context, rec *domain.IdempotencyRecord) error {
	if f.failCreate {
		return errStoreDown
	}
	if _, ok := f.records[rec.Key]; ok {
		return idempotency.ErrKeyExists
	}
	cp := *rec
	f.records[rec.Key] = &cp
	return nil
}

func (f *fakeStore) DeleteIfExpired(_ context.Context, key string, now time.Time) error {
	if f.beforeExpiredDelete != nil {
		hook := f.beforeExpiredDelete
		f.beforeExpiredDelete = nil
		hook()
	}
	if rec, ok := f.records[key]; ok && rec.Expired(now) {
		delete(f.records, key)
	}
	return nil
}

func (f *fakeStore) RevivePending(_ context.Context, key string, expiresAt time.Time) (bool, error) {
	rec, ok := f.records[key]
	if !ok || rec.Status != domain.IdemFailed {
		return false, nil
	}
	rec.Status = domain.IdemPending
	rec.ExpiresAt = expiresAt
	return true, nil
}

func (f *fakeStore) FinalizeRecord(_ context.Context, key string, status domain.IdemStatus, respStatus int, body []byte) error {
	if f.failFinalize {
		return errStoreDown
	}
	rec, ok := f.records[key]
	if !ok || rec.Status != domain.IdemPending {
		return idempotency.ErrNoRecord
	}
	rec.Status = status
	rec.ResponseStatus = respStatus
	rec.ResponseBody = append([]byte(nil), body...)
	return nil
}

func (f *fakeStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for k, rec := range f.records {
		if !rec.ExpiresAt.After(cutoff) {
			delete(f.records, k)
			n++
		}
	}
	return n, nil
}

func admitReq(key string) idempotency.AdmitRequest {
	return idempotency.AdmitRequest{
		Key:         key,
		Endpoint:    "/transfers",
		Method:      "POST",
		RequestHash: "hash-1",
		OwnerID:     "user-1",
	}
}

func newManager(store idempotency.Store, ttl time.Duration) *idempotency.Manager {
	return idempotency.New(store, ttl, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestValidateKey(t *testing.T) {
	cases := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid", "order-123", false},
		{"valid max length", stringOfLen(255), false},
		{"empty", "", true},
		{"too long", stringOfLen(256), true},
		{"newline", "key\nwith-newline", true},
		{"carriage return", "key\rwith-cr", true},
		{"tab", "key\twith-tab", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := idempotency.ValidateKey(tc.key)
			if tc.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidIdempotencyKey)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func stringOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'k'
	}
	return string(b)
}

func TestAdmit_FirstSeenProceeds(t *testing.T) {
	store := newFakeStore()
	m := newManager(store, time.Hour)

	d := m.Admit(context.Background(), admitReq("key-1"))

	require.Equal(t, idempotency.OutcomeProceed, d.Outcome)
	require.NotNil(t, d.Handle)
	assert.False(t, d.Degraded)
	assert.Equal(t, domain.IdemPending, store.records["key-1"].Status)
}

func TestAdmit_CompletedReplays(t *testing.T) {
	store := newFakeStore()
	m := newManager(store, time.Hour)
	ctx := context.Background()

	d := m.Admit(ctx, admitReq("key-1"))
	require.Equal(t, idempotency.OutcomeProceed, d.Outcome)
	m.Complete(ctx, d.Handle, 201, []byte(`{"reference":"abc"}`))

	d2 := m.Admit(ctx, admitReq("key-1"))
	require.Equal(t, idempotency.OutcomeReplay, d2.Outcome)
	assert.Equal(t, 201, d2.ResponseStatus)
	assert.JSONEq(t, `{"reference":"abc"}`, string(d2.ResponseBody))
}

func TestAdmit_PendingRejectsConcurrent(t *testing.T) {
	store := newFakeStore()
	m := newManager(store, time.Hour)
	ctx := context.Background()

	d := m.Admit(ctx, admitReq("key-1"))
	require.Equal(t, idempotency.OutcomeProceed, d.Outcome)

	d2 := m.Admit(ctx, admitReq("key-1"))
	require.Equal(t, idempotency.OutcomeReject, d2.Outcome)
	assert.ErrorIs(t, d2.Reason, domain.ErrConcurrentRequestInFlight)
}

func TestAdmit_DifferentOperationRejected(t *testing.T) {
	store := newFakeStore()
	m := newManager(store, time.Hour)
	ctx := context.Background()

	m.Admit(ctx, admitReq("key-1"))

	req := admitReq("key-1")
	req.Endpoint = "/purchases"
	d := m.Admit(ctx, req)
	require.Equal(t, idempotency.OutcomeReject, d.Outcome)
	assert.ErrorIs(t, d.Reason, domain.ErrKeyReusedForDifferentOperation)
}

func TestAdmit_DifferentPayloadRejected(t *testing.T) {
	store := newFakeStore()
	m := newManager(store, time.Hour)
	ctx := context.Background()

	m.Admit(ctx, admitReq("key-1"))

	req := admitReq("key-1")
	req.RequestHash = "hash-2"
	d := m.Admit(ctx, req)
	require.Equal(t, idempotency.OutcomeReject, d.Outcome)
	assert.ErrorIs(t, d.Reason, domain.ErrKeyReusedWithDifferentPayload)
}

func TestAdmit_FailedAllowsRetry(t *testing.T) {
	store := newFakeStore()
	m := newManager(store, time.Hour)
	ctx := context.Background()

	d := m.Admit(ctx, admitReq("key-1"))
	require.Equal(t, idempotency.OutcomeProceed, d.Outcome)
	m.Fail(ctx, d.Handle, "insufficient funds")
	require.Equal(t, domain.IdemFailed, store.records["key-1"].Status)

	d2 := m.Admit(ctx, admitReq("key-1"))
	require.Equal(t, idempotency.OutcomeProceed, d2.Outcome)
	require.NotNil(t, d2.Handle)
	assert.Equal(t, domain.IdemPending, store.records["key-1"].Status)
}

func TestAdmit_ExpiredTreatedAsAbsent(t *testing.T) {
	store := newFakeStore()
	m := newManager(store, time.Nanosecond)
	ctx := context.Background()

	d := m.Admit(ctx, admitReq("key-1"))
	require.Equal(t, idempotency.OutcomeProceed, d.Outcome)
	m.Complete(ctx, d.Handle, 201, []byte(`{"reference":"abc"}`))

	time.Sleep(2 * time.Millisecond)

	// Well past expiry: a fresh PENDING record replaces the old one instead of
	// replaying it.
	d2 := m.Admit(ctx, admitReq("key-1"))
	require.Equal(t, idempotency.OutcomeProceed, d2.Outcome)
	assert.Equal(t, domain.IdemPending, store.records["key-1"].Status)
}

func TestAdmit_ExpiredRecreateRaceAdmitsExactlyOne(t *testing.T) {
	store := newFakeStore()
	m := newManager(store, time.Nanosecond)
	ctx := context.Background()

	d := m.Admit(ctx, admitReq("key-1"))
	require.Equal(t, idempotency.OutcomeProceed, d.Outcome)
	m.Complete(ctx, d.Handle, 201, []byte(`{"reference":"abc"}`))
	time.Sleep(2 * time.Millisecond)

	// Both attempts observe the expired record. The second slips in between
	// the first attempt's expired read and its purge, completing a full
	// purge-and-recreate of its own; its fresh PENDING record must survive.
	other := newManager(store, time.Hour)
	var otherDecision idempotency.Decision
	store.beforeExpiredDelete = func() {
		otherDecision = other.Admit(ctx, admitReq("key-1"))
	}

	loser := m.Admit(ctx, admitReq("key-1"))

	require.Equal(t, idempotency.OutcomeProceed, otherDecision.Outcome)
	require.Equal(t, idempotency.OutcomeReject, loser.Outcome)
	assert.ErrorIs(t, loser.Reason, domain.ErrConcurrentRequestInFlight)
	assert.Equal(t, domain.IdemPending, store.records["key-1"].Status)

	// The winner's finalization still lands on its own record.
	other.Complete(ctx, otherDecision.Handle, 201, []byte(`{"reference":"def"}`))
	assert.Equal(t, domain.IdemCompleted, store.records["key-1"].Status)
}

func TestAdmit_InfraErrorFailsOpen(t *testing.T) {
	store := newFakeStore()
	store.failGet = true
	m := newManager(store, time.Hour)

	d := m.Admit(context.Background(), admitReq("key-1"))

	require.Equal(t, idempotency.OutcomeProceed, d.Outcome)
	assert.True(t, d.Degraded)
	assert.Nil(t, d.Handle)
}

func TestAdmit_CreateErrorFailsOpen(t *testing.T) {
	store := newFakeStore()
	store.failCreate = true
	m := newManager(store, time.Hour)

	d := m.Admit(context.Background(), admitReq("key-1"))

	require.Equal(t, idempotency.OutcomeProceed, d.Outcome)
	assert.True(t, d.Degraded)
}

func TestFinalize_ErrorsAreSwallowed(t *testing.T) {
	store := newFakeStore()
	m := newManager(store, time.Hour)
	ctx := context.Background()

	d := m.Admit(ctx, admitReq("key-1"))
	store.failFinalize = true

	// Must not panic or surface anything: the financial operation already
	// committed by the time these run.
	m.Complete(ctx, d.Handle, 201, []byte(`{}`))
	m.Fail(ctx, d.Handle, "boom")
}

func TestComplete_NilHandleIsNoop(t *testing.T) {
	m := newManager(newFakeStore(), time.Hour)
	m.Complete(context.Background(), nil, 201, []byte(`{}`))
	m.Fail(context.Background(), nil, "x")
}

func TestSweepExpired(t *testing.T) {
	store := newFakeStore()
	m := newManager(store, time.Nanosecond)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		d := m.Admit(ctx, admitReq(key))
		require.Equal(t, idempotency.OutcomeProceed, d.Outcome)
	}
	time.Sleep(2 * time.Millisecond)

	n, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
	assert.Empty(t, store.records)
}

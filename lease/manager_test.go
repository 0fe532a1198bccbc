package lease_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/store/memory"
)

// flakyStore wraps a real lease store and can be told to fail renewals or
// cleanups.
type flakyStore struct {
	lease.Store

	mu         sync.Mutex
	renewErr   error
	cleanupErr error
	renewals   atomic.Int64
}

func (f *flakyStore) failRenew(err error) {
	f.mu.Lock()
	f.renewErr = err
	f.mu.Unlock()
}

func (f *flakyStore) RenewLease(ctx context.Context, name string, leaseID id.LeaseID, ttl time.Duration) (*lease.Lease, error) {
	f.renewals.Add(1)
	f.mu.Lock()
	err := f.renewErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.RenewLease(ctx, name, leaseID, ttl)
}

func (f *flakyStore) CleanupLeases(ctx context.Context) (int64, error) {
	if f.cleanupErr != nil {
		return 0, f.cleanupErr
	}
	return f.Store.CleanupLeases(ctx)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAcquireLock_Outcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := &flakyStore{Store: memory.New()}
	a := lease.NewManager(s, "host-a", lease.WithLogger(quiet()))
	b := lease.NewManager(s, "host-b", lease.WithLogger(quiet()))

	outcome, l, err := a.AcquireLock(ctx, "nightly", 0)
	if err != nil || outcome != lease.Acquired || l == nil {
		t.Fatalf("first acquire: %v %v %v", outcome, l, err)
	}
	if l.Holder != "host-a" || l.Token() != l.ID {
		t.Errorf("lease = %+v", l)
	}
	if got := l.ExpiresAt.Sub(l.AcquiredAt); got != taskhost.DefaultLeaseDuration {
		t.Errorf("zero duration should use the default, got %v", got)
	}

	outcome, l2, err := b.AcquireLock(ctx, "nightly", time.Minute)
	if err != nil || outcome != lease.Busy || l2 != nil {
		t.Fatalf("contended acquire: %v %v %v", outcome, l2, err)
	}
	if outcome.String() != "busy" {
		t.Errorf("Busy.String() = %q", outcome.String())
	}

	if err := a.Release(ctx, l); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if outcome, _, _ := b.AcquireLock(ctx, "nightly", time.Minute); outcome != lease.Acquired {
		t.Fatalf("acquire after release: %v", outcome)
	}
}

type brokenStore struct{ lease.Store }

func (brokenStore) AcquireLease(context.Context, string, string, time.Duration) (*lease.Lease, error) {
	return nil, errors.New("connection refused")
}

func TestAcquireLock_StoreErrorIsErrorOutcome(t *testing.T) {
	t.Parallel()
	m := lease.NewManager(brokenStore{memory.New()}, "h")

	outcome, l, err := m.AcquireLock(context.Background(), "nightly", time.Second)
	if outcome != lease.Error || l != nil || err == nil {
		t.Fatalf("got %v %v %v", outcome, l, err)
	}
	if errors.Is(err, taskhost.ErrLeaseBusy) {
		t.Fatal("store failure must not look like Busy")
	}
}

func TestRelease_NilAndTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := lease.NewManager(memory.New(), "h")

	if err := m.Release(ctx, nil); err != nil {
		t.Fatalf("Release(nil): %v", err)
	}
	_, l, _ := m.AcquireLock(ctx, "x", time.Minute)
	for i := 0; i < 2; i++ {
		if err := m.Release(ctx, l); err != nil {
			t.Fatalf("Release #%d: %v", i+1, err)
		}
	}
}

func TestRenew_DeniedForStaleLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := lease.NewManager(memory.New(), "h")

	_, l, _ := m.AcquireLock(ctx, "x", time.Minute)
	renewed, err := m.Renew(ctx, "x", l.ID, 2*time.Minute)
	if err != nil || !renewed.ExpiresAt.After(l.ExpiresAt) {
		t.Fatalf("Renew: %v %v", renewed, err)
	}

	if _, err := m.Renew(ctx, "x", id.NewLeaseID(), time.Minute); !errors.Is(err, taskhost.ErrLeaseDenied) {
		t.Fatalf("foreign lease id: got %v, want ErrLeaseDenied", err)
	}
	_ = m.Release(ctx, l)
	if _, err := m.Renew(ctx, "x", l.ID, time.Minute); !errors.Is(err, taskhost.ErrLeaseDenied) {
		t.Fatalf("released lease: got %v, want ErrLeaseDenied", err)
	}
}

func TestCleanup_SwallowsErrors(t *testing.T) {
	t.Parallel()
	s := &flakyStore{Store: memory.New(), cleanupErr: errors.New("timeout")}
	m := lease.NewManager(s, "h", lease.WithLogger(quiet()))

	if n := m.Cleanup(context.Background()); n != 0 {
		t.Fatalf("Cleanup on failing store = %d, want 0", n)
	}
}

func TestHold_KeepsLeaseAlive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := &flakyStore{Store: memory.New()}
	m := lease.NewManager(s, "h", lease.WithLogger(quiet()))

	const d = 60 * time.Millisecond
	_, l, _ := m.AcquireLock(ctx, "long", d)
	hctx, stopHold := m.Hold(ctx, l, d)

	time.Sleep(4 * d)
	if err := hctx.Err(); err != nil {
		t.Fatalf("held context cancelled: %v", context.Cause(hctx))
	}
	if s.renewals.Load() == 0 {
		t.Fatal("Hold never renewed")
	}
	cur, err := s.GetLease(ctx, "long")
	if err != nil || cur.ID != l.ID || cur.Expired(time.Now().UTC()) {
		t.Fatalf("lease not kept alive: %+v %v", cur, err)
	}

	stopHold()
	stopHold() // idempotent
	if !errors.Is(hctx.Err(), context.Canceled) {
		t.Fatalf("stop should cancel the held context, got %v", hctx.Err())
	}
	if context.Cause(hctx) != context.Canceled {
		t.Fatalf("stop is not a loss, cause = %v", context.Cause(hctx))
	}
}

func TestHold_DeniedRenewalCancelsWithLeaseLost(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := &flakyStore{Store: memory.New()}

	var lost atomic.Pointer[lease.Lease]
	m := lease.NewManager(s, "h", lease.WithLogger(quiet()),
		lease.WithOnLost(func(_ context.Context, l *lease.Lease, _ error) { lost.Store(l) }),
	)

	const d = 30 * time.Millisecond
	_, l, _ := m.AcquireLock(ctx, "critical", d)
	s.failRenew(taskhost.ErrLeaseDenied)

	hctx, stopHold := m.Hold(ctx, l, d)
	defer stopHold()

	select {
	case <-hctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("held context not cancelled after denied renewal")
	}
	if !errors.Is(context.Cause(hctx), taskhost.ErrLeaseLost) {
		t.Fatalf("cause = %v, want ErrLeaseLost", context.Cause(hctx))
	}
	if got := lost.Load(); got == nil || got.Name != "critical" {
		t.Fatalf("onLost not called with the lease, got %+v", got)
	}
}

func TestHold_TransientErrorsRetryUntilExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := &flakyStore{Store: memory.New()}
	m := lease.NewManager(s, "h", lease.WithLogger(quiet()))

	const d = 60 * time.Millisecond
	_, l, _ := m.AcquireLock(ctx, "flaky", d)
	s.failRenew(errors.New("connection reset"))

	start := time.Now()
	hctx, stopHold := m.Hold(ctx, l, d)
	defer stopHold()

	select {
	case <-hctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("held context not cancelled after the lease expired")
	}
	if s.renewals.Load() < 2 {
		t.Errorf("expected retries before giving up, got %d renewals", s.renewals.Load())
	}
	if elapsed := time.Since(start); elapsed < d/2 {
		t.Errorf("gave up after %v, before the lease could expire", elapsed)
	}
	if !errors.Is(context.Cause(hctx), taskhost.ErrLeaseLost) {
		t.Fatalf("cause = %v, want ErrLeaseLost", context.Cause(hctx))
	}
}

// Package storetest is a conformance suite for store.Store backends.
//
// Backend packages call Run from their own tests with a constructor that
// returns a fresh, migrated store:
//
//	func TestConformance(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
//	}
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/jobstate"
	"github.com/xraph/taskhost/store"
	"github.com/xraph/taskhost/workitem"
)

// Factory returns a fresh, empty, migrated store for one subtest.
type Factory func(t *testing.T) store.Store

// shortTTL is long enough to survive a store round trip and short enough
// to wait out in a test.
const shortTTL = 300 * time.Millisecond

// Run executes the full conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, newStore(t)) })
	t.Run("EnqueueAndGet", func(t *testing.T) { testEnqueueAndGet(t, newStore(t)) })
	t.Run("EnqueueEmptyPayload", func(t *testing.T) { testEnqueueEmptyPayload(t, newStore(t)) })
	t.Run("DequeueFIFO", func(t *testing.T) { testDequeueFIFO(t, newStore(t)) })
	t.Run("DequeueEmpty", func(t *testing.T) { testDequeueEmpty(t, newStore(t)) })
	t.Run("DequeueQueueIsolation", func(t *testing.T) { testQueueIsolation(t, newStore(t)) })
	t.Run("ConcurrentDequeue", func(t *testing.T) { testConcurrentDequeue(t, newStore(t)) })
	t.Run("ReclaimExpired", func(t *testing.T) { testReclaimExpired(t, newStore(t)) })
	t.Run("CompleteAndFail", func(t *testing.T) { testCompleteAndFail(t, newStore(t)) })
	t.Run("StaleLeaseIgnored", func(t *testing.T) { testStaleLeaseIgnored(t, newStore(t)) })
	t.Run("ExtendItemLease", func(t *testing.T) { testExtendItemLease(t, newStore(t)) })
	t.Run("Sweep", func(t *testing.T) { testSweep(t, newStore(t)) })
	t.Run("Counts", func(t *testing.T) { testCounts(t, newStore(t)) })
	t.Run("LeaseAcquireBusyRelease", func(t *testing.T) { testLeaseAcquireBusyRelease(t, newStore(t)) })
	t.Run("LeaseExpiry", func(t *testing.T) { testLeaseExpiry(t, newStore(t)) })
	t.Run("LeaseRenew", func(t *testing.T) { testLeaseRenew(t, newStore(t)) })
	t.Run("LeaseConcurrentAcquire", func(t *testing.T) { testLeaseConcurrentAcquire(t, newStore(t)) })
	t.Run("LeaseCleanup", func(t *testing.T) { testLeaseCleanup(t, newStore(t)) })
	t.Run("JobState", func(t *testing.T) { testJobState(t, newStore(t)) })
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

// NewItem returns a pending item for queue with the given payload.
func NewItem(queue, payload string) *workitem.Item {
	now := time.Now().UTC()
	return &workitem.Item{
		ID:         id.NewItemID(),
		Queue:      queue,
		Payload:    []byte(payload),
		Status:     workitem.StatusPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
}

func enqueue(t *testing.T, s store.Store, items ...*workitem.Item) {
	t.Helper()
	for _, it := range items {
		if err := s.EnqueueItem(context.Background(), it); err != nil {
			t.Fatalf("EnqueueItem: %v", err)
		}
	}
}

func claim(ttl time.Duration) workitem.Claim {
	return workitem.Claim{Holder: "test-holder", Duration: ttl}
}

func mustDequeue(t *testing.T, s store.Store, queue string, ttl time.Duration) *workitem.Item {
	t.Helper()
	it, err := s.DequeueItem(context.Background(), queue, claim(ttl))
	if err != nil {
		t.Fatalf("DequeueItem: %v", err)
	}
	if it == nil {
		t.Fatal("DequeueItem: expected an item, got none")
	}
	return it
}

// ──────────────────────────────────────────────────
// Work items
// ──────────────────────────────────────────────────

func testLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate (second run): %v", err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func testEnqueueAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	it := NewItem("q", `{"n":1}`)
	enqueue(t, s, it)

	got, err := s.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if got.Queue != "q" || string(got.Payload) != `{"n":1}` || got.Status != workitem.StatusPending {
		t.Fatalf("unexpected item: %+v", got)
	}

	_, err = s.GetItem(ctx, id.NewItemID())
	if !errors.Is(err, taskhost.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func testEnqueueEmptyPayload(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, payload := range [][]byte{nil, {}} {
		it := NewItem("q", "")
		it.Payload = payload
		if err := s.EnqueueItem(ctx, it); err != nil {
			t.Fatalf("EnqueueItem(payload=%#v): %v", payload, err)
		}
	}

	for range 2 {
		it := mustDequeue(t, s, "q", time.Minute)
		if len(it.Payload) != 0 {
			t.Fatalf("payload = %q, want empty", it.Payload)
		}
	}
}

func testDequeueFIFO(t *testing.T, s store.Store) {
	for _, p := range []string{"a", "b", "c"} {
		enqueue(t, s, NewItem("q", p))
		time.Sleep(2 * time.Millisecond)
	}

	for _, want := range []string{"a", "b", "c"} {
		it := mustDequeue(t, s, "q", time.Minute)
		if string(it.Payload) != want {
			t.Fatalf("got payload %q, want %q", it.Payload, want)
		}
		if it.Status != workitem.StatusLeased || it.LeaseID.IsNil() || it.LeaseExpiresAt == nil {
			t.Fatalf("item not stamped with a lease: %+v", it)
		}
	}
}

func testDequeueEmpty(t *testing.T, s store.Store) {
	it, err := s.DequeueItem(context.Background(), "empty", claim(time.Minute))
	if err != nil {
		t.Fatalf("DequeueItem: %v", err)
	}
	if it != nil {
		t.Fatalf("expected no item, got %+v", it)
	}
}

func testQueueIsolation(t *testing.T, s store.Store) {
	enqueue(t, s, NewItem("other", "x"))

	it, err := s.DequeueItem(context.Background(), "q", claim(time.Minute))
	if err != nil {
		t.Fatalf("DequeueItem: %v", err)
	}
	if it != nil {
		t.Fatalf("dequeued item from another queue: %+v", it)
	}
}

func testConcurrentDequeue(t *testing.T, s store.Store) {
	const (
		items   = 50
		callers = 8
	)
	for i := 0; i < items; i++ {
		enqueue(t, s, NewItem("q", fmt.Sprintf("%d", i)))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	errCh := make(chan error, callers)

	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, err := s.DequeueItem(context.Background(), "q", claim(time.Minute))
				if err != nil {
					errCh <- err
					return
				}
				if it == nil {
					return
				}
				mu.Lock()
				seen[it.ID.String()]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrent DequeueItem: %v", err)
	}
	if len(seen) != items {
		t.Fatalf("claimed %d distinct items, want %d", len(seen), items)
	}
	for itemID, n := range seen {
		if n != 1 {
			t.Fatalf("item %s claimed %d times", itemID, n)
		}
	}
}

func testReclaimExpired(t *testing.T, s store.Store) {
	it := NewItem("q", "x")
	enqueue(t, s, it)

	first := mustDequeue(t, s, "q", shortTTL)

	// While the lease is live nobody else may claim it.
	if again, err := s.DequeueItem(context.Background(), "q", claim(time.Minute)); err != nil || again != nil {
		t.Fatalf("claimed an item under a live lease: %+v, %v", again, err)
	}

	time.Sleep(shortTTL + 200*time.Millisecond)

	second := mustDequeue(t, s, "q", time.Minute)
	if second.ID != first.ID {
		t.Fatalf("reclaimed %s, want %s", second.ID, first.ID)
	}
	if second.LeaseID == first.LeaseID {
		t.Fatal("reclaim must mint a fresh lease ID")
	}
	if second.Attempts < 2 {
		t.Fatalf("attempts = %d, want >= 2", second.Attempts)
	}
}

func testCompleteAndFail(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, NewItem("q", "ok"))
	time.Sleep(2 * time.Millisecond)
	enqueue(t, s, NewItem("q", "bad"))

	ok := mustDequeue(t, s, "q", time.Minute)
	applied, err := s.CompleteItem(ctx, ok.ID, ok.LeaseID)
	if err != nil || !applied {
		t.Fatalf("CompleteItem = %v, %v", applied, err)
	}

	bad := mustDequeue(t, s, "q", time.Minute)
	applied, err = s.FailItem(ctx, bad.ID, bad.LeaseID, "boom")
	if err != nil || !applied {
		t.Fatalf("FailItem = %v, %v", applied, err)
	}

	got, err := s.GetItem(ctx, ok.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != workitem.StatusCompleted || got.FinishedAt == nil {
		t.Fatalf("ok item: %+v", got)
	}

	got, err = s.GetItem(ctx, bad.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != workitem.StatusFailed || got.LastError != "boom" {
		t.Fatalf("bad item: %+v", got)
	}

	// Terminal items are never claimed again.
	if it, err := s.DequeueItem(ctx, "q", claim(time.Minute)); err != nil || it != nil {
		t.Fatalf("terminal item claimed: %+v, %v", it, err)
	}
}

func testStaleLeaseIgnored(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, NewItem("q", "x"))

	stale := mustDequeue(t, s, "q", shortTTL)
	time.Sleep(shortTTL + 200*time.Millisecond)
	fresh := mustDequeue(t, s, "q", time.Minute)

	applied, err := s.CompleteItem(ctx, stale.ID, stale.LeaseID)
	if err != nil {
		t.Fatalf("CompleteItem: %v", err)
	}
	if applied {
		t.Fatal("stale lease completed a reclaimed item")
	}
	applied, err = s.FailItem(ctx, stale.ID, stale.LeaseID, "late")
	if err != nil || applied {
		t.Fatalf("FailItem with stale lease = %v, %v", applied, err)
	}

	got, err := s.GetItem(ctx, fresh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != workitem.StatusLeased || got.LeaseID != fresh.LeaseID {
		t.Fatalf("fresh holder's claim was disturbed: %+v", got)
	}
}

func testExtendItemLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, NewItem("q", "x"))
	it := mustDequeue(t, s, "q", shortTTL)

	ok, err := s.ExtendItemLease(ctx, it.ID, it.LeaseID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("ExtendItemLease = %v, %v", ok, err)
	}

	time.Sleep(shortTTL + 200*time.Millisecond)
	if other, err := s.DequeueItem(ctx, "q", claim(time.Minute)); err != nil || other != nil {
		t.Fatalf("extended item was reclaimed: %+v, %v", other, err)
	}

	ok, err = s.ExtendItemLease(ctx, it.ID, id.NewLeaseID(), time.Minute)
	if err != nil || ok {
		t.Fatalf("ExtendItemLease with wrong lease = %v, %v", ok, err)
	}
}

func testSweep(t *testing.T, s store.Store) {
	ctx := context.Background()

	var done []*workitem.Item
	for i := 0; i < 5; i++ {
		enqueue(t, s, NewItem("q", fmt.Sprintf("done-%d", i)))
		time.Sleep(2 * time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		it := mustDequeue(t, s, "q", time.Minute)
		if i%2 == 0 {
			_, _ = s.CompleteItem(ctx, it.ID, it.LeaseID)
		} else {
			_, _ = s.FailItem(ctx, it.ID, it.LeaseID, "x")
		}
		done = append(done, it)
	}

	enqueue(t, s, NewItem("q", "leased"))
	leased := mustDequeue(t, s, "q", time.Minute)
	stillPending := NewItem("q", "pending")
	enqueue(t, s, stillPending)

	cutoff := time.Now().UTC().Add(time.Hour)

	n, err := s.SweepItems(ctx, "q", cutoff, 3)
	if err != nil {
		t.Fatalf("SweepItems: %v", err)
	}
	if n != 3 {
		t.Fatalf("first sweep removed %d, want 3 (batch bound)", n)
	}

	n, err = s.SweepItems(ctx, "q", cutoff, 3)
	if err != nil {
		t.Fatalf("SweepItems: %v", err)
	}
	if n != 2 {
		t.Fatalf("second sweep removed %d, want 2", n)
	}

	n, err = s.SweepItems(ctx, "q", cutoff, 3)
	if err != nil || n != 0 {
		t.Fatalf("third sweep = %d, %v; want 0", n, err)
	}

	for _, it := range done {
		if _, err := s.GetItem(ctx, it.ID); !errors.Is(err, taskhost.ErrItemNotFound) {
			t.Fatalf("terminal item %s survived: %v", it.ID, err)
		}
	}
	for _, keep := range []id.ItemID{leased.ID, stillPending.ID} {
		if _, err := s.GetItem(ctx, keep); err != nil {
			t.Fatalf("sweeper removed non-terminal item %s: %v", keep, err)
		}
	}
}

func testCounts(t *testing.T, s store.Store) {
	ctx := context.Background()
	enqueue(t, s, NewItem("q", "1"), NewItem("q", "2"), NewItem("q", "3"))

	it := mustDequeue(t, s, "q", time.Minute)
	_, _ = s.CompleteItem(ctx, it.ID, it.LeaseID)
	_ = mustDequeue(t, s, "q", time.Minute)

	c, err := s.CountItems(ctx, "q")
	if err != nil {
		t.Fatalf("CountItems: %v", err)
	}
	want := workitem.Counts{Pending: 1, Leased: 1, Completed: 1}
	if c != want {
		t.Fatalf("counts = %+v, want %+v", c, want)
	}
}

// ──────────────────────────────────────────────────
// Leases
// ──────────────────────────────────────────────────

func testLeaseAcquireBusyRelease(t *testing.T, s store.Store) {
	ctx := context.Background()

	l, err := s.AcquireLease(ctx, "X", "a", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if l.Name != "X" || l.Holder != "a" || l.ID.IsNil() {
		t.Fatalf("unexpected lease: %+v", l)
	}

	if _, err := s.AcquireLease(ctx, "X", "b", time.Minute); !errors.Is(err, taskhost.ErrLeaseBusy) {
		t.Fatalf("second AcquireLease: expected ErrLeaseBusy, got %v", err)
	}

	// Releasing with a foreign lease ID changes nothing.
	if err := s.ReleaseLease(ctx, "X", id.NewLeaseID()); err != nil {
		t.Fatalf("ReleaseLease(foreign): %v", err)
	}
	if _, err := s.AcquireLease(ctx, "X", "b", time.Minute); !errors.Is(err, taskhost.ErrLeaseBusy) {
		t.Fatalf("foreign release freed the lease: %v", err)
	}

	if err := s.ReleaseLease(ctx, "X", l.ID); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	if err := s.ReleaseLease(ctx, "X", l.ID); err != nil {
		t.Fatalf("second ReleaseLease must be a no-op: %v", err)
	}

	l2, err := s.AcquireLease(ctx, "X", "b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease after release: %v", err)
	}
	if l2.ID == l.ID {
		t.Fatal("acquisition must mint a fresh lease ID")
	}

	got, err := s.GetLease(ctx, "X")
	if err != nil {
		t.Fatalf("GetLease: %v", err)
	}
	if got.ID != l2.ID || got.Holder != "b" {
		t.Fatalf("GetLease = %+v, want holder b with id %s", got, l2.ID)
	}

	if _, err := s.GetLease(ctx, "missing"); !errors.Is(err, taskhost.ErrLeaseNotFound) {
		t.Fatalf("expected ErrLeaseNotFound, got %v", err)
	}
}

func testLeaseExpiry(t *testing.T, s store.Store) {
	ctx := context.Background()

	old, err := s.AcquireLease(ctx, "X", "a", shortTTL)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	time.Sleep(shortTTL + 200*time.Millisecond)

	l, err := s.AcquireLease(ctx, "X", "b", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease after expiry: %v", err)
	}
	if l.Holder != "b" {
		t.Fatalf("holder = %q, want b", l.Holder)
	}

	// The expired holder's late release must not drop the new lease.
	if err := s.ReleaseLease(ctx, "X", old.ID); err != nil {
		t.Fatalf("late ReleaseLease: %v", err)
	}
	if _, err := s.AcquireLease(ctx, "X", "c", time.Minute); !errors.Is(err, taskhost.ErrLeaseBusy) {
		t.Fatalf("late release freed the new lease: %v", err)
	}
}

func testLeaseRenew(t *testing.T, s store.Store) {
	ctx := context.Background()

	l, err := s.AcquireLease(ctx, "X", "a", shortTTL)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}

	renewed, err := s.RenewLease(ctx, "X", l.ID, time.Minute)
	if err != nil {
		t.Fatalf("RenewLease: %v", err)
	}
	if !renewed.ExpiresAt.After(l.ExpiresAt) {
		t.Fatalf("expiry not extended: %v -> %v", l.ExpiresAt, renewed.ExpiresAt)
	}
	if renewed.ID != l.ID {
		t.Fatal("renew must keep the lease ID")
	}

	if _, err := s.RenewLease(ctx, "X", id.NewLeaseID(), time.Minute); !errors.Is(err, taskhost.ErrLeaseDenied) {
		t.Fatalf("renew with mismatched ID: expected ErrLeaseDenied, got %v", err)
	}
	if _, err := s.RenewLease(ctx, "missing", l.ID, time.Minute); !errors.Is(err, taskhost.ErrLeaseDenied) {
		t.Fatalf("renew of missing lease: expected ErrLeaseDenied, got %v", err)
	}

	short, err := s.AcquireLease(ctx, "Y", "a", shortTTL)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	time.Sleep(shortTTL + 200*time.Millisecond)
	if _, err := s.RenewLease(ctx, "Y", short.ID, time.Minute); !errors.Is(err, taskhost.ErrLeaseDenied) {
		t.Fatalf("renew of expired lease: expected ErrLeaseDenied, got %v", err)
	}
}

func testLeaseConcurrentAcquire(t *testing.T, s store.Store) {
	const contenders = 8

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		acquired int
		busy     int
	)
	errCh := make(chan error, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AcquireLease(context.Background(), "race", fmt.Sprintf("h%d", i), time.Minute)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				acquired++
			case errors.Is(err, taskhost.ErrLeaseBusy):
				busy++
			default:
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("AcquireLease: %v", err)
	}
	if acquired != 1 || busy != contenders-1 {
		t.Fatalf("acquired=%d busy=%d, want 1 and %d", acquired, busy, contenders-1)
	}
}

func testLeaseCleanup(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.AcquireLease(ctx, "expired", "a", shortTTL); err != nil {
		t.Fatal(err)
	}
	live, err := s.AcquireLease(ctx, "live", "a", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(shortTTL + 200*time.Millisecond)

	n, err := s.CleanupLeases(ctx)
	if err != nil {
		t.Fatalf("CleanupLeases: %v", err)
	}
	if n != 1 {
		t.Fatalf("CleanupLeases removed %d, want 1", n)
	}
	if _, err := s.GetLease(ctx, "expired"); !errors.Is(err, taskhost.ErrLeaseNotFound) {
		t.Fatalf("expired lease survived cleanup: %v", err)
	}
	got, err := s.GetLease(ctx, "live")
	if err != nil || got.ID != live.ID {
		t.Fatalf("live lease disturbed: %+v, %v", got, err)
	}
}

// ──────────────────────────────────────────────────
// Job state
// ──────────────────────────────────────────────────

func testJobState(t *testing.T, s store.Store) {
	ctx := context.Background()

	if _, err := s.LoadJobState(ctx, "digest"); !errors.Is(err, taskhost.ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}

	if err := s.SaveJobState(ctx, &jobstate.State{JobName: "digest", Data: []byte(`{"cursor":1}`)}); err != nil {
		t.Fatalf("SaveJobState: %v", err)
	}
	if err := s.SaveJobState(ctx, &jobstate.State{JobName: "digest", Data: []byte(`{"cursor":2}`)}); err != nil {
		t.Fatalf("SaveJobState (overwrite): %v", err)
	}

	got, err := s.LoadJobState(ctx, "digest")
	if err != nil {
		t.Fatalf("LoadJobState: %v", err)
	}
	if string(got.Data) != `{"cursor":2}` {
		t.Fatalf("state = %s, want cursor 2", got.Data)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not set")
	}
}

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/jobstate"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/workitem"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ workitem.Store = (*Store)(nil)
	_ lease.Store    = (*Store)(nil)
	_ jobstate.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access within one process.
//
// Its leases live in process memory, so it provides mutual exclusion only
// between goroutines of a single host. Never share a work queue or lock
// name between processes backed by separate memory stores.
type Store struct {
	mu sync.RWMutex

	items  map[string]*workitem.Item
	locks  map[string]*localLock
	states map[string]*jobstate.State

	now func() time.Time
}

// localLock is one named lock: a single-slot semaphore plus the lease
// currently holding the slot. An expired lease keeps the slot until it is
// released, cleaned up, or taken over by the next acquirer.
type localLock struct {
	sem   *semaphore.Weighted
	lease *lease.Lease
}

// Option configures a memory Store.
type Option func(*Store)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Store) { m.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	m := &Store{
		items:  make(map[string]*workitem.Item),
		locks:  make(map[string]*localLock),
		states: make(map[string]*jobstate.State),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Work item Store
// ──────────────────────────────────────────────────

// EnqueueItem appends a pending item to its queue.
func (m *Store) EnqueueItem(_ context.Context, item *workitem.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyItem(item)
	cp.Status = workitem.StatusPending
	m.items[item.ID.String()] = cp
	return nil
}

// DequeueItem claims the oldest eligible item of queue.
func (m *Store) DequeueItem(_ context.Context, queue string, claim workitem.Claim) (*workitem.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	var oldest *workitem.Item
	for _, it := range m.items {
		if it.Queue != queue || !it.Claimable(now) {
			continue
		}
		if oldest == nil || before(it, oldest) {
			oldest = it
		}
	}
	if oldest == nil {
		return nil, nil //nolint:nilnil // empty queue is not an error
	}

	exp := now.Add(claim.Duration)
	oldest.Status = workitem.StatusLeased
	oldest.LeaseID = id.NewLeaseID()
	oldest.LeaseExpiresAt = &exp
	oldest.Holder = claim.Holder
	oldest.Attempts++
	oldest.UpdatedAt = now

	return copyItem(oldest), nil
}

// ExtendItemLease pushes the item's lease expiry to now+d.
func (m *Store) ExtendItemLease(_ context.Context, itemID id.ItemID, leaseID id.LeaseID, d time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemID.String()]
	now := m.now()
	if !ok || !it.HeldBy(leaseID, now) {
		return false, nil
	}
	exp := now.Add(d)
	it.LeaseExpiresAt = &exp
	it.UpdatedAt = now
	return true, nil
}

// CompleteItem marks a leased item completed.
func (m *Store) CompleteItem(_ context.Context, itemID id.ItemID, leaseID id.LeaseID) (bool, error) {
	return m.finish(itemID, leaseID, workitem.StatusCompleted, ""), nil
}

// FailItem marks a leased item failed.
func (m *Store) FailItem(_ context.Context, itemID id.ItemID, leaseID id.LeaseID, reason string) (bool, error) {
	return m.finish(itemID, leaseID, workitem.StatusFailed, reason), nil
}

func (m *Store) finish(itemID id.ItemID, leaseID id.LeaseID, status workitem.Status, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[itemID.String()]
	now := m.now()
	if !ok || !it.HeldBy(leaseID, now) {
		return false
	}
	it.Status = status
	it.LastError = reason
	it.LeaseID = id.Nil
	it.LeaseExpiresAt = nil
	it.UpdatedAt = now
	it.FinishedAt = &now
	return true
}

// GetItem retrieves an item by ID.
func (m *Store) GetItem(_ context.Context, itemID id.ItemID) (*workitem.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[itemID.String()]
	if !ok {
		return nil, taskhost.ErrItemNotFound
	}
	return copyItem(it), nil
}

// SweepItems deletes up to limit terminal items finished before cutoff,
// oldest first.
func (m *Store) SweepItems(_ context.Context, queue string, cutoff time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	victims := make([]*workitem.Item, 0)
	for _, it := range m.items {
		if it.Queue == queue && it.Sweepable(cutoff, now) {
			victims = append(victims, it)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return before(victims[i], victims[j]) })
	if limit > 0 && len(victims) > limit {
		victims = victims[:limit]
	}
	for _, it := range victims {
		delete(m.items, it.ID.String())
	}
	return int64(len(victims)), nil
}

// CountItems returns per-status counts for queue.
func (m *Store) CountItems(_ context.Context, queue string) (workitem.Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var c workitem.Counts
	for _, it := range m.items {
		if it.Queue == queue {
			c.Add(it.Status, 1)
		}
	}
	return c, nil
}

// ──────────────────────────────────────────────────
// Lease Store
// ──────────────────────────────────────────────────

// AcquireLease takes the named lock's semaphore slot, or takes over the
// slot from an expired holder.
func (m *Store) AcquireLease(_ context.Context, name, holder string, ttl time.Duration) (*lease.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lk, ok := m.locks[name]
	if !ok {
		lk = &localLock{sem: semaphore.NewWeighted(1)}
		m.locks[name] = lk
	}

	now := m.now()
	if !lk.sem.TryAcquire(1) {
		if lk.lease != nil && !lk.lease.Expired(now) {
			return nil, taskhost.ErrLeaseBusy
		}
		// The slot is still held by an expired lease: take it over.
	}

	lk.lease = &lease.Lease{
		Name:       name,
		ID:         id.NewLeaseID(),
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	cp := *lk.lease
	return &cp, nil
}

// RenewLease extends a matching, unexpired lease.
func (m *Store) RenewLease(_ context.Context, name string, leaseID id.LeaseID, ttl time.Duration) (*lease.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lk, ok := m.locks[name]
	now := m.now()
	if !ok || lk.lease == nil || lk.lease.ID != leaseID || lk.lease.Expired(now) {
		return nil, taskhost.ErrLeaseDenied
	}
	lk.lease.ExpiresAt = now.Add(ttl)
	cp := *lk.lease
	return &cp, nil
}

// ReleaseLease frees the slot if leaseID still holds it.
func (m *Store) ReleaseLease(_ context.Context, name string, leaseID id.LeaseID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lk, ok := m.locks[name]
	if !ok || lk.lease == nil || lk.lease.ID != leaseID {
		return nil
	}
	lk.lease = nil
	lk.sem.Release(1)
	delete(m.locks, name)
	return nil
}

// GetLease returns the lease on record for name.
func (m *Store) GetLease(_ context.Context, name string) (*lease.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lk, ok := m.locks[name]
	if !ok || lk.lease == nil {
		return nil, taskhost.ErrLeaseNotFound
	}
	cp := *lk.lease
	return &cp, nil
}

// CleanupLeases frees every slot held by an expired lease.
func (m *Store) CleanupLeases(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for name, lk := range m.locks {
		if lk.lease != nil && lk.lease.Expired(now) {
			lk.lease = nil
			lk.sem.Release(1)
			delete(m.locks, name)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Job state Store
// ──────────────────────────────────────────────────

// LoadJobState returns the saved state of jobName.
func (m *Store) LoadJobState(_ context.Context, jobName string) (*jobstate.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.states[jobName]
	if !ok {
		return nil, taskhost.ErrStateNotFound
	}
	cp := *s
	cp.Data = append([]byte(nil), s.Data...)
	return &cp, nil
}

// SaveJobState creates or overwrites the state of s.JobName.
func (m *Store) SaveJobState(_ context.Context, s *jobstate.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	cp.Data = append([]byte(nil), s.Data...)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = m.now()
	}
	m.states[s.JobName] = &cp
	return nil
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func before(a, b *workitem.Item) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.ID.String() < b.ID.String()
}

func copyItem(it *workitem.Item) *workitem.Item {
	cp := *it
	cp.Payload = append([]byte(nil), it.Payload...)
	if it.LeaseExpiresAt != nil {
		t := *it.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if it.FinishedAt != nil {
		t := *it.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

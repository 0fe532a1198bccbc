// Package sweeper deletes terminal work items once their retention has
// elapsed, and purges expired lease records.
//
// A sweep never deletes pending items or items under an unexpired lease;
// the store's SweepItems predicate guarantees both. Each run deletes at
// most CleanupBatchSize items, so a large backlog drains over several
// intervals.
package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/ext"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/workitem"
)

// Scheduler runs a callback once after a delay. It returns false when it
// is shutting down.
type Scheduler interface {
	After(d time.Duration, fn func()) bool
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source used to compute the cutoff.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithLeaseCleanup makes each run also purge expired lease records
// through m.
func WithLeaseCleanup(m *lease.Manager) Option {
	return func(s *Sweeper) { s.leases = m }
}

// Sweeper periodically deletes old terminal items of one queue.
type Sweeper struct {
	desc       taskhost.QueueDescriptor
	store      workitem.Store
	extensions *ext.Registry
	leases     *lease.Manager
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New creates a Sweeper for the queue described by desc. desc must
// already carry defaults.
func New(desc taskhost.QueueDescriptor, store workitem.Store, extensions *ext.Registry, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		desc:       desc,
		store:      store,
		extensions: extensions,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one cleanup batch and returns the number of deleted items.
// Items finished more than Retention ago are eligible.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.desc.Retention)
	n, err := s.store.SweepItems(ctx, s.desc.Name, cutoff, s.desc.CleanupBatchSize)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("swept terminal items",
			slog.String("queue", s.desc.Name),
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff),
		)
		s.extensions.EmitItemsSwept(ctx, s.desc.Name, n)
	}
	return n, nil
}

// Start schedules the first run one CleanupInterval from now. Each run
// re-arms the next.
func (s *Sweeper) Start(sched Scheduler) error {
	if !sched.After(s.desc.CleanupInterval, func() { s.tick(sched) }) {
		return taskhost.ErrTimer
	}
	return nil
}

// Stop prevents further runs and waits for a running one to finish, or
// for ctx to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) tick(sched Scheduler) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx := context.Background()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Warn("sweep failed",
			slog.String("queue", s.desc.Name),
			slog.String("error", err.Error()),
		)
	}
	if s.leases != nil {
		s.leases.Cleanup(ctx)
	}

	sched.After(s.desc.CleanupInterval, func() { s.tick(sched) })
}

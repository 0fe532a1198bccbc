package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/backoff"
	"github.com/xraph/taskhost/queue"
	"github.com/xraph/taskhost/timer"
	"github.com/xraph/taskhost/workitem"
)

// QueueManager gates dequeues with rate limits and concurrency caps. The
// pool calls Admit before each dequeue and release once the claimed item
// (if any) has been processed. A refusal with a positive wait re-arms the
// loop after that wait, clamped to the poll bounds.
type QueueManager interface {
	Admit(queue string) (release func(), wait time.Duration, ok bool)
}

var _ QueueManager = (*queue.Manager)(nil)

// Scheduler runs a callback once after a delay. It returns false when it
// is shutting down, in which case the callback never runs.
type Scheduler interface {
	After(d time.Duration, fn func()) bool
}

var _ Scheduler = (*timer.Engine)(nil)

// Pool runs the consumer loops of one queue. Each loop instance is a chain
// of one-shot ticks: a tick dequeues at most one item, processes it, and
// re-arms itself after the adaptive poll delay.
type Pool struct {
	desc      taskhost.QueueDescriptor
	store     workitem.Store
	executor  *Executor
	scheduler Scheduler
	holder    string
	logger    *slog.Logger

	strategy     backoff.Strategy
	queueManager QueueManager

	mu       sync.Mutex
	started  bool
	stopped  bool
	wg       sync.WaitGroup
	active   map[string]context.CancelCauseFunc
	activeMu sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPollStrategy sets the backoff strategy used on empty polls.
// Defaults to exponential doubling.
func WithPollStrategy(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.strategy = s }
}

// WithQueueManager sets the admission gate for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates the consumer pool of the queue described by desc.
// desc must already carry defaults.
func NewPool(
	desc taskhost.QueueDescriptor,
	store workitem.Store,
	executor *Executor,
	scheduler Scheduler,
	holder string,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		desc:      desc,
		store:     store,
		executor:  executor,
		scheduler: scheduler,
		holder:    holder,
		logger:    logger,
		active:    make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Queue returns the queue name the pool consumes.
func (p *Pool) Queue() string { return p.desc.Name }

// PhaseOffset returns the delay before the first tick of loop instance
// idx (1-based) out of n, spreading the instances evenly across one base
// interval.
func PhaseOffset(base time.Duration, n, idx int) time.Duration {
	if n <= 1 || idx <= 1 {
		return 0
	}
	return base / time.Duration(n) * time.Duration(idx-1)
}

// Start schedules the first tick of every loop instance. It returns
// taskhost.ErrTimer if the scheduler refuses a tick.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}
	p.started = true

	p.logger.Info("queue consumers starting",
		slog.String("queue", p.desc.Name),
		slog.Int("instances", p.desc.InstanceCount),
		slog.Duration("base_poll_interval", p.desc.BasePollInterval),
		slog.Duration("max_poll_interval", p.desc.MaxPollInterval),
	)

	for idx := 1; idx <= p.desc.InstanceCount; idx++ {
		l := &loop{
			idx:    idx,
			poller: backoff.NewPoller(p.desc.BasePollInterval, p.desc.MaxPollInterval, p.strategy),
		}
		offset := PhaseOffset(p.desc.BasePollInterval, p.desc.InstanceCount, idx)
		if !p.scheduler.After(offset, func() { p.tick(l) }) {
			return taskhost.ErrTimer
		}
	}
	return nil
}

// Stop prevents further ticks and waits for running ones to finish.
// If ctx expires first, in-flight handler contexts are cancelled and
// ctx.Err() is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("queue consumers stopped", slog.String("queue", p.desc.Name))
		return nil
	case <-ctx.Done():
		p.logger.Warn("queue consumers shutdown timed out, cancelling active items",
			slog.String("queue", p.desc.Name),
		)
		p.cancelActive(ctx.Err())
		return ctx.Err()
	}
}

// loop is the per-instance state of one consumer. The poller is touched
// only by the instance's own tick, and ticks of one instance never overlap.
type loop struct {
	idx    int
	poller *backoff.Poller
}

// enter registers a running tick. It returns false once the pool is
// stopping.
func (p *Pool) enter() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *Pool) tick(l *loop) {
	if !p.enter() {
		return
	}
	defer p.wg.Done()

	delay := p.poll(l)

	if !p.scheduler.After(delay, func() { p.tick(l) }) {
		p.logger.Debug("consumer loop ended",
			slog.String("queue", p.desc.Name),
			slog.Int("instance", l.idx),
		)
	}
}

// poll runs one Polling state: dequeue at most one item and process it.
// It returns the delay before the next tick.
func (p *Pool) poll(l *loop) time.Duration {
	if p.queueManager != nil {
		release, wait, ok := p.queueManager.Admit(p.desc.Name)
		if !ok {
			if wait <= 0 {
				return l.poller.Current()
			}
			return min(max(wait, l.poller.Base()), l.poller.Max())
		}
		defer release()
	}

	it, err := p.store.DequeueItem(context.Background(), p.desc.Name, workitem.Claim{
		Holder:   p.holder,
		Duration: p.desc.LeaseDuration,
	})
	if err != nil {
		p.logger.Warn("dequeue failed",
			slog.String("queue", p.desc.Name),
			slog.Int("instance", l.idx),
			slog.String("error", err.Error()),
		)
		return l.poller.Current()
	}
	if it == nil {
		return l.poller.Miss()
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	p.track(it.ID.String(), cancel)

	// The handler error has already been recorded on the item.
	_ = p.executor.Execute(ctx, it)

	p.untrack(it.ID.String())
	cancel(nil)

	return l.poller.Hit()
}

func (p *Pool) track(itemID string, cancel context.CancelCauseFunc) {
	p.activeMu.Lock()
	p.active[itemID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(itemID string) {
	p.activeMu.Lock()
	delete(p.active, itemID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive(cause error) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for itemID, cancel := range p.active {
		p.logger.Warn("cancelling active item",
			slog.String("queue", p.desc.Name),
			slog.String("item_id", itemID),
		)
		cancel(cause)
	}
}

package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/ext"
	"github.com/xraph/taskhost/jobstate"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/middleware"
	"github.com/xraph/taskhost/timer"
)

// Func runs one firing. It receives the job's persisted state (nil before
// the first successful firing) and returns the state to persist.
type Func func(ctx context.Context, state []byte) ([]byte, error)

// Runner fires one scheduled job.
type Runner struct {
	desc       taskhost.ScheduledJobDescriptor
	run        Func
	locks      *lease.Manager
	states     jobstate.Store
	extensions *ext.Registry
	mw         middleware.Middleware
	logger     *slog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
	seq     uint64
	active  map[uint64]context.CancelCauseFunc
}

// NewRunner creates a Runner for the job described by desc. desc must
// already carry defaults.
func NewRunner(
	desc taskhost.ScheduledJobDescriptor,
	run Func,
	locks *lease.Manager,
	states jobstate.Store,
	extensions *ext.Registry,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Runner {
	return &Runner{
		desc:       desc,
		run:        run,
		locks:      locks,
		states:     states,
		extensions: extensions,
		mw:         middleware.Chain(mws...),
		logger:     logger,
		active:     make(map[uint64]context.CancelCauseFunc),
	}
}

// Name returns the job name.
func (r *Runner) Name() string { return r.desc.Name }

// Schedule registers the runner's cron expression with the timer engine.
// An invalid expression is reported as taskhost.ErrTimer.
func (r *Runner) Schedule(engine *timer.Engine) (timer.EntryID, error) {
	entry, err := engine.AddCron(r.desc.Schedule, func(tick time.Time) {
		_ = r.FireTick(context.Background(), tick)
	})
	if err != nil {
		return 0, fmt.Errorf("job %q: %w", r.desc.Name, err)
	}
	r.logger.Info("scheduled job registered",
		slog.String("job", r.desc.Name),
		slog.String("group", r.desc.Group),
		slog.String("schedule", r.desc.Schedule),
		slog.Bool("singleton", r.desc.Singleton),
	)
	return entry, nil
}

// Fire runs one firing now, outside the schedule. It returns
// taskhost.ErrLeaseBusy when a singleton firing is skipped, the handler
// error when the handler fails, and store errors when state cannot be
// loaded or saved.
func (r *Runner) Fire(ctx context.Context) error {
	return r.fire(ctx, time.Time{})
}

// FireTick runs the firing for the scheduled tick. A singleton job runs
// each tick at most once across all hosts sharing its lease store: the
// first host to claim the tick runs it and later hosts skip it with
// taskhost.ErrLeaseBusy, even after the first run has finished.
func (r *Runner) FireTick(ctx context.Context, tick time.Time) error {
	return r.fire(ctx, tick)
}

func (r *Runner) fire(ctx context.Context, tick time.Time) error {
	ctx, done, ok := r.enter(ctx)
	if !ok {
		return taskhost.ErrNotStarted
	}
	defer done()

	if r.desc.Singleton {
		l, err := r.claim(ctx, r.desc.Name)
		if err != nil {
			return err
		}
		defer r.release(ctx, l)

		// The tick marker is never released; it expires after
		// LeaseDuration and is purged by lease cleanup.
		if !tick.IsZero() {
			if _, err := r.claim(ctx, tickLockName(r.desc.Name, tick)); err != nil {
				return err
			}
		}

		var stop func()
		ctx, stop = r.locks.Hold(ctx, l, r.desc.LeaseDuration)
		defer stop()
		ctx = taskhost.WithLeaseToken(ctx, l.Token())
	}
	ctx = taskhost.WithHolder(ctx, r.locks.Holder())

	return r.execute(ctx)
}

// claim acquires the named lock for one firing. A busy lock is reported
// as taskhost.ErrLeaseBusy after emitting JobSkipped.
func (r *Runner) claim(ctx context.Context, name string) (*lease.Lease, error) {
	outcome, l, err := r.locks.AcquireLock(ctx, name, r.desc.LeaseDuration)
	switch outcome {
	case lease.Busy:
		r.logger.Debug("scheduled job skipped, lock busy",
			slog.String("job", r.desc.Name),
			slog.String("lock", name),
		)
		r.extensions.EmitJobSkipped(ctx, r.desc.Name)
		return nil, taskhost.ErrLeaseBusy
	case lease.Error:
		r.logger.Warn("scheduled job lock failed",
			slog.String("job", r.desc.Name),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return l, nil
}

// tickLockName names the marker lease of one scheduled tick.
func tickLockName(job string, tick time.Time) string {
	return job + "@" + tick.UTC().Format(time.RFC3339)
}

func (r *Runner) execute(ctx context.Context) error {
	var prev []byte
	st, err := r.states.LoadJobState(ctx, r.desc.Name)
	switch {
	case err == nil:
		prev = st.Data
	case !errors.Is(err, taskhost.ErrStateNotFound):
		r.logger.Warn("failed to load job state",
			slog.String("job", r.desc.Name),
			slog.String("error", err.Error()),
		)
		return err
	}

	x := &middleware.Execution{
		Kind:    middleware.KindScheduled,
		Name:    r.desc.Name,
		Group:   r.desc.Group,
		Timeout: r.desc.Timeout,
	}
	if tok, ok := taskhost.LeaseToken(ctx); ok {
		x.LeaseID = tok
	}

	var next []byte
	start := time.Now()
	err = r.mw(ctx, x, func(ctx context.Context) (runErr error) {
		defer func() {
			if p := recover(); p != nil {
				runErr = fmt.Errorf("panic in scheduled job %s: %v", r.desc.Name, p)
			}
		}()
		next, runErr = r.run(ctx, prev)
		return runErr
	})
	elapsed := time.Since(start)

	if err == nil {
		if cause := context.Cause(ctx); errors.Is(cause, taskhost.ErrLeaseLost) {
			err = cause
		}
	}
	if err != nil {
		r.logger.Error("scheduled job failed",
			slog.String("job", r.desc.Name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		r.extensions.EmitJobFailed(ctx, r.desc.Name, err)
		return err
	}

	if err := r.states.SaveJobState(context.WithoutCancel(ctx), &jobstate.State{
		JobName:   r.desc.Name,
		Data:      next,
		UpdatedAt: time.Now().UTC(),
	}); err != nil {
		r.logger.Warn("failed to save job state",
			slog.String("job", r.desc.Name),
			slog.String("error", err.Error()),
		)
		return err
	}

	r.extensions.EmitJobFired(ctx, r.desc.Name, elapsed)
	return nil
}

func (r *Runner) release(ctx context.Context, l *lease.Lease) {
	if err := r.locks.Release(context.WithoutCancel(ctx), l); err != nil {
		r.logger.Warn("failed to release job lock",
			slog.String("job", r.desc.Name),
			slog.String("error", err.Error()),
		)
	}
}

// Stop prevents new firings and waits for running ones. If ctx expires
// first, running handlers are cancelled and ctx.Err() is returned.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		for _, cancel := range r.active {
			cancel(ctx.Err())
		}
		r.mu.Unlock()
		return ctx.Err()
	}
}

// enter registers a running firing and derives its cancellable context.
func (r *Runner) enter(ctx context.Context) (context.Context, func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ctx, nil, false
	}

	r.seq++
	key := r.seq
	ctx, cancel := context.WithCancelCause(ctx)
	r.active[key] = cancel
	r.wg.Add(1)

	return ctx, func() {
		r.mu.Lock()
		delete(r.active, key)
		r.mu.Unlock()
		cancel(nil)
		r.wg.Done()
	}, true
}

// Package timer is the host's tick engine. Cron-triggered entries are
// driven by robfig/cron; adaptive loops schedule one-shot callbacks with
// After and re-arm themselves when each tick completes. No goroutine lives
// for the lifetime of a queue: each tick runs to completion on its own
// goroutine and then schedules the next.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/taskhost"
)

// cronParser supports 5-field expressions, 6-field expressions with a
// leading seconds field, and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom |
		cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// EntryID identifies a cron entry.
type EntryID = cronlib.EntryID

// Option configures an Engine.
type Option func(*Engine)

// WithLocation sets the time zone cron expressions are evaluated in.
// Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.location = loc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine schedules cron entries and one-shot callbacks.
type Engine struct {
	logger   *slog.Logger
	location *time.Location
	cron     *cronlib.Cron

	mu       sync.Mutex
	started  bool
	stopped  bool
	timers   map[*time.Timer]struct{}
	inflight sync.WaitGroup
}

// New creates an Engine. Nothing fires until Start.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:   slog.Default(),
		location: time.UTC,
		timers:   make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	cl := cronLogger{l: e.logger}
	e.cron = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLocation(e.location),
		cronlib.WithLogger(cl),
		cronlib.WithChain(cronlib.Recover(cl)),
	)
	return e
}

// AddCron registers fn to run on every tick of expr. fn receives the
// scheduled time of the tick it serves. An invalid expression is a
// timer-engine failure.
func (e *Engine) AddCron(expr string, fn func(tick time.Time)) (EntryID, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return 0, fmt.Errorf("%w: parse %q: %w", taskhost.ErrTimer, expr, err)
	}
	return e.cron.Schedule(sched, cronlib.FuncJob(func() {
		fn(Tick(sched, time.Now().In(e.location)))
	})), nil
}

// tickWindow bounds how far back Tick searches for the tick a late
// callback belongs to.
const tickWindow = time.Minute

// Tick returns the scheduled time a callback running at now serves: the
// latest tick of sched not after now. Hosts that wake for the same tick a
// few milliseconds apart agree on it. Fixed-interval schedules have no
// shared phase, so their ticks are aligned to multiples of the interval.
func Tick(sched cronlib.Schedule, now time.Time) time.Time {
	if c, ok := sched.(cronlib.ConstantDelaySchedule); ok {
		return now.Truncate(c.Delay)
	}
	var last time.Time
	for t := sched.Next(now.Add(-tickWindow)); !t.IsZero() && !t.After(now); t = sched.Next(t) {
		last = t
	}
	if last.IsZero() {
		return now.Truncate(time.Second)
	}
	return last
}

// Next returns the next fire time of a cron entry, or the zero time if the
// engine has not started or the entry is unknown.
func (e *Engine) Next(entry EntryID) time.Time {
	return e.cron.Entry(entry).Next
}

// After runs fn once, d from now. It returns false when the engine is
// stopping, in which case fn never runs.
func (e *Engine) After(d time.Duration, fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return false
	}

	var t *time.Timer
	t = time.AfterFunc(d, func() {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return
		}
		delete(e.timers, t)
		e.inflight.Add(1)
		e.mu.Unlock()

		defer e.inflight.Done()
		e.run(fn)
	})
	e.timers[t] = struct{}{}
	return true
}

func (e *Engine) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("timer callback panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// Start begins firing cron entries. One-shot callbacks registered with
// After fire regardless of Start.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return fmt.Errorf("%w: engine already stopped", taskhost.ErrTimer)
	}
	if e.started {
		return nil
	}
	e.started = true
	e.cron.Start()
	return nil
}

// Stop cancels every pending tick and waits for running ones to finish.
// If ctx expires first, Stop returns ctx.Err() and the running ticks are
// left to finish on their own.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	e.mu.Unlock()

	cronDone := e.cron.Stop()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		<-cronDone.Done()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{slog.String("error", err.Error())}, keysAndValues...)
	c.l.Error("cron: "+msg, args...)
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/activation"
	"github.com/xraph/taskhost/backoff"
	"github.com/xraph/taskhost/cron"
	"github.com/xraph/taskhost/ext"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/lease"
	mw "github.com/xraph/taskhost/middleware"
	"github.com/xraph/taskhost/observability"
	"github.com/xraph/taskhost/queue"
	"github.com/xraph/taskhost/store"
	"github.com/xraph/taskhost/sweeper"
	"github.com/xraph/taskhost/timer"
	"github.com/xraph/taskhost/worker"
	"github.com/xraph/taskhost/workitem"
)

const instrumentationName = "github.com/xraph/taskhost"

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore sets the backing store. Required.
func WithStore(s store.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithLeaseStore sets a separate backend for named locks, e.g. the
// Kubernetes lease backend. Defaults to the main store.
func WithLeaseStore(s lease.Store) Option {
	return func(o *Orchestrator) { o.leaseStore = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithConfig replaces the host-wide defaults.
func WithConfig(cfg taskhost.Config) Option {
	return func(o *Orchestrator) { o.config = cfg }
}

// WithHolder sets the identity recorded on leases and item claims.
// Defaults to the hostname plus a random suffix.
func WithHolder(holder string) Option {
	return func(o *Orchestrator) { o.config.Holder = holder }
}

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *Orchestrator) { o.location = loc }
}

// WithExtension registers a lifecycle extension.
func WithExtension(e ext.Extension) Option {
	return func(o *Orchestrator) { o.pendingExts = append(o.pendingExts, e) }
}

// WithMiddleware adds middleware after the default stack.
func WithMiddleware(m mw.Middleware) Option {
	return func(o *Orchestrator) { o.mws = append(o.mws, m) }
}

// WithPollStrategy sets the backoff strategy consumer loops use on empty
// polls. Defaults to exponential doubling between the queue's base and
// max intervals.
func WithPollStrategy(s backoff.Strategy) Option {
	return func(o *Orchestrator) { o.strategy = s }
}

// WithQueueConfig adds per-queue admission limits. They override limits
// derived from queue descriptors.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(o *Orchestrator) { o.queueConfigs = append(o.queueConfigs, configs...) }
}

// WithTracerProvider sets a custom OTel TracerProvider for the tracing
// middleware. If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware and the observability extension. If not set, the global
// provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Orchestrator) { o.meterProvider = mp }
}

type queueEntry struct {
	desc    taskhost.QueueDescriptor
	process worker.Processor
	pool    *worker.Pool
	sweeper *sweeper.Sweeper
}

type jobEntry struct {
	desc   taskhost.ScheduledJobDescriptor
	runner *cron.Runner
}

// Orchestrator is the host: one explicitly constructed object with an
// explicit Start/Stop lifecycle.
type Orchestrator struct {
	config       taskhost.Config
	store        store.Store
	leaseStore   lease.Store
	logger       *slog.Logger
	location     *time.Location
	strategy     backoff.Strategy
	queueConfigs []queue.Config

	pendingExts    []ext.Extension
	mws            []mw.Middleware
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	extensions   *ext.Registry
	handlers     *activation.Registry
	locks        *lease.Manager
	timer        *timer.Engine
	queueManager *queue.Manager
	chain        []mw.Middleware

	mu      sync.Mutex
	started bool
	stopped bool
	queues  map[string]*queueEntry
	jobs    map[string]*jobEntry
	order   []string
	jobSeq  []string
}

// New creates an Orchestrator. A store is required.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config:   taskhost.DefaultConfig(),
		logger:   slog.Default(),
		location: time.UTC,
		handlers: activation.NewRegistry(),
		queues:   make(map[string]*queueEntry),
		jobs:     make(map[string]*jobEntry),
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.store == nil {
		return nil, taskhost.ErrNoStore
	}
	if o.leaseStore == nil {
		o.leaseStore = o.store
	}
	if o.config.Holder == "" {
		o.config.Holder = defaultHolder()
	}
	if o.config.LeaseDuration <= 0 {
		o.config.LeaseDuration = taskhost.DefaultLeaseDuration
	}

	o.extensions = ext.NewRegistry(o.logger)

	// Register the observability metrics extension.
	if o.meterProvider != nil {
		o.extensions.Register(observability.NewMetricsExtensionWithMeter(
			o.meterProvider.Meter(instrumentationName + "/observability"),
		))
	} else {
		o.extensions.Register(observability.NewMetricsExtension())
	}
	for _, e := range o.pendingExts {
		o.extensions.Register(e)
	}

	o.locks = lease.NewManager(o.leaseStore, o.config.Holder,
		lease.WithDefaultDuration(o.config.LeaseDuration),
		lease.WithLogger(o.logger),
		lease.WithOnLost(func(ctx context.Context, l *lease.Lease, err error) {
			o.extensions.EmitLeaseLost(ctx, l, err)
		}),
	)
	o.timer = timer.New(timer.WithLogger(o.logger), timer.WithLocation(o.location))
	o.chain = o.buildChain()

	return o, nil
}

// buildChain returns the default middleware stack followed by user
// middleware: recover → tracing → metrics → logging → timeout.
func (o *Orchestrator) buildChain() []mw.Middleware {
	var tracingMw mw.Middleware
	if o.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(o.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if o.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(o.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	defaults := []mw.Middleware{
		mw.Recover(o.logger),
		tracingMw,
		metricsMw,
		mw.Logging(o.logger),
		mw.Timeout(o.logger),
	}
	all := make([]mw.Middleware, 0, len(defaults)+len(o.mws))
	all = append(all, defaults...)
	return append(all, o.mws...)
}

func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "taskhost"
	}
	return host + "-" + id.NewWorkerID().String()
}

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

// RegisterQueueJob registers a consumer for the queue described by desc. The
// handler named by desc.ItemType must already be registered in Handlers()
// and must implement QueueHandler[json.RawMessage].
func (o *Orchestrator) RegisterQueueJob(desc taskhost.QueueDescriptor) error {
	desc = desc.WithDefaults(o.config)
	name := desc.ItemType
	return o.addQueue(desc, nil, func(ctx context.Context, it *workitem.Item) error {
		return process[json.RawMessage, QueueHandler[json.RawMessage]](ctx, o, name, it)
	})
}

// RegisterScheduledJob registers a scheduled job. The handler named by
// desc.StateType must already be registered in Handlers() and must
// implement ScheduledHandler[json.RawMessage].
func (o *Orchestrator) RegisterScheduledJob(desc taskhost.ScheduledJobDescriptor) error {
	desc = desc.WithDefaults(o.config)
	name := desc.StateType
	return o.addJob(desc, nil, func(ctx context.Context, state []byte) ([]byte, error) {
		return runScheduled[json.RawMessage, ScheduledHandler[json.RawMessage]](ctx, o, name, state)
	})
}

// addQueue records a queue. register, when non-nil, adds the queue's
// handler once the queue is known to be new.
func (o *Orchestrator) addQueue(desc taskhost.QueueDescriptor, register func() error, fn worker.Processor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return taskhost.ErrAlreadyStarted
	}
	if _, exists := o.queues[desc.Name]; exists {
		return fmt.Errorf("%w: %q", taskhost.ErrDuplicateQueue, desc.Name)
	}
	if register != nil {
		if err := register(); err != nil {
			return err
		}
	}
	o.queues[desc.Name] = &queueEntry{desc: desc, process: fn}
	o.order = append(o.order, desc.Name)

	o.logger.Debug("queue registered",
		slog.String("queue", desc.Name),
		slog.String("item_type", desc.ItemType),
		slog.Int("instances", desc.InstanceCount),
	)
	return nil
}

func (o *Orchestrator) addJob(desc taskhost.ScheduledJobDescriptor, register func() error, fn cron.Func) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return taskhost.ErrAlreadyStarted
	}
	if _, exists := o.jobs[desc.Name]; exists {
		return fmt.Errorf("%w: %q", taskhost.ErrDuplicateJob, desc.Name)
	}
	if register != nil {
		if err := register(); err != nil {
			return err
		}
	}
	o.jobs[desc.Name] = &jobEntry{
		desc:   desc,
		runner: cron.NewRunner(desc, fn, o.locks, o.store, o.extensions, o.logger, o.chain...),
	}
	o.jobSeq = append(o.jobSeq, desc.Name)
	return nil
}

// ──────────────────────────────────────────────────
// Producer
// ──────────────────────────────────────────────────

// Enqueue appends payload to the tail of queue and returns the new item's
// ID. The payload is JSON-encoded unless it is already []byte or
// json.RawMessage. The queue need not be consumed by this host.
func (o *Orchestrator) Enqueue(ctx context.Context, queueName string, payload any) (id.ItemID, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return id.Nil, fmt.Errorf("encode payload for queue %q: %w", queueName, err)
	}

	now := time.Now().UTC()
	it := &workitem.Item{
		ID:         id.NewItemID(),
		Queue:      queueName,
		Payload:    data,
		Status:     workitem.StatusPending,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	if err := o.store.EnqueueItem(ctx, it); err != nil {
		return id.Nil, fmt.Errorf("enqueue to %q: %w", queueName, err)
	}

	o.extensions.EmitItemEnqueued(ctx, it)
	return it.ID, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		if p == nil {
			return []byte{}, nil
		}
		return p, nil
	case []byte:
		if p == nil {
			return []byte{}, nil
		}
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// Admission returns the local admission counters of a queue: items being
// processed on this host and dequeues admitted or throttled by its rate
// limit and concurrency cap. It is zero before Start.
func (o *Orchestrator) Admission(queueName string) queue.Stats {
	o.mu.Lock()
	m := o.queueManager
	o.mu.Unlock()
	if m == nil {
		return queue.Stats{}
	}
	return m.Stats(queueName)
}

// Stats returns per-status item counts of a queue.
func (o *Orchestrator) Stats(ctx context.Context, queueName string) (workitem.Counts, error) {
	return o.store.CountItems(ctx, queueName)
}

// Sweep runs one cleanup batch for a registered queue.
func (o *Orchestrator) Sweep(ctx context.Context, queueName string) (int64, error) {
	o.mu.Lock()
	q, ok := o.queues[queueName]
	o.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %q", taskhost.ErrUnknownQueue, queueName)
	}
	return o.sweeperFor(q).Sweep(ctx)
}

func (o *Orchestrator) sweeperFor(q *queueEntry) *sweeper.Sweeper {
	if q.sweeper == nil {
		q.sweeper = sweeper.New(q.desc, o.store, o.extensions, o.logger)
	}
	return q.sweeper
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start seals the handler registry, schedules every consumer loop,
// scheduled job and sweeper, and starts the timer engine. A timer-engine
// failure (such as an invalid cron expression) is returned wrapping
// taskhost.ErrTimer and leaves nothing running.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return taskhost.ErrAlreadyStarted
	}

	if err := o.store.Ping(ctx); err != nil {
		o.logger.Warn("store ping failed at startup", slog.String("error", err.Error()))
	}

	o.handlers.Seal()
	o.queueManager = o.buildQueueManager()

	for _, name := range o.jobSeq {
		if _, err := o.jobs[name].runner.Schedule(o.timer); err != nil {
			_ = o.timer.Stop(ctx)
			return err
		}
	}

	for _, name := range o.order {
		q := o.queues[name]
		executor := worker.NewExecutor(q.desc, o.store, q.process, o.extensions, o.config.Holder, o.logger, o.chain...)
		poolOpts := []worker.PoolOption{worker.WithQueueManager(o.queueManager)}
		if o.strategy != nil {
			poolOpts = append(poolOpts, worker.WithPollStrategy(o.strategy))
		}
		q.pool = worker.NewPool(q.desc, o.store, executor, o.timer, o.config.Holder, o.logger, poolOpts...)
		if err := q.pool.Start(ctx); err != nil {
			_ = o.timer.Stop(ctx)
			return err
		}
		if err := o.sweeperFor(q).Start(o.timer); err != nil {
			_ = o.timer.Stop(ctx)
			return err
		}
	}

	if o.config.LeaseCleanupInterval > 0 {
		o.scheduleLeaseCleanup()
	}

	if err := o.timer.Start(); err != nil {
		return err
	}
	o.started = true

	o.logger.Info("orchestrator started",
		slog.String("holder", o.config.Holder),
		slog.Int("queues", len(o.order)),
		slog.Int("scheduled_jobs", len(o.jobSeq)),
	)
	return nil
}

func (o *Orchestrator) buildQueueManager() *queue.Manager {
	configs := make([]queue.Config, 0, len(o.order)+len(o.queueConfigs))
	for _, name := range o.order {
		if d := o.queues[name].desc; d.RateLimit > 0 {
			configs = append(configs, queue.ConfigFor(d))
		}
	}
	m := queue.NewManager(configs...)
	for _, cfg := range o.queueConfigs {
		m.Configure(cfg)
	}
	return m
}

func (o *Orchestrator) scheduleLeaseCleanup() {
	var tick func()
	tick = func() {
		o.locks.Cleanup(context.Background())
		o.timer.After(o.config.LeaseCleanupInterval, tick)
	}
	o.timer.After(o.config.LeaseCleanupInterval, tick)
}

// Stop stops scheduling new ticks and waits for in-flight executions. If
// ctx expires first, in-flight handler contexts are cancelled and
// ctx.Err() is returned.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return taskhost.ErrNotStarted
	}
	if o.stopped {
		o.mu.Unlock()
		return nil
	}
	o.stopped = true
	o.mu.Unlock()

	o.logger.Info("orchestrator stopping", slog.String("holder", o.config.Holder))

	var g errgroup.Group
	for _, name := range o.order {
		q := o.queues[name]
		g.Go(func() error { return q.pool.Stop(ctx) })
		g.Go(func() error { return q.sweeper.Stop(ctx) })
	}
	for _, name := range o.jobSeq {
		r := o.jobs[name].runner
		g.Go(func() error { return r.Stop(ctx) })
	}
	err := g.Wait()

	if timerErr := o.timer.Stop(ctx); err == nil {
		err = timerErr
	}

	o.extensions.EmitShutdown(ctx)

	if err != nil {
		o.logger.Warn("orchestrator stopped with in-flight work cancelled", slog.String("error", err.Error()))
		return err
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

// Run starts the orchestrator, blocks until ctx is done, then stops it
// within the configured shutdown timeout.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.config.ShutdownTimeout)
	defer cancel()
	return o.Stop(stopCtx)
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Handlers returns the handler activation registry. Register handlers
// before Start.
func (o *Orchestrator) Handlers() *activation.Registry { return o.handlers }

// Extensions returns the extension registry.
func (o *Orchestrator) Extensions() *ext.Registry { return o.extensions }

// Locks returns the lease manager used for singleton jobs.
func (o *Orchestrator) Locks() *lease.Manager { return o.locks }

// Store returns the backing store.
func (o *Orchestrator) Store() store.Store { return o.store }

// Holder returns the identity recorded on leases and claims.
func (o *Orchestrator) Holder() string { return o.config.Holder }

// Config returns the effective host configuration.
func (o *Orchestrator) Config() taskhost.Config { return o.config }

package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/activation"
	"github.com/xraph/taskhost/engine"
	"github.com/xraph/taskhost/queue"
	"github.com/xraph/taskhost/store/memory"
	"github.com/xraph/taskhost/workitem"
)

// ──────────────────────────────────────────────────
// Test payloads and handlers
// ──────────────────────────────────────────────────

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

type emailSender struct {
	fn func(ctx context.Context, p emailPayload) error
}

func (s *emailSender) Process(ctx context.Context, p emailPayload) error { return s.fn(ctx, p) }

type digestState struct {
	Runs int `json:"runs"`
}

type rawHandler struct {
	fn func(ctx context.Context, payload json.RawMessage) error
}

func (h *rawHandler) Process(ctx context.Context, payload json.RawMessage) error {
	return h.fn(ctx, payload)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig(holder string) taskhost.Config {
	cfg := taskhost.DefaultConfig()
	cfg.Holder = holder
	cfg.BasePollInterval = 5 * time.Millisecond
	cfg.MaxPollInterval = 20 * time.Millisecond
	return cfg
}

func newOrchestrator(t *testing.T, s *memory.Store, holder string, opts ...engine.Option) *engine.Orchestrator {
	t.Helper()
	all := append([]engine.Option{
		engine.WithStore(s),
		engine.WithLogger(quietLogger()),
		engine.WithConfig(fastConfig(holder)),
	}, opts...)
	o, err := engine.New(all...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return o
}

func stop(t *testing.T, o *engine.Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.Stop(ctx); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func countsOf(t *testing.T, o *engine.Orchestrator, queue string) workitem.Counts {
	t.Helper()
	c, err := o.Stats(context.Background(), queue)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return c
}

// ──────────────────────────────────────────────────
// Construction and registration
// ──────────────────────────────────────────────────

func TestNew_RequiresStore(t *testing.T) {
	if _, err := engine.New(); !errors.Is(err, taskhost.ErrNoStore) {
		t.Fatalf("New() = %v, want ErrNoStore", err)
	}
}

func TestNew_DefaultHolder(t *testing.T) {
	o, err := engine.New(engine.WithStore(memory.New()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if o.Holder() == "" {
		t.Fatal("holder must default to a non-empty identity")
	}
	if o.Locks().Holder() != o.Holder() {
		t.Fatalf("lock holder %q differs from host holder %q", o.Locks().Holder(), o.Holder())
	}
}

func TestRegistration_Errors(t *testing.T) {
	o := newOrchestrator(t, memory.New(), "host")
	ctor := func(*activation.Scope) (*emailSender, error) {
		return &emailSender{fn: func(context.Context, emailPayload) error { return nil }}, nil
	}
	desc := taskhost.QueueDescriptor{Name: "email"}

	if err := engine.RegisterQueueJob[emailPayload](o, desc, ctor); err != nil {
		t.Fatalf("RegisterQueueJob: %v", err)
	}
	if err := engine.RegisterQueueJob[emailPayload](o, desc, ctor); !errors.Is(err, taskhost.ErrDuplicateQueue) {
		t.Fatalf("duplicate queue = %v, want ErrDuplicateQueue", err)
	}
	if err := engine.RegisterQueueJob[emailPayload](o, taskhost.QueueDescriptor{}, ctor); !errors.Is(err, taskhost.ErrInvalidDescriptor) {
		t.Fatalf("unnamed queue = %v, want ErrInvalidDescriptor", err)
	}

	jobCtor := func(*activation.Scope) (engine.ScheduledHandler[digestState], error) { return nil, nil }
	jobDesc := taskhost.ScheduledJobDescriptor{Name: "digest", Schedule: "@hourly"}
	if err := engine.RegisterScheduledJob[digestState](o, jobDesc, jobCtor); err != nil {
		t.Fatalf("RegisterScheduledJob: %v", err)
	}
	if err := engine.RegisterScheduledJob[digestState](o, jobDesc, jobCtor); !errors.Is(err, taskhost.ErrDuplicateJob) {
		t.Fatalf("duplicate job = %v, want ErrDuplicateJob", err)
	}

	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(t, o)

	if err := o.Start(context.Background()); !errors.Is(err, taskhost.ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
	late := taskhost.QueueDescriptor{Name: "late"}
	if err := engine.RegisterQueueJob[emailPayload](o, late, ctor); !errors.Is(err, taskhost.ErrAlreadyStarted) {
		t.Fatalf("register after Start = %v, want ErrAlreadyStarted", err)
	}
}

func TestStart_InvalidScheduleIsFatal(t *testing.T) {
	o := newOrchestrator(t, memory.New(), "host")
	ctor := func(*activation.Scope) (engine.ScheduledHandler[digestState], error) { return nil, nil }
	desc := taskhost.ScheduledJobDescriptor{Name: "broken", Schedule: "not a cron"}
	if err := engine.RegisterScheduledJob[digestState](o, desc, ctor); err != nil {
		t.Fatalf("RegisterScheduledJob: %v", err)
	}

	if err := o.Start(context.Background()); !errors.Is(err, taskhost.ErrTimer) {
		t.Fatalf("Start = %v, want ErrTimer", err)
	}
}

func TestStop_BeforeStart(t *testing.T) {
	o := newOrchestrator(t, memory.New(), "host")
	if err := o.Stop(context.Background()); !errors.Is(err, taskhost.ErrNotStarted) {
		t.Fatalf("Stop = %v, want ErrNotStarted", err)
	}
}

// ──────────────────────────────────────────────────
// Producer
// ──────────────────────────────────────────────────

func TestEnqueue_EncodesPayload(t *testing.T) {
	s := memory.New()
	o := newOrchestrator(t, s, "host")
	ctx := context.Background()

	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"struct", emailPayload{To: "a@b.c"}, `{"to":"a@b.c","subject":""}`},
		{"bytes", []byte("plain text"), "plain text"},
		{"raw json", json.RawMessage(`{"k":1}`), `{"k":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			itemID, err := o.Enqueue(ctx, "unconsumed", tt.payload)
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			it, err := s.GetItem(ctx, itemID)
			if err != nil {
				t.Fatalf("GetItem: %v", err)
			}
			if string(it.Payload) != tt.want {
				t.Fatalf("payload = %q, want %q", it.Payload, tt.want)
			}
			if it.Status != workitem.StatusPending {
				t.Fatalf("status = %q, want pending", it.Status)
			}
		})
	}

	if c := countsOf(t, o, "unconsumed"); c.Pending != 3 {
		t.Fatalf("pending = %d, want 3", c.Pending)
	}
}

// notNullStore rejects nil payloads the way a NOT NULL column does.
type notNullStore struct {
	*memory.Store
}

func (s notNullStore) EnqueueItem(ctx context.Context, it *workitem.Item) error {
	if it.Payload == nil {
		return errors.New("payload: NOT NULL constraint failed")
	}
	return s.Store.EnqueueItem(ctx, it)
}

func TestEnqueue_NilPayloadIsEmpty(t *testing.T) {
	mem := memory.New()
	o := newOrchestrator(t, mem, "host", engine.WithStore(notNullStore{mem}))
	ctx := context.Background()

	for _, payload := range []any{[]byte(nil), json.RawMessage(nil)} {
		if _, err := o.Enqueue(ctx, "q", payload); err != nil {
			t.Fatalf("Enqueue(%#v): %v", payload, err)
		}
	}
	if c := countsOf(t, o, "q"); c.Pending != 2 {
		t.Fatalf("pending = %d, want 2", c.Pending)
	}
}

func TestEnqueue_UnencodablePayload(t *testing.T) {
	o := newOrchestrator(t, memory.New(), "host")
	if _, err := o.Enqueue(context.Background(), "q", make(chan int)); err == nil {
		t.Fatal("expected an encoding error")
	}
}

// ──────────────────────────────────────────────────
// End-to-end: Register → Enqueue → Process
// ──────────────────────────────────────────────────

func TestEndToEnd_TypedQueue(t *testing.T) {
	o := newOrchestrator(t, memory.New(), "host")

	var (
		mu   sync.Mutex
		got  []emailPayload
		toks []string
	)
	err := engine.RegisterQueueJob[emailPayload](o, taskhost.QueueDescriptor{Name: "email"},
		func(*activation.Scope) (*emailSender, error) {
			return &emailSender{fn: func(ctx context.Context, p emailPayload) error {
				mu.Lock()
				got = append(got, p)
				toks = append(toks, taskhost.Holder(ctx))
				mu.Unlock()
				return nil
			}}, nil
		})
	if err != nil {
		t.Fatalf("RegisterQueueJob: %v", err)
	}

	ctx := context.Background()
	if _, err := o.Enqueue(ctx, "email", emailPayload{To: "alice@example.com", Subject: "hi"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(t, o)

	waitFor(t, 5*time.Second, func() bool { return countsOf(t, o, "email").Completed == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].To != "alice@example.com" || got[0].Subject != "hi" {
		t.Fatalf("handler saw %+v", got)
	}
	if toks[0] != "host" {
		t.Fatalf("holder in context = %q, want host", toks[0])
	}
}

func TestEndToEnd_NoDuplicatesNoLosses(t *testing.T) {
	o := newOrchestrator(t, memory.New(), "host")

	const total = 100
	var (
		seen  sync.Map
		dupes atomic.Int64
		done  atomic.Int64
	)
	err := engine.RegisterQueueJob[int](o, taskhost.QueueDescriptor{Name: "numbers", InstanceCount: 3},
		func(*activation.Scope) (engine.QueueHandler[int], error) {
			return queueFunc[int](func(_ context.Context, n int) error {
				if _, loaded := seen.LoadOrStore(n, true); loaded {
					dupes.Add(1)
				}
				done.Add(1)
				return nil
			}), nil
		})
	if err != nil {
		t.Fatalf("RegisterQueueJob: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < total; i++ {
		if _, err := o.Enqueue(ctx, "numbers", i); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(t, o)

	waitFor(t, 10*time.Second, func() bool { return countsOf(t, o, "numbers").Completed == total })

	if d := dupes.Load(); d != 0 {
		t.Fatalf("%d items processed more than once", d)
	}
	if n := done.Load(); n != total {
		t.Fatalf("handler ran %d times, want %d", n, total)
	}
	for i := 0; i < total; i++ {
		if _, ok := seen.Load(i); !ok {
			t.Fatalf("item %d was never processed", i)
		}
	}
}

func TestEndToEnd_QueueConfigCapsConcurrency(t *testing.T) {
	o := newOrchestrator(t, memory.New(), "host",
		engine.WithQueueConfig(queue.Config{Name: "numbers", MaxConcurrency: 1}),
	)

	const total = 20
	var current, peak atomic.Int64
	err := engine.RegisterQueueJob[int](o, taskhost.QueueDescriptor{Name: "numbers", InstanceCount: 4},
		func(*activation.Scope) (engine.QueueHandler[int], error) {
			return queueFunc[int](func(context.Context, int) error {
				n := current.Add(1)
				if n > peak.Load() {
					peak.Store(n)
				}
				time.Sleep(time.Millisecond)
				current.Add(-1)
				return nil
			}), nil
		})
	if err != nil {
		t.Fatalf("RegisterQueueJob: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < total; i++ {
		if _, err := o.Enqueue(ctx, "numbers", i); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if got := o.Admission("numbers"); got != (queue.Stats{}) {
		t.Fatalf("admission before Start = %+v", got)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(t, o)

	waitFor(t, 10*time.Second, func() bool { return countsOf(t, o, "numbers").Completed == total })

	if p := peak.Load(); p != 1 {
		t.Fatalf("peak concurrency = %d, want 1", p)
	}
	if a := o.Admission("numbers"); a.Admitted < total {
		t.Fatalf("admitted %d dequeues, want at least %d", a.Admitted, total)
	}
}

type queueFunc[T any] func(ctx context.Context, payload T) error

func (f queueFunc[T]) Process(ctx context.Context, payload T) error { return f(ctx, payload) }

func TestEndToEnd_HandlerFailureFailsItem(t *testing.T) {
	rec := &recorder{}
	o := newOrchestrator(t, memory.New(), "host", engine.WithExtension(rec))

	err := engine.RegisterQueueJob[emailPayload](o, taskhost.QueueDescriptor{Name: "email"},
		func(*activation.Scope) (*emailSender, error) {
			return &emailSender{fn: func(context.Context, emailPayload) error {
				return errors.New("smtp down")
			}}, nil
		})
	if err != nil {
		t.Fatalf("RegisterQueueJob: %v", err)
	}

	ctx := context.Background()
	itemID, err := o.Enqueue(ctx, "email", emailPayload{To: "x"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(t, o)

	waitFor(t, 5*time.Second, func() bool { return countsOf(t, o, "email").Failed == 1 })

	it, err := o.Store().GetItem(ctx, itemID)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if it.LastError == "" {
		t.Fatal("failed item must record the handler error")
	}
	waitFor(t, time.Second, func() bool { return rec.failed.Load() == 1 })
	if rec.enqueued.Load() != 1 {
		t.Fatalf("enqueued events = %d, want 1", rec.enqueued.Load())
	}
}

func TestEndToEnd_UndecodablePayloadFailsItem(t *testing.T) {
	o := newOrchestrator(t, memory.New(), "host")
	err := engine.RegisterQueueJob[emailPayload](o, taskhost.QueueDescriptor{Name: "email"},
		func(*activation.Scope) (*emailSender, error) {
			return &emailSender{fn: func(context.Context, emailPayload) error { return nil }}, nil
		})
	if err != nil {
		t.Fatalf("RegisterQueueJob: %v", err)
	}

	ctx := context.Background()
	if _, err := o.Enqueue(ctx, "email", []byte("{not json")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(t, o)

	waitFor(t, 5*time.Second, func() bool { return countsOf(t, o, "email").Failed == 1 })
}

func TestEndToEnd_UntypedQueue(t *testing.T) {
	o := newOrchestrator(t, memory.New(), "host")

	got := make(chan string, 1)
	err := activation.Register(o.Handlers(), "raw", func(*activation.Scope) (engine.QueueHandler[json.RawMessage], error) {
		return &rawHandler{fn: func(_ context.Context, p json.RawMessage) error {
			got <- string(p)
			return nil
		}}, nil
	})
	if err != nil {
		t.Fatalf("Register handler: %v", err)
	}
	if err := o.RegisterQueueJob(taskhost.QueueDescriptor{Name: "blobs", ItemType: "raw"}); err != nil {
		t.Fatalf("RegisterQueueJob: %v", err)
	}

	ctx := context.Background()
	if _, err := o.Enqueue(ctx, "blobs", []byte("not json at all")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(t, o)

	select {
	case p := <-got:
		if p != "not json at all" {
			t.Fatalf("payload = %q", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("untyped handler never ran")
	}
}

func TestEndToEnd_ScopePerExecution(t *testing.T) {
	o := newOrchestrator(t, memory.New(), "host")

	var built, closed atomic.Int64
	err := engine.RegisterQueueJob[int](o, taskhost.QueueDescriptor{Name: "scoped"},
		func(s *activation.Scope) (engine.QueueHandler[int], error) {
			built.Add(1)
			s.OnClose(func(context.Context) error {
				closed.Add(1)
				return nil
			})
			return queueFunc[int](func(ctx context.Context, _ int) error {
				if sc, ok := activation.FromContext(ctx); !ok || sc != s {
					return errors.New("handler context does not carry its scope")
				}
				return nil
			}), nil
		})
	if err != nil {
		t.Fatalf("RegisterQueueJob: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := o.Enqueue(ctx, "scoped", i); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop(t, o)

	waitFor(t, 5*time.Second, func() bool { return countsOf(t, o, "scoped").Completed == 3 })
	if built.Load() != 3 || closed.Load() != 3 {
		t.Fatalf("built=%d closed=%d, want 3 each", built.Load(), closed.Load())
	}
}

// ──────────────────────────────────────────────────
// Shutdown
// ──────────────────────────────────────────────────

func TestStop_DeadlineCancelsInFlight(t *testing.T) {
	rec := &recorder{}
	o := newOrchestrator(t, memory.New(), "host", engine.WithExtension(rec))

	started := make(chan struct{})
	cancelled := make(chan error, 1)
	err := engine.RegisterQueueJob[int](o, taskhost.QueueDescriptor{Name: "slow"},
		func(*activation.Scope) (engine.QueueHandler[int], error) {
			return queueFunc[int](func(ctx context.Context, _ int) error {
				close(started)
				<-ctx.Done()
				cancelled <- ctx.Err()
				return ctx.Err()
			}), nil
		})
	if err != nil {
		t.Fatalf("RegisterQueueJob: %v", err)
	}

	ctx := context.Background()
	if _, err := o.Enqueue(ctx, "slow", 1); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := o.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := o.Stop(stopCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want DeadlineExceeded", err)
	}

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight handler was not cancelled")
	}
	if rec.shutdown.Load() != 1 {
		t.Fatalf("shutdown events = %d, want 1", rec.shutdown.Load())
	}
}

func TestRun_StopsWhenContextDone(t *testing.T) {
	o := newOrchestrator(t, memory.New(), "host")
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// ──────────────────────────────────────────────────
// Sweep
// ──────────────────────────────────────────────────

func TestSweep(t *testing.T) {
	o := newOrchestrator(t, memory.New(), "host")
	if _, err := o.Sweep(context.Background(), "missing"); !errors.Is(err, taskhost.ErrUnknownQueue) {
		t.Fatalf("Sweep unknown = %v, want ErrUnknownQueue", err)
	}

	err := engine.RegisterQueueJob[int](o, taskhost.QueueDescriptor{Name: "nums"},
		func(*activation.Scope) (engine.QueueHandler[int], error) {
			return queueFunc[int](func(context.Context, int) error { return nil }), nil
		})
	if err != nil {
		t.Fatalf("RegisterQueueJob: %v", err)
	}
	n, err := o.Sweep(context.Background(), "nums")
	if err != nil || n != 0 {
		t.Fatalf("Sweep = %d, %v; want 0, nil", n, err)
	}
}

// ──────────────────────────────────────────────────
// Scheduled jobs across hosts
// ──────────────────────────────────────────────────

type digestJob struct {
	inflight *atomic.Int64
	maxSeen  *atomic.Int64
	runs     *atomic.Int64
}

func (j *digestJob) Run(_ context.Context, s digestState) (digestState, error) {
	n := j.inflight.Add(1)
	defer j.inflight.Add(-1)
	for {
		m := j.maxSeen.Load()
		if n <= m || j.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(200 * time.Millisecond)
	j.runs.Add(1)
	s.Runs++
	return s, nil
}

func TestScheduledSingleton_TwoHostsNeverOverlap(t *testing.T) {
	s := memory.New()
	var inflight, maxSeen, runs atomic.Int64

	hosts := make([]*engine.Orchestrator, 0, 2)
	recs := make([]*recorder, 0, 2)
	for i := 0; i < 2; i++ {
		rec := &recorder{}
		o := newOrchestrator(t, s, fmt.Sprintf("host-%d", i), engine.WithExtension(rec))
		err := engine.RegisterScheduledJob[digestState](o, taskhost.ScheduledJobDescriptor{
			Name: "digest", Schedule: "@every 1s", Singleton: true,
		}, func(*activation.Scope) (*digestJob, error) {
			return &digestJob{inflight: &inflight, maxSeen: &maxSeen, runs: &runs}, nil
		})
		if err != nil {
			t.Fatalf("RegisterScheduledJob: %v", err)
		}
		hosts = append(hosts, o)
		recs = append(recs, rec)
	}

	ctx := context.Background()
	for _, o := range hosts {
		if err := o.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	time.Sleep(2600 * time.Millisecond)
	for _, o := range hosts {
		stop(t, o)
	}

	if m := maxSeen.Load(); m > 1 {
		t.Fatalf("%d firings overlapped", m)
	}
	total := runs.Load()
	if total < 1 {
		t.Fatal("singleton job never ran")
	}
	// Each host sees at most 3 one-second ticks in the window.
	if total > 3 {
		t.Fatalf("handler runs = %d, want at most one per tick", total)
	}

	var fired int64
	for _, rec := range recs {
		fired += rec.fired.Load()
	}
	if fired != total {
		t.Fatalf("fired events = %d, handler runs = %d", fired, total)
	}

	st, err := s.LoadJobState(ctx, "digest")
	if err != nil {
		t.Fatalf("LoadJobState: %v", err)
	}
	var saved digestState
	if err := json.Unmarshal(st.Data, &saved); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if int64(saved.Runs) != total {
		t.Fatalf("persisted runs = %d, want %d", saved.Runs, total)
	}
}

// tickJob records the wall-clock second of every run.
type tickJob struct {
	mu      *sync.Mutex
	seconds map[int64]int
}

func (j *tickJob) Run(_ context.Context, s digestState) (digestState, error) {
	j.mu.Lock()
	j.seconds[time.Now().Unix()]++
	j.mu.Unlock()
	s.Runs++
	return s, nil
}

func TestScheduledSingleton_TwoHostsRunEachTickOnce(t *testing.T) {
	s := memory.New()
	var mu sync.Mutex
	seconds := make(map[int64]int)

	hosts := make([]*engine.Orchestrator, 0, 2)
	for i := 0; i < 2; i++ {
		o := newOrchestrator(t, s, fmt.Sprintf("host-%d", i))
		err := engine.RegisterScheduledJob[digestState](o, taskhost.ScheduledJobDescriptor{
			Name: "heartbeat", Schedule: "* * * * * *", Singleton: true,
		}, func(*activation.Scope) (*tickJob, error) {
			return &tickJob{mu: &mu, seconds: seconds}, nil
		})
		if err != nil {
			t.Fatalf("RegisterScheduledJob: %v", err)
		}
		hosts = append(hosts, o)
	}

	ctx := context.Background()
	for _, o := range hosts {
		if err := o.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	time.Sleep(3500 * time.Millisecond)
	for _, o := range hosts {
		stop(t, o)
	}

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for sec, n := range seconds {
		if n > 1 {
			t.Fatalf("tick at %d ran %d times across hosts", sec, n)
		}
		total += n
	}
	if total < 2 {
		t.Fatalf("runs = %d over ~3 ticks, want at least 2", total)
	}
}

// ──────────────────────────────────────────────────
// Extension recorder
// ──────────────────────────────────────────────────

type recorder struct {
	enqueued atomic.Int64
	failed   atomic.Int64
	fired    atomic.Int64
	skipped  atomic.Int64
	shutdown atomic.Int64
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) OnItemEnqueued(context.Context, *workitem.Item) error {
	r.enqueued.Add(1)
	return nil
}

func (r *recorder) OnItemFailed(context.Context, *workitem.Item, error) error {
	r.failed.Add(1)
	return nil
}

func (r *recorder) OnJobFired(context.Context, string, time.Duration) error {
	r.fired.Add(1)
	return nil
}

func (r *recorder) OnJobSkipped(context.Context, string) error {
	r.skipped.Add(1)
	return nil
}

func (r *recorder) OnShutdown(context.Context) error {
	r.shutdown.Add(1)
	return nil
}

package audithook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	ah "github.com/xraph/taskhost/audit_hook"
	"github.com/xraph/taskhost/ext"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/workitem"
)

// ── Mock recorder ────────────────────────────────────

// mockRecorder captures audit events for verification.
type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) findByAction(action string) *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range m.events {
		if evt.Action == action {
			return evt
		}
	}
	return nil
}

// ── Test helpers ─────────────────────────────────────

func newTestItem() *workitem.Item {
	return &workitem.Item{
		ID:       id.NewItemID(),
		Queue:    "emails",
		Payload:  []byte(`{"to":"a@example.com"}`),
		Status:   workitem.StatusLeased,
		Holder:   "host-1",
		Attempts: 2,
	}
}

func newTestLease() *lease.Lease {
	return &lease.Lease{
		Name:   "nightly",
		ID:     id.NewLeaseID(),
		Holder: "host-1",
	}
}

func TestExtension_Name(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	if e.Name() != "audit-hook" {
		t.Errorf("expected name %q, got %q", "audit-hook", e.Name())
	}
}

// ── Hook tests ───────────────────────────────────────

func TestExtension_Hooks(t *testing.T) {
	it := newTestItem()
	l := newTestLease()
	boom := errors.New("boom")

	tests := []struct {
		name         string
		emit         func(ctx context.Context, e *ah.Extension) error
		action       string
		resource     string
		resourceID   string
		category     string
		severity     string
		outcome      string
		meta         map[string]any
		reasonWanted bool
	}{
		{
			name:       "item enqueued",
			emit:       func(ctx context.Context, e *ah.Extension) error { return e.OnItemEnqueued(ctx, it) },
			action:     ah.ActionItemEnqueued,
			resource:   ah.ResourceItem,
			resourceID: it.ID.String(),
			category:   ah.CategoryItem,
			severity:   ah.SeverityInfo,
			outcome:    ah.OutcomeSuccess,
			meta:       map[string]any{"queue": "emails", "payload_bytes": len(it.Payload)},
		},
		{
			name:       "item started",
			emit:       func(ctx context.Context, e *ah.Extension) error { return e.OnItemStarted(ctx, it) },
			action:     ah.ActionItemStarted,
			resource:   ah.ResourceItem,
			resourceID: it.ID.String(),
			category:   ah.CategoryItem,
			severity:   ah.SeverityInfo,
			outcome:    ah.OutcomeSuccess,
			meta:       map[string]any{"holder": "host-1", "attempts": 2},
		},
		{
			name: "item completed",
			emit: func(ctx context.Context, e *ah.Extension) error {
				return e.OnItemCompleted(ctx, it, 150*time.Millisecond)
			},
			action:     ah.ActionItemCompleted,
			resource:   ah.ResourceItem,
			resourceID: it.ID.String(),
			category:   ah.CategoryItem,
			severity:   ah.SeverityInfo,
			outcome:    ah.OutcomeSuccess,
			meta:       map[string]any{"elapsed_ms": int64(150)},
		},
		{
			name:         "item failed",
			emit:         func(ctx context.Context, e *ah.Extension) error { return e.OnItemFailed(ctx, it, boom) },
			action:       ah.ActionItemFailed,
			resource:     ah.ResourceItem,
			resourceID:   it.ID.String(),
			category:     ah.CategoryItem,
			severity:     ah.SeverityCritical,
			outcome:      ah.OutcomeFailure,
			meta:         map[string]any{"error": "boom", "attempts": 2},
			reasonWanted: true,
		},
		{
			name:       "items swept",
			emit:       func(ctx context.Context, e *ah.Extension) error { return e.OnItemsSwept(ctx, "emails", 7) },
			action:     ah.ActionItemsSwept,
			resource:   ah.ResourceQueue,
			resourceID: "emails",
			category:   ah.CategoryItem,
			severity:   ah.SeverityInfo,
			outcome:    ah.OutcomeSuccess,
			meta:       map[string]any{"count": int64(7)},
		},
		{
			name:       "job fired",
			emit:       func(ctx context.Context, e *ah.Extension) error { return e.OnJobFired(ctx, "nightly", time.Second) },
			action:     ah.ActionJobFired,
			resource:   ah.ResourceJob,
			resourceID: "nightly",
			category:   ah.CategoryJob,
			severity:   ah.SeverityInfo,
			outcome:    ah.OutcomeSuccess,
			meta:       map[string]any{"elapsed_ms": int64(1000)},
		},
		{
			name:       "job skipped",
			emit:       func(ctx context.Context, e *ah.Extension) error { return e.OnJobSkipped(ctx, "nightly") },
			action:     ah.ActionJobSkipped,
			resource:   ah.ResourceJob,
			resourceID: "nightly",
			category:   ah.CategoryJob,
			severity:   ah.SeverityWarning,
			outcome:    ah.OutcomeSuccess,
		},
		{
			name:         "job failed",
			emit:         func(ctx context.Context, e *ah.Extension) error { return e.OnJobFailed(ctx, "nightly", boom) },
			action:       ah.ActionJobFailed,
			resource:     ah.ResourceJob,
			resourceID:   "nightly",
			category:     ah.CategoryJob,
			severity:     ah.SeverityCritical,
			outcome:      ah.OutcomeFailure,
			meta:         map[string]any{"error": "boom"},
			reasonWanted: true,
		},
		{
			name:         "lease lost",
			emit:         func(ctx context.Context, e *ah.Extension) error { return e.OnLeaseLost(ctx, l, boom) },
			action:       ah.ActionLeaseLost,
			resource:     ah.ResourceLease,
			resourceID:   "nightly",
			category:     ah.CategoryLease,
			severity:     ah.SeverityCritical,
			outcome:      ah.OutcomeFailure,
			meta:         map[string]any{"lease_id": l.ID.String(), "holder": "host-1"},
			reasonWanted: true,
		},
		{
			name:     "shutdown",
			emit:     func(ctx context.Context, e *ah.Extension) error { return e.OnShutdown(ctx) },
			action:   ah.ActionShutdown,
			resource: ah.ResourceHost,
			category: ah.CategoryHost,
			severity: ah.SeverityInfo,
			outcome:  ah.OutcomeSuccess,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &mockRecorder{}
			e := ah.New(rec)

			if err := tt.emit(context.Background(), e); err != nil {
				t.Fatalf("hook returned error: %v", err)
			}
			evt := rec.last()
			if evt == nil {
				t.Fatal("no event recorded")
			}
			if evt.Action != tt.action {
				t.Errorf("Action: want %q, got %q", tt.action, evt.Action)
			}
			if evt.Resource != tt.resource {
				t.Errorf("Resource: want %q, got %q", tt.resource, evt.Resource)
			}
			if evt.ResourceID != tt.resourceID {
				t.Errorf("ResourceID: want %q, got %q", tt.resourceID, evt.ResourceID)
			}
			if evt.Category != tt.category {
				t.Errorf("Category: want %q, got %q", tt.category, evt.Category)
			}
			if evt.Severity != tt.severity {
				t.Errorf("Severity: want %q, got %q", tt.severity, evt.Severity)
			}
			if evt.Outcome != tt.outcome {
				t.Errorf("Outcome: want %q, got %q", tt.outcome, evt.Outcome)
			}
			if (evt.Reason != "") != tt.reasonWanted {
				t.Errorf("Reason: got %q, want set=%v", evt.Reason, tt.reasonWanted)
			}
			for k, want := range tt.meta {
				if got := evt.Metadata[k]; got != want {
					t.Errorf("Metadata[%s]: want %v (%T), got %v (%T)", k, want, want, got, got)
				}
			}
		})
	}
}

// ── WithActions filter tests ─────────────────────────

func TestExtension_WithActions_FiltersDisabled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionItemCompleted, ah.ActionItemFailed))

	ctx := context.Background()
	it := newTestItem()

	// Enqueued is NOT enabled.
	if err := e.OnItemEnqueued(ctx, it); err != nil {
		t.Fatalf("OnItemEnqueued: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("expected 0 events (enqueued disabled), got %d", rec.count())
	}

	if err := e.OnItemCompleted(ctx, it, 50*time.Millisecond); err != nil {
		t.Fatalf("OnItemCompleted: %v", err)
	}
	if err := e.OnItemFailed(ctx, it, errors.New("boom")); err != nil {
		t.Fatalf("OnItemFailed: %v", err)
	}
	if rec.count() != 2 {
		t.Errorf("expected 2 events, got %d", rec.count())
	}
}

func TestExtension_WithMinSeverity(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithMinSeverity(ah.SeverityWarning))

	ctx := context.Background()
	it := newTestItem()
	_ = e.OnItemEnqueued(ctx, it)
	_ = e.OnItemCompleted(ctx, it, time.Millisecond)
	_ = e.OnJobSkipped(ctx, "nightly")
	_ = e.OnJobFailed(ctx, "nightly", errors.New("boom"))

	if rec.count() != 2 {
		t.Fatalf("expected 2 events at warning or above, got %d", rec.count())
	}
	if rec.findByAction(ah.ActionJobSkipped) == nil || rec.findByAction(ah.ActionJobFailed) == nil {
		t.Error("warning and critical events should pass the filter")
	}
}

// ── Recorder error handling test ─────────────────────

func TestExtension_RecorderError_DoesNotPropagate(t *testing.T) {
	failingRecorder := ah.RecorderFunc(func(_ context.Context, _ *ah.AuditEvent) error {
		return errors.New("audit backend down")
	})

	e := ah.New(failingRecorder, ah.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	if err := e.OnItemEnqueued(context.Background(), newTestItem()); err != nil {
		t.Fatalf("expected no error (audit failure swallowed), got: %v", err)
	}
}

// ── SlogRecorder test ────────────────────────────────

func TestSlogRecorder(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := ah.New(ah.SlogRecorder(logger))

	if err := e.OnJobFailed(context.Background(), "nightly", errors.New("disk full")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if rec["level"] != "ERROR" {
		t.Errorf("level: got %v, want ERROR", rec["level"])
	}
	if rec["action"] != ah.ActionJobFailed || rec["resource_id"] != "nightly" || rec["reason"] != "disk full" {
		t.Errorf("unexpected record: %v", rec)
	}
	meta, ok := rec["metadata"].(map[string]any)
	if !ok || meta["error"] != "disk full" {
		t.Errorf("metadata: %v", rec["metadata"])
	}
}

// ── Registry integration test ────────────────────────

func TestExtension_ViaRegistry(t *testing.T) {
	rec := &mockRecorder{}
	reg := ext.NewRegistry(slog.Default())
	reg.Register(ah.New(rec))

	ctx := context.Background()
	it := newTestItem()

	reg.EmitItemEnqueued(ctx, it)
	reg.EmitItemStarted(ctx, it)
	reg.EmitItemCompleted(ctx, it, 50*time.Millisecond)
	reg.EmitItemFailed(ctx, it, errors.New("fail"))
	reg.EmitItemsSwept(ctx, "emails", 3)
	reg.EmitJobFired(ctx, "nightly", time.Second)
	reg.EmitJobSkipped(ctx, "nightly")
	reg.EmitJobFailed(ctx, "nightly", errors.New("fail"))
	reg.EmitLeaseLost(ctx, newTestLease(), errors.New("denied"))
	reg.EmitShutdown(ctx)

	allActions := ah.AllActions()
	if rec.count() != len(allActions) {
		t.Fatalf("expected %d events, got %d", len(allActions), rec.count())
	}
	for _, action := range allActions {
		if rec.findByAction(action) == nil {
			t.Errorf("missing event for action %q", action)
		}
	}
}

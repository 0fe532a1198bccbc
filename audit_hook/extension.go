package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/taskhost/ext"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/workitem"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Extension)(nil)
	_ ext.ItemEnqueued  = (*Extension)(nil)
	_ ext.ItemStarted   = (*Extension)(nil)
	_ ext.ItemCompleted = (*Extension)(nil)
	_ ext.ItemFailed    = (*Extension)(nil)
	_ ext.ItemsSwept    = (*Extension)(nil)
	_ ext.JobFired      = (*Extension)(nil)
	_ ext.JobSkipped    = (*Extension)(nil)
	_ ext.JobFailed     = (*Extension)(nil)
	_ ext.LeaseLost     = (*Extension)(nil)
	_ ext.Shutdown      = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement. Callers
// adapt their audit backend at wiring time.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit trail entry.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// SlogRecorder returns a Recorder that writes each event as one log record
// at a level derived from its severity.
func SlogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, evt *AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}

		attrs := []slog.Attr{
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("category", evt.Category),
			slog.String("outcome", evt.Outcome),
		}
		if evt.ResourceID != "" {
			attrs = append(attrs, slog.String("resource_id", evt.ResourceID))
		}
		if evt.Reason != "" {
			attrs = append(attrs, slog.String("reason", evt.Reason))
		}
		if len(evt.Metadata) > 0 {
			meta := make([]any, 0, len(evt.Metadata))
			for k, v := range evt.Metadata {
				meta = append(meta, slog.Any(k, v))
			}
			attrs = append(attrs, slog.Group("metadata", meta...))
		}
		logger.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

func severityRank(s string) int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges taskhost lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	minRank  int
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Work item hooks ─────────────────────────────────

// OnItemEnqueued implements ext.ItemEnqueued.
func (e *Extension) OnItemEnqueued(ctx context.Context, it *workitem.Item) error {
	return e.record(ctx, ActionItemEnqueued, SeverityInfo, OutcomeSuccess,
		ResourceItem, it.ID.String(), CategoryItem, nil,
		"queue", it.Queue,
		"payload_bytes", len(it.Payload),
	)
}

// OnItemStarted implements ext.ItemStarted.
func (e *Extension) OnItemStarted(ctx context.Context, it *workitem.Item) error {
	return e.record(ctx, ActionItemStarted, SeverityInfo, OutcomeSuccess,
		ResourceItem, it.ID.String(), CategoryItem, nil,
		"queue", it.Queue,
		"holder", it.Holder,
		"attempts", it.Attempts,
	)
}

// OnItemCompleted implements ext.ItemCompleted.
func (e *Extension) OnItemCompleted(ctx context.Context, it *workitem.Item, elapsed time.Duration) error {
	return e.record(ctx, ActionItemCompleted, SeverityInfo, OutcomeSuccess,
		ResourceItem, it.ID.String(), CategoryItem, nil,
		"queue", it.Queue,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnItemFailed implements ext.ItemFailed.
func (e *Extension) OnItemFailed(ctx context.Context, it *workitem.Item, itemErr error) error {
	return e.record(ctx, ActionItemFailed, SeverityCritical, OutcomeFailure,
		ResourceItem, it.ID.String(), CategoryItem, itemErr,
		"queue", it.Queue,
		"attempts", it.Attempts,
	)
}

// OnItemsSwept implements ext.ItemsSwept.
func (e *Extension) OnItemsSwept(ctx context.Context, queue string, count int64) error {
	return e.record(ctx, ActionItemsSwept, SeverityInfo, OutcomeSuccess,
		ResourceQueue, queue, CategoryItem, nil,
		"count", count,
	)
}

// ── Scheduled job hooks ─────────────────────────────

// OnJobFired implements ext.JobFired.
func (e *Extension) OnJobFired(ctx context.Context, jobName string, elapsed time.Duration) error {
	return e.record(ctx, ActionJobFired, SeverityInfo, OutcomeSuccess,
		ResourceJob, jobName, CategoryJob, nil,
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobSkipped implements ext.JobSkipped.
func (e *Extension) OnJobSkipped(ctx context.Context, jobName string) error {
	return e.record(ctx, ActionJobSkipped, SeverityWarning, OutcomeSuccess,
		ResourceJob, jobName, CategoryJob, nil,
	)
}

// OnJobFailed implements ext.JobFailed.
func (e *Extension) OnJobFailed(ctx context.Context, jobName string, jobErr error) error {
	return e.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure,
		ResourceJob, jobName, CategoryJob, jobErr,
	)
}

// ── Lease and host hooks ────────────────────────────

// OnLeaseLost implements ext.LeaseLost.
func (e *Extension) OnLeaseLost(ctx context.Context, l *lease.Lease, leaseErr error) error {
	return e.record(ctx, ActionLeaseLost, SeverityCritical, OutcomeFailure,
		ResourceLease, l.Name, CategoryLease, leaseErr,
		"lease_id", l.ID.String(),
		"holder", l.Holder,
	)
}

// OnShutdown implements ext.Shutdown.
func (e *Extension) OnShutdown(ctx context.Context) error {
	return e.record(ctx, ActionShutdown, SeverityInfo, OutcomeSuccess,
		ResourceHost, "", CategoryHost, nil,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}
	if severityRank(severity) < e.minRank {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}

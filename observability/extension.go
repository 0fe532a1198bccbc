package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/taskhost/ext"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/workitem"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.ItemEnqueued  = (*MetricsExtension)(nil)
	_ ext.ItemCompleted = (*MetricsExtension)(nil)
	_ ext.ItemFailed    = (*MetricsExtension)(nil)
	_ ext.ItemsSwept    = (*MetricsExtension)(nil)
	_ ext.JobFired      = (*MetricsExtension)(nil)
	_ ext.JobSkipped    = (*MetricsExtension)(nil)
	_ ext.JobFailed     = (*MetricsExtension)(nil)
	_ ext.LeaseLost     = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/taskhost/observability"

// MetricsExtension records system-wide lifecycle counters through an
// OpenTelemetry meter. Register it as a taskhost extension to track
// enqueue rates, completion and failure counts, scheduled job activity,
// lost leases and swept items. Counters carry a "queue" or "job" attribute.
type MetricsExtension struct {
	ItemEnqueued  metric.Int64Counter
	ItemCompleted metric.Int64Counter
	ItemFailed    metric.Int64Counter
	ItemsSwept    metric.Int64Counter
	JobFired      metric.Int64Counter
	JobSkipped    metric.Int64Counter
	JobFailed     metric.Int64Counter
	LeaseLost     metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter. Instrument creation errors fall back to noop instruments.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	return &MetricsExtension{
		ItemEnqueued:  counter("taskhost.item.enqueued", "Work items enqueued"),
		ItemCompleted: counter("taskhost.item.completed", "Work items completed"),
		ItemFailed:    counter("taskhost.item.failed", "Work items failed"),
		ItemsSwept:    counter("taskhost.item.swept", "Terminal work items deleted by the sweeper"),
		JobFired:      counter("taskhost.job.fired", "Scheduled job firings that ran successfully"),
		JobSkipped:    counter("taskhost.job.skipped", "Singleton firings skipped on a busy lock"),
		JobFailed:     counter("taskhost.job.failed", "Scheduled job firings that failed"),
		LeaseLost:     counter("taskhost.lease.lost", "Leases lost during renewal"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Work item hooks ─────────────────────────────────

// OnItemEnqueued implements ext.ItemEnqueued.
func (m *MetricsExtension) OnItemEnqueued(ctx context.Context, it *workitem.Item) error {
	m.ItemEnqueued.Add(ctx, 1, queueAttr(it.Queue))
	return nil
}

// OnItemCompleted implements ext.ItemCompleted.
func (m *MetricsExtension) OnItemCompleted(ctx context.Context, it *workitem.Item, _ time.Duration) error {
	m.ItemCompleted.Add(ctx, 1, queueAttr(it.Queue))
	return nil
}

// OnItemFailed implements ext.ItemFailed.
func (m *MetricsExtension) OnItemFailed(ctx context.Context, it *workitem.Item, _ error) error {
	m.ItemFailed.Add(ctx, 1, queueAttr(it.Queue))
	return nil
}

// OnItemsSwept implements ext.ItemsSwept.
func (m *MetricsExtension) OnItemsSwept(ctx context.Context, queue string, count int64) error {
	m.ItemsSwept.Add(ctx, count, queueAttr(queue))
	return nil
}

// ── Scheduled job hooks ─────────────────────────────

// OnJobFired implements ext.JobFired.
func (m *MetricsExtension) OnJobFired(ctx context.Context, jobName string, _ time.Duration) error {
	m.JobFired.Add(ctx, 1, jobAttr(jobName))
	return nil
}

// OnJobSkipped implements ext.JobSkipped.
func (m *MetricsExtension) OnJobSkipped(ctx context.Context, jobName string) error {
	m.JobSkipped.Add(ctx, 1, jobAttr(jobName))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, jobName string, _ error) error {
	m.JobFailed.Add(ctx, 1, jobAttr(jobName))
	return nil
}

// ── Lease hooks ─────────────────────────────────────

// OnLeaseLost implements ext.LeaseLost.
func (m *MetricsExtension) OnLeaseLost(ctx context.Context, l *lease.Lease, _ error) error {
	m.LeaseLost.Add(ctx, 1, metric.WithAttributes(attribute.String("lease", l.Name)))
	return nil
}

func queueAttr(q string) metric.AddOption {
	return metric.WithAttributes(attribute.String("queue", q))
}

func jobAttr(name string) metric.AddOption {
	return metric.WithAttributes(attribute.String("job", name))
}

package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/xraph/taskhost"

// Metrics records per-execution metrics on the global MeterProvider.
//
// Instruments:
//   - taskhost.execution.duration (Float64Histogram, seconds)
//   - taskhost.executions (Int64Counter)
//
// Both carry kind, name and status, where status is one of the Status*
// constants. Scheduled executions with a group also carry group.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter is Metrics with an explicit meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// Instrument errors yield noop instruments.
	duration, _ := meter.Float64Histogram(
		"taskhost.execution.duration",
		metric.WithDescription("Duration of handler execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"taskhost.executions",
		metric.WithDescription("Handler executions by outcome"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, x *Execution, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		kv := []attribute.KeyValue{
			attribute.String("kind", string(x.Kind)),
			attribute.String("name", x.Name),
			attribute.String("status", StatusOf(ctx, err)),
		}
		if x.Group != "" {
			kv = append(kv, attribute.String("group", x.Group))
		}
		attrs := metric.WithAttributeSet(attribute.NewSet(kv...))

		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		return err
	}
}

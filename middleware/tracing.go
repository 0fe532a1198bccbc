package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xraph/taskhost"

// Tracing wraps each execution in a span from the global TracerProvider.
// The span is named taskhost.<kind>.execute and carries the execution's
// identity and fencing token. A failed execution records the error and
// sets taskhost.status to one of the Status* constants.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer is Tracing with an explicit tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, x *Execution, next Handler) error {
		ctx, span := tracer.Start(ctx, "taskhost."+string(x.Kind)+".execute",
			trace.WithAttributes(spanAttrs(x)...),
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		err := next(ctx)
		status := StatusOf(ctx, err)
		span.SetAttributes(attribute.String("taskhost.status", status))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		span.SetStatus(codes.Ok, "")
		return nil
	}
}

func spanAttrs(x *Execution) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("taskhost.kind", string(x.Kind)),
		attribute.String("taskhost.name", x.Name),
	}
	if !x.LeaseID.IsNil() {
		attrs = append(attrs, attribute.String("taskhost.lease.id", x.LeaseID.String()))
	}
	switch x.Kind {
	case KindQueue:
		attrs = append(attrs,
			attribute.String("taskhost.item.id", x.ItemID.String()),
			attribute.Int("taskhost.attempt", x.Attempt),
		)
	case KindScheduled:
		if x.Group != "" {
			attrs = append(attrs, attribute.String("taskhost.group", x.Group))
		}
	}
	return attrs
}

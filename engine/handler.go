package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/activation"
	"github.com/xraph/taskhost/workitem"
)

// QueueHandler processes one decoded work item. A nil return completes
// the item; any error fails it.
type QueueHandler[T any] interface {
	Process(ctx context.Context, payload T) error
}

// ScheduledHandler runs one firing of a scheduled job. It receives the
// state saved by the previous successful firing (the zero value on the
// first run) and returns the state to persist.
type ScheduledHandler[S any] interface {
	Run(ctx context.Context, state S) (S, error)
}

// RegisterQueueJob registers ctor as the handler for desc.ItemType and a
// consumer for the queue desc describes. A fresh handler is constructed
// for every item.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterQueueJob[T any, H QueueHandler[T]](o *Orchestrator, desc taskhost.QueueDescriptor, ctor func(*activation.Scope) (H, error)) error {
	desc = desc.WithDefaults(o.config)
	name := desc.ItemType
	register := func() error { return activation.Register(o.handlers, name, ctor) }
	return o.addQueue(desc, register, func(ctx context.Context, it *workitem.Item) error {
		return process[T, H](ctx, o, name, it)
	})
}

// RegisterScheduledJob registers ctor as the handler for desc.StateType and
// schedules the job desc describes. State is persisted as JSON between
// successful firings.
func RegisterScheduledJob[S any, H ScheduledHandler[S]](o *Orchestrator, desc taskhost.ScheduledJobDescriptor, ctor func(*activation.Scope) (H, error)) error {
	desc = desc.WithDefaults(o.config)
	name := desc.StateType
	register := func() error { return activation.Register(o.handlers, name, ctor) }
	return o.addJob(desc, register, func(ctx context.Context, state []byte) ([]byte, error) {
		return runScheduled[S, H](ctx, o, name, state)
	})
}

// process activates a handler in a new scope, decodes the item payload and
// hands it over. The scope is closed when the item finishes.
func process[T any, H QueueHandler[T]](ctx context.Context, o *Orchestrator, name string, it *workitem.Item) (err error) {
	scope := activation.NewScope()
	defer func() { closeScope(ctx, o.logger, scope, name, &err) }()

	h, err := activation.Resolve[H](o.handlers, name, scope)
	if err != nil {
		return err
	}

	var payload T
	if err := decode(it.Payload, &payload); err != nil {
		return fmt.Errorf("decode item %s: %w", it.ID, err)
	}
	return h.Process(activation.WithScope(ctx, scope), payload)
}

func runScheduled[S any, H ScheduledHandler[S]](ctx context.Context, o *Orchestrator, name string, raw []byte) (out []byte, err error) {
	scope := activation.NewScope()
	defer func() { closeScope(ctx, o.logger, scope, name, &err) }()

	h, err := activation.Resolve[H](o.handlers, name, scope)
	if err != nil {
		return nil, err
	}

	var state S
	if len(raw) > 0 {
		if err := decode(raw, &state); err != nil {
			return nil, fmt.Errorf("decode state of %q: %w", name, err)
		}
	}

	next, err := h.Run(activation.WithScope(ctx, scope), state)
	if err != nil {
		return nil, err
	}
	return encodePayload(next)
}

// decode unmarshals data into v. A json.RawMessage target takes the bytes
// verbatim so untyped handlers see any payload, JSON or not.
func decode(data []byte, v any) error {
	if raw, ok := v.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	return json.Unmarshal(data, v)
}

// closeScope closes s. A close failure fails an otherwise successful
// execution.
func closeScope(ctx context.Context, logger *slog.Logger, s *activation.Scope, name string, err *error) {
	cerr := s.Close(context.WithoutCancel(ctx))
	if cerr == nil {
		return
	}
	logger.Warn("handler scope close failed",
		slog.String("handler", name),
		slog.String("error", cerr.Error()),
	)
	if *err == nil {
		*err = fmt.Errorf("close scope of %q: %w", name, cerr)
	}
}

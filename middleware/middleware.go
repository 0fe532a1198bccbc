// Package middleware provides composable middleware for handler execution.
// Middleware wraps handler calls synchronously and can modify execution
// (recover from panics, log, add tracing, enforce a deadline, etc.).
package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
)

// Kind distinguishes queue item executions from scheduled job firings.
type Kind string

const (
	// KindQueue is the processing of one dequeued work item.
	KindQueue Kind = "queue"
	// KindScheduled is one firing of a scheduled job.
	KindScheduled Kind = "scheduled"
)

// Execution describes the unit of work a middleware chain wraps.
type Execution struct {
	// Kind is queue or scheduled.
	Kind Kind

	// Name is the queue name for queue executions and the job name for
	// scheduled ones.
	Name string

	// Group is the scheduled job group. Empty for queue executions.
	Group string

	// ItemID is the processed item. Nil for scheduled executions.
	ItemID id.ItemID

	// Attempt is the item's claim count, starting at 1.
	Attempt int

	// LeaseID is the fencing token of the item claim or singleton lock.
	LeaseID id.LeaseID

	// Timeout bounds the execution. Zero means no timeout.
	Timeout time.Duration
}

// Handler is the terminal function that executes handler logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the execution being run, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, x *Execution, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, x *Execution, next Handler) error {
		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, x, prev)
			}
		}
		return h(ctx)
	}
}

// logAttrs returns the common log attributes of x.
func (x *Execution) logAttrs() []any {
	a := []any{
		"kind", string(x.Kind),
		"name", x.Name,
	}
	if !x.ItemID.IsNil() {
		a = append(a, "item_id", x.ItemID.String())
	}
	return a
}

// Status values reported by metrics and tracing.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusPanic     = "panic"
	StatusTimeout   = "timeout"
	StatusLeaseLost = "lease_lost"
)

// StatusOf classifies the result of an execution that ran under ctx.
func StatusOf(ctx context.Context, err error) string {
	var pe *PanicError
	switch {
	case err == nil:
		return StatusOK
	case errors.As(err, &pe):
		return StatusPanic
	case errors.Is(context.Cause(ctx), taskhost.ErrLeaseLost):
		return StatusLeaseLost
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimeout
	default:
		return StatusError
	}
}

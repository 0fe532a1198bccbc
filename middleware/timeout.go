package middleware

import (
	"context"
	"fmt"
	"log/slog"
)

// Timeout returns middleware that bounds an execution by x.Timeout. A zero
// Timeout leaves the context untouched. The handler sees
// context.DeadlineExceeded from ctx.Err(), and context.Cause names the
// execution that ran out of time.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, x *Execution, next Handler) error {
		if x.Timeout <= 0 {
			return next(ctx)
		}
		logger.Debug("execution deadline set",
			append(x.logAttrs(), slog.Duration("timeout", x.Timeout))...,
		)
		cause := fmt.Errorf("%s %s exceeded %s: %w", x.Kind, x.Name, x.Timeout, context.DeadlineExceeded)
		ctx, cancel := context.WithTimeoutCause(ctx, x.Timeout, cause)
		defer cancel()
		return next(ctx)
	}
}

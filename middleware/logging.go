package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/taskhost"
)

// Logging returns middleware that logs each execution's outcome with its
// elapsed time. An execution aborted because its lease was lost is logged
// at Warn, other failures at Error.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, x *Execution, next Handler) error {
		logger.Debug("execution started", x.logAttrs()...)

		start := time.Now()
		err := next(ctx)
		attrs := append(x.logAttrs(), slog.Duration("elapsed", time.Since(start)))

		switch {
		case err == nil:
			logger.Info("execution completed", attrs...)
		case errors.Is(context.Cause(ctx), taskhost.ErrLeaseLost):
			logger.Warn("execution aborted: lease lost",
				append(attrs, slog.String("error", err.Error()))...,
			)
		default:
			logger.Error("execution failed",
				append(attrs, slog.String("error", err.Error()))...,
			)
		}
		return err
	}
}

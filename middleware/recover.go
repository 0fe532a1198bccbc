package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// PanicError is returned by Recover when a handler panics. The item or
// firing is then failed like any other handler error.
type PanicError struct {
	Kind  Kind
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s %s: panic: %v", e.Kind, e.Name, e.Value)
}

// Recover returns middleware that turns a panic anywhere below it into a
// *PanicError and logs the stack.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, x *Execution, next Handler) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			pe := &PanicError{Kind: x.Kind, Name: x.Name, Value: r, Stack: debug.Stack()}
			logger.Error("handler panicked",
				append(x.logAttrs(),
					slog.Any("panic", r),
					slog.String("stack", string(pe.Stack)),
				)...,
			)
			err = pe
		}()
		return next(ctx)
	}
}

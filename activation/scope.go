package activation

import (
	"context"
	"errors"
	"sync"
)

// Scope is the lifetime of one execution: one dequeued item or one
// scheduled firing.
type Scope struct {
	mu      sync.Mutex
	values  map[any]any
	closers []func(context.Context) error
	closed  bool
}

// NewScope opens an empty scope.
func NewScope() *Scope {
	return &Scope{values: make(map[any]any)}
}

// Set stores a value for the lifetime of the scope.
func (s *Scope) Set(key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Value returns the value stored under key, or nil.
func (s *Scope) Value(key any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// OnClose registers fn to run when the scope closes. Callbacks run in
// reverse registration order.
func (s *Scope) OnClose(fn func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

// Close runs the registered callbacks and drops all values. Closing twice
// is a no-op.
func (s *Scope) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	s.values = nil
	s.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type scopeKey struct{}

// WithScope attaches s to ctx.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the execution scope carried by ctx.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok
}

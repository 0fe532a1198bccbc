package activation

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/taskhost"
)

// Constructor builds a handler inside an execution scope.
type Constructor func(s *Scope) (any, error)

// Registry maps handler type names to constructors.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	ctors  map[string]Constructor
	sealed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a constructor under name. Names are unique, and nothing
// can be added once the registry is sealed.
func (r *Registry) Register(name string, ctor Constructor) error {
	if name == "" || ctor == nil {
		return fmt.Errorf("%w: handler name and constructor are required", taskhost.ErrInvalidDescriptor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return taskhost.ErrAlreadyStarted
	}
	if _, exists := r.ctors[name]; exists {
		return fmt.Errorf("activation: handler %q already registered", name)
	}
	r.ctors[name] = ctor
	return nil
}

// Register adds a typed constructor under name.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[H any](r *Registry, name string, ctor func(s *Scope) (H, error)) error {
	if ctor == nil {
		return r.Register(name, nil)
	}
	return r.Register(name, func(s *Scope) (any, error) {
		return ctor(s)
	})
}

// Seal freezes the registry.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[name]
	return ok
}

// Activate calls the constructor for name inside s and returns the new
// handler instance.
func (r *Registry) Activate(name string, s *Scope) (any, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", taskhost.ErrHandlerNotFound, name)
	}

	h, err := ctor(s)
	if err != nil {
		return nil, fmt.Errorf("activate %q: %w", name, err)
	}
	return h, nil
}

// Resolve activates name in s and asserts the result to H.
func Resolve[H any](r *Registry, name string, s *Scope) (H, error) {
	var zero H

	h, err := r.Activate(name, s)
	if err != nil {
		return zero, err
	}
	typed, ok := h.(H)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %T", taskhost.ErrHandlerTypeMismatch, name, h)
	}
	return typed, nil
}

// Names returns all registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for name := range r.ctors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

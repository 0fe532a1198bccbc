package k8s

import (
	"log/slog"
	"time"
)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithNamePrefix sets the prefix of Lease object names.
// Default: "taskhost-".
func WithNamePrefix(prefix string) Option {
	return func(s *Store) { s.namePrefix = prefix }
}

// WithAnnotationPrefix sets the prefix for taskhost annotations on Leases.
// Default: "taskhost.xraph.com/".
func WithAnnotationPrefix(prefix string) Option {
	return func(s *Store) { s.annotationPrefix = prefix }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

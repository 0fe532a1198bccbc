package redis

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/taskhost/jobstate"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/workitem"
)

// Compile-time interface checks.
var (
	_ workitem.Store = (*Store)(nil)
	_ lease.Store    = (*Store)(nil)
	_ jobstate.Store = (*Store)(nil)
)

// DefaultKeyPrefix is prepended to every key unless WithKeyPrefix is used.
// The braces are a Redis Cluster hash tag: every key maps to one slot.
const DefaultKeyPrefix = "{taskhost}:"

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix namespaces every key, so several deployments can share
// one Redis database. A prefix without a hash tag is wrapped in one, so
// "acme:" becomes "{acme}:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = hashTagged(prefix) }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis client
// lifecycle.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultKeyPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// Migrate loads every Lua script into the server's script cache. Redis is
// otherwise schemaless.
func (s *Store) Migrate(ctx context.Context) error {
	for _, sc := range allScripts {
		if err := sc.Load(ctx, s.client).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op: the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// ── helpers ──────────────────────────────────────────────────────

// hashReply turns a flat field/value array returned by a script into a map.
func hashReply(v any) map[string]string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	m := make(map[string]string, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		k, _ := arr[i].(string)
		val, _ := arr[i+1].(string)
		m[k] = val
	}
	return m
}

// Timestamps are Unix milliseconds, durations whole milliseconds.

func millis(d time.Duration) int64 { return d.Milliseconds() }

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func optMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	t := fromMillis(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

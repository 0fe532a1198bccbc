// Package ext defines the extension system for taskhost.
// Extensions are notified of lifecycle events (item enqueued, completed,
// failed, job fired or skipped, lease lost) and can react to them with
// logging, metrics, tracing, etc.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/workitem"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Work item lifecycle hooks
// ──────────────────────────────────────────────────

// ItemEnqueued is called after an item is accepted into its queue.
type ItemEnqueued interface {
	OnItemEnqueued(ctx context.Context, item *workitem.Item) error
}

// ItemStarted is called when a consumer begins processing a claimed item.
type ItemStarted interface {
	OnItemStarted(ctx context.Context, item *workitem.Item) error
}

// ItemCompleted is called after an item is processed successfully.
type ItemCompleted interface {
	OnItemCompleted(ctx context.Context, item *workitem.Item, elapsed time.Duration) error
}

// ItemFailed is called after a handler fails an item.
type ItemFailed interface {
	OnItemFailed(ctx context.Context, item *workitem.Item, err error) error
}

// ItemsSwept is called after the sweeper deletes terminal items.
type ItemsSwept interface {
	OnItemsSwept(ctx context.Context, queue string, count int64) error
}

// ──────────────────────────────────────────────────
// Scheduled job lifecycle hooks
// ──────────────────────────────────────────────────

// JobFired is called after a scheduled job's handler completes
// successfully.
type JobFired interface {
	OnJobFired(ctx context.Context, jobName string, elapsed time.Duration) error
}

// JobSkipped is called when a singleton firing is skipped because another
// holder has the lock.
type JobSkipped interface {
	OnJobSkipped(ctx context.Context, jobName string) error
}

// JobFailed is called when a scheduled job's handler fails.
type JobFailed interface {
	OnJobFailed(ctx context.Context, jobName string, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// LeaseLost is called when a held lease could not be renewed.
type LeaseLost interface {
	OnLeaseLost(ctx context.Context, l *lease.Lease, err error) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}

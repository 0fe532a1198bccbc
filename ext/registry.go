package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/workitem"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type itemEnqueuedEntry struct {
	name string
	hook ItemEnqueued
}

type itemStartedEntry struct {
	name string
	hook ItemStarted
}

type itemCompletedEntry struct {
	name string
	hook ItemCompleted
}

type itemFailedEntry struct {
	name string
	hook ItemFailed
}

type itemsSweptEntry struct {
	name string
	hook ItemsSwept
}

type jobFiredEntry struct {
	name string
	hook JobFired
}

type jobSkippedEntry struct {
	name string
	hook JobSkipped
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type leaseLostEntry struct {
	name string
	hook LeaseLost
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
//
// Register extensions before the host starts; emit methods are then safe
// for concurrent use.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	itemEnqueued  []itemEnqueuedEntry
	itemStarted   []itemStartedEntry
	itemCompleted []itemCompletedEntry
	itemFailed    []itemFailedEntry
	itemsSwept    []itemsSweptEntry
	jobFired      []jobFiredEntry
	jobSkipped    []jobSkippedEntry
	jobFailed     []jobFailedEntry
	leaseLost     []leaseLostEntry
	shutdown      []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(ItemEnqueued); ok {
		r.itemEnqueued = append(r.itemEnqueued, itemEnqueuedEntry{name, h})
	}
	if h, ok := e.(ItemStarted); ok {
		r.itemStarted = append(r.itemStarted, itemStartedEntry{name, h})
	}
	if h, ok := e.(ItemCompleted); ok {
		r.itemCompleted = append(r.itemCompleted, itemCompletedEntry{name, h})
	}
	if h, ok := e.(ItemFailed); ok {
		r.itemFailed = append(r.itemFailed, itemFailedEntry{name, h})
	}
	if h, ok := e.(ItemsSwept); ok {
		r.itemsSwept = append(r.itemsSwept, itemsSweptEntry{name, h})
	}
	if h, ok := e.(JobFired); ok {
		r.jobFired = append(r.jobFired, jobFiredEntry{name, h})
	}
	if h, ok := e.(JobSkipped); ok {
		r.jobSkipped = append(r.jobSkipped, jobSkippedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(LeaseLost); ok {
		r.leaseLost = append(r.leaseLost, leaseLostEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Work item event emitters
// ──────────────────────────────────────────────────

// EmitItemEnqueued notifies all extensions that implement ItemEnqueued.
func (r *Registry) EmitItemEnqueued(ctx context.Context, item *workitem.Item) {
	for _, e := range r.itemEnqueued {
		if err := e.hook.OnItemEnqueued(ctx, item); err != nil {
			r.logHookError("OnItemEnqueued", e.name, err)
		}
	}
}

// EmitItemStarted notifies all extensions that implement ItemStarted.
func (r *Registry) EmitItemStarted(ctx context.Context, item *workitem.Item) {
	for _, e := range r.itemStarted {
		if err := e.hook.OnItemStarted(ctx, item); err != nil {
			r.logHookError("OnItemStarted", e.name, err)
		}
	}
}

// EmitItemCompleted notifies all extensions that implement ItemCompleted.
func (r *Registry) EmitItemCompleted(ctx context.Context, item *workitem.Item, elapsed time.Duration) {
	for _, e := range r.itemCompleted {
		if err := e.hook.OnItemCompleted(ctx, item, elapsed); err != nil {
			r.logHookError("OnItemCompleted", e.name, err)
		}
	}
}

// EmitItemFailed notifies all extensions that implement ItemFailed.
func (r *Registry) EmitItemFailed(ctx context.Context, item *workitem.Item, itemErr error) {
	for _, e := range r.itemFailed {
		if err := e.hook.OnItemFailed(ctx, item, itemErr); err != nil {
			r.logHookError("OnItemFailed", e.name, err)
		}
	}
}

// EmitItemsSwept notifies all extensions that implement ItemsSwept.
func (r *Registry) EmitItemsSwept(ctx context.Context, queue string, count int64) {
	for _, e := range r.itemsSwept {
		if err := e.hook.OnItemsSwept(ctx, queue, count); err != nil {
			r.logHookError("OnItemsSwept", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Scheduled job event emitters
// ──────────────────────────────────────────────────

// EmitJobFired notifies all extensions that implement JobFired.
func (r *Registry) EmitJobFired(ctx context.Context, jobName string, elapsed time.Duration) {
	for _, e := range r.jobFired {
		if err := e.hook.OnJobFired(ctx, jobName, elapsed); err != nil {
			r.logHookError("OnJobFired", e.name, err)
		}
	}
}

// EmitJobSkipped notifies all extensions that implement JobSkipped.
func (r *Registry) EmitJobSkipped(ctx context.Context, jobName string) {
	for _, e := range r.jobSkipped {
		if err := e.hook.OnJobSkipped(ctx, jobName); err != nil {
			r.logHookError("OnJobSkipped", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, jobName string, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, jobName, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitLeaseLost notifies all extensions that implement LeaseLost.
func (r *Registry) EmitLeaseLost(ctx context.Context, l *lease.Lease, leaseErr error) {
	for _, e := range r.leaseLost {
		if err := e.hook.OnLeaseLost(ctx, l, leaseErr); err != nil {
			r.logHookError("OnLeaseLost", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated; they must not block the pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}

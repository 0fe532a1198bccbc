// Package worker provides the queue consumer engine: an Executor that runs
// one claimed item through middleware and its handler, and a Pool that
// drives a queue's consumer loops with adaptive polling.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/ext"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/middleware"
	"github.com/xraph/taskhost/workitem"
)

// Processor runs the queue's handler for one claimed item. A nil return
// completes the item; an error fails it.
type Processor func(ctx context.Context, item *workitem.Item) error

// Executor runs a single claimed item through middleware and the
// processor, keeps the item's lease alive while it runs, then records the
// outcome and emits lifecycle events.
type Executor struct {
	desc       taskhost.QueueDescriptor
	store      workitem.Store
	process    Processor
	extensions *ext.Registry
	mw         middleware.Middleware
	holder     string
	logger     *slog.Logger
}

// NewExecutor creates an Executor for the queue described by desc.
func NewExecutor(
	desc taskhost.QueueDescriptor,
	store workitem.Store,
	process Processor,
	extensions *ext.Registry,
	holder string,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		desc:       desc,
		store:      store,
		process:    process,
		extensions: extensions,
		mw:         middleware.Chain(mws...),
		holder:     holder,
		logger:     logger,
	}
}

// Execute processes a claimed item. It returns the handler error, if any;
// failures to record the outcome are logged, never returned, because the
// item lease will lapse and the item becomes claimable again.
//
// If the item lease cannot be renewed while the handler runs, the handler
// context is cancelled with cause taskhost.ErrLeaseLost.
func (e *Executor) Execute(ctx context.Context, it *workitem.Item) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ctx = taskhost.WithLeaseToken(ctx, it.LeaseID)
	ctx = taskhost.WithHolder(ctx, e.holder)

	stopRenew := e.keepAlive(ctx, cancel, it)

	e.extensions.EmitItemStarted(ctx, it)

	x := &middleware.Execution{
		Kind:    middleware.KindQueue,
		Name:    e.desc.Name,
		ItemID:  it.ID,
		Attempt: it.Attempts,
		LeaseID: it.LeaseID,
		Timeout: e.desc.Timeout,
	}

	start := time.Now()
	err := e.mw(ctx, x, func(ctx context.Context) error {
		return e.process(ctx, it)
	})
	elapsed := time.Since(start)
	stopRenew()

	if cause := context.Cause(ctx); errors.Is(cause, taskhost.ErrLeaseLost) && err == nil {
		err = cause
	}

	// Recording the outcome must survive a cancelled handler context.
	storeCtx := context.WithoutCancel(ctx)
	if err != nil {
		e.fail(storeCtx, it, err)
		return err
	}
	e.complete(storeCtx, it, elapsed)
	return nil
}

func (e *Executor) complete(ctx context.Context, it *workitem.Item, elapsed time.Duration) {
	applied, err := e.store.CompleteItem(ctx, it.ID, it.LeaseID)
	if err != nil {
		e.logger.Warn("failed to record item completion",
			slog.String("queue", e.desc.Name),
			slog.String("item_id", it.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !applied {
		e.logger.Warn("item lease lost before completion was recorded",
			slog.String("queue", e.desc.Name),
			slog.String("item_id", it.ID.String()),
		)
		return
	}

	it.Status = workitem.StatusCompleted
	e.extensions.EmitItemCompleted(ctx, it, elapsed)
}

func (e *Executor) fail(ctx context.Context, it *workitem.Item, handlerErr error) {
	applied, err := e.store.FailItem(ctx, it.ID, it.LeaseID, handlerErr.Error())
	if err != nil {
		e.logger.Warn("failed to record item failure",
			slog.String("queue", e.desc.Name),
			slog.String("item_id", it.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	if !applied {
		e.logger.Warn("item lease lost before failure was recorded",
			slog.String("queue", e.desc.Name),
			slog.String("item_id", it.ID.String()),
		)
		return
	}

	it.Status = workitem.StatusFailed
	it.LastError = handlerErr.Error()
	e.logger.Error("item failed",
		slog.String("queue", e.desc.Name),
		slog.String("item_id", it.ID.String()),
		slog.Int("attempt", it.Attempts),
		slog.String("error", handlerErr.Error()),
	)
	e.extensions.EmitItemFailed(ctx, it, handlerErr)
}

// keepAlive renews the item lease every third of the lease duration until
// the returned function is called.
func (e *Executor) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, it *workitem.Item) func() {
	d := e.desc.LeaseDuration
	interval := d / 3
	if interval <= 0 {
		return func() {}
	}

	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		expiresAt := time.Now().Add(d)
		if it.LeaseExpiresAt != nil {
			expiresAt = *it.LeaseExpiresAt
		}

		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			ok, err := e.store.ExtendItemLease(context.WithoutCancel(ctx), it.ID, it.LeaseID, d)
			switch {
			case err == nil && ok:
				expiresAt = time.Now().Add(d)
				continue
			case err != nil && time.Now().Before(expiresAt):
				e.logger.Warn("item lease renewal failed, retrying",
					slog.String("queue", e.desc.Name),
					slog.String("item_id", it.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}

			if err == nil {
				err = taskhost.ErrLeaseDenied
			}
			e.logger.Error("item lease lost",
				slog.String("queue", e.desc.Name),
				slog.String("item_id", it.ID.String()),
				slog.String("error", err.Error()),
			)
			e.extensions.EmitLeaseLost(ctx, &lease.Lease{
				Name:      e.desc.Name + "/" + it.ID.String(),
				ID:        it.LeaseID,
				Holder:    e.holder,
				ExpiresAt: expiresAt,
			}, err)
			cancel(fmt.Errorf("%w: item %s: %w", taskhost.ErrLeaseLost, it.ID, err))
			return
		}
	}()

	return func() {
		close(stopCh)
		<-done
	}
}

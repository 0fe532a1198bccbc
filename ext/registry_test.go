package ext_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/taskhost/ext"
	"github.com/xraph/taskhost/lease"
	"github.com/xraph/taskhost/workitem"
)

// ──────────────────────────────────────────────────
// Test extensions
// ──────────────────────────────────────────────────

// allHooksExt implements every lifecycle hook for testing.
type allHooksExt struct {
	calls []string
}

func (e *allHooksExt) Name() string { return "all-hooks" }

func (e *allHooksExt) OnItemEnqueued(_ context.Context, _ *workitem.Item) error {
	e.calls = append(e.calls, "OnItemEnqueued")
	return nil
}

func (e *allHooksExt) OnItemStarted(_ context.Context, _ *workitem.Item) error {
	e.calls = append(e.calls, "OnItemStarted")
	return nil
}

func (e *allHooksExt) OnItemCompleted(_ context.Context, _ *workitem.Item, _ time.Duration) error {
	e.calls = append(e.calls, "OnItemCompleted")
	return nil
}

func (e *allHooksExt) OnItemFailed(_ context.Context, _ *workitem.Item, _ error) error {
	e.calls = append(e.calls, "OnItemFailed")
	return nil
}

func (e *allHooksExt) OnItemsSwept(_ context.Context, _ string, _ int64) error {
	e.calls = append(e.calls, "OnItemsSwept")
	return nil
}

func (e *allHooksExt) OnJobFired(_ context.Context, _ string, _ time.Duration) error {
	e.calls = append(e.calls, "OnJobFired")
	return nil
}

func (e *allHooksExt) OnJobSkipped(_ context.Context, _ string) error {
	e.calls = append(e.calls, "OnJobSkipped")
	return nil
}

func (e *allHooksExt) OnJobFailed(_ context.Context, _ string, _ error) error {
	e.calls = append(e.calls, "OnJobFailed")
	return nil
}

func (e *allHooksExt) OnLeaseLost(_ context.Context, _ *lease.Lease, _ error) error {
	e.calls = append(e.calls, "OnLeaseLost")
	return nil
}

func (e *allHooksExt) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "OnShutdown")
	return nil
}

// itemOnlyExt only implements item-related hooks.
type itemOnlyExt struct {
	calls []string
}

func (e *itemOnlyExt) Name() string { return "item-only" }

func (e *itemOnlyExt) OnItemEnqueued(_ context.Context, _ *workitem.Item) error {
	e.calls = append(e.calls, "OnItemEnqueued")
	return nil
}

// failingExt returns errors from hooks.
type failingExt struct{}

func (e *failingExt) Name() string { return "failing" }

func (e *failingExt) OnItemEnqueued(_ context.Context, _ *workitem.Item) error {
	return errors.New("boom")
}

func (e *failingExt) OnShutdown(_ context.Context) error {
	return errors.New("shutdown boom")
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRegistry_EmitFiresOnlyImplementors(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	io := &itemOnlyExt{}
	r.Register(all)
	r.Register(io)

	ctx := context.Background()
	it := &workitem.Item{Queue: "q"}

	r.EmitItemEnqueued(ctx, it)
	if len(all.calls) != 1 || len(io.calls) != 1 {
		t.Fatalf("expected both called once, got all=%v io=%v", all.calls, io.calls)
	}

	r.EmitItemStarted(ctx, it)
	if len(all.calls) != 2 || all.calls[1] != "OnItemStarted" {
		t.Fatalf("all: expected OnItemStarted as 2nd, got %v", all.calls)
	}
	if len(io.calls) != 1 {
		t.Fatalf("io: should still have 1 call, got %v", io.calls)
	}
}

func TestRegistry_AllHooksFire(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}
	r.Register(all)

	ctx := context.Background()
	it := &workitem.Item{Queue: "q"}

	r.EmitItemEnqueued(ctx, it)
	r.EmitItemStarted(ctx, it)
	r.EmitItemCompleted(ctx, it, time.Second)
	r.EmitItemFailed(ctx, it, errors.New("fail"))
	r.EmitItemsSwept(ctx, "q", 3)
	r.EmitJobFired(ctx, "digest", time.Second)
	r.EmitJobSkipped(ctx, "digest")
	r.EmitJobFailed(ctx, "digest", errors.New("fail"))
	r.EmitLeaseLost(ctx, &lease.Lease{Name: "digest"}, errors.New("denied"))
	r.EmitShutdown(ctx)

	expected := []string{
		"OnItemEnqueued", "OnItemStarted", "OnItemCompleted", "OnItemFailed",
		"OnItemsSwept", "OnJobFired", "OnJobSkipped", "OnJobFailed",
		"OnLeaseLost", "OnShutdown",
	}
	if len(all.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d: %v", len(expected), len(all.calls), all.calls)
	}
	for i, want := range expected {
		if all.calls[i] != want {
			t.Errorf("call[%d] = %q, want %q", i, all.calls[i], want)
		}
	}
}

func TestRegistry_HookErrorsLoggedNotPropagated(t *testing.T) {
	r := ext.NewRegistry(slog.Default())
	all := &allHooksExt{}

	// Register failing first, then all-hooks. Both should be called.
	r.Register(&failingExt{})
	r.Register(all)

	r.EmitItemEnqueued(context.Background(), &workitem.Item{})
	r.EmitShutdown(context.Background())

	if len(all.calls) != 2 {
		t.Fatalf("all: expected 2 calls despite failing ext, got %v", all.calls)
	}
}

func TestRegistry_EmptyRegistryNoOp(_ *testing.T) {
	r := ext.NewRegistry(slog.Default())
	ctx := context.Background()

	// None of these should panic.
	r.EmitItemEnqueued(ctx, &workitem.Item{})
	r.EmitItemStarted(ctx, &workitem.Item{})
	r.EmitItemCompleted(ctx, &workitem.Item{}, time.Second)
	r.EmitItemFailed(ctx, &workitem.Item{}, errors.New("x"))
	r.EmitItemsSwept(ctx, "q", 1)
	r.EmitJobFired(ctx, "j", time.Second)
	r.EmitJobSkipped(ctx, "j")
	r.EmitJobFailed(ctx, "j", errors.New("x"))
	r.EmitLeaseLost(ctx, &lease.Lease{}, errors.New("x"))
	r.EmitShutdown(ctx)
}

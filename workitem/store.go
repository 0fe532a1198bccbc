package workitem

import (
	"context"
	"time"

	"github.com/xraph/taskhost/id"
)

// Claim describes the lease a consumer requests when dequeuing.
type Claim struct {
	// Holder identifies the claiming host instance.
	Holder string
	// Duration is how long the claim lasts before it may be reclaimed.
	Duration time.Duration
}

// Store defines the persistence contract for work queues.
//
// Every mutation must be a single atomic claim or compare-and-set against
// the stored lease ID; there must be no read-then-write window.
type Store interface {
	// EnqueueItem appends a pending item to the tail of its queue.
	EnqueueItem(ctx context.Context, item *Item) error

	// DequeueItem atomically claims the oldest eligible item of queue
	// (pending, or leased with an expired lease), stamps a fresh lease ID
	// and expiry, and returns it. Returns nil, nil when nothing is
	// eligible.
	DequeueItem(ctx context.Context, queue string, claim Claim) (*Item, error)

	// ExtendItemLease pushes the lease expiry of a leased item forward.
	// Returns false if leaseID is no longer the item's unexpired lease.
	ExtendItemLease(ctx context.Context, itemID id.ItemID, leaseID id.LeaseID, d time.Duration) (bool, error)

	// CompleteItem marks a leased item completed. Returns false, and
	// changes nothing, if leaseID no longer matches.
	CompleteItem(ctx context.Context, itemID id.ItemID, leaseID id.LeaseID) (bool, error)

	// FailItem marks a leased item failed with reason. Returns false, and
	// changes nothing, if leaseID no longer matches.
	FailItem(ctx context.Context, itemID id.ItemID, leaseID id.LeaseID, reason string) (bool, error)

	// GetItem retrieves an item by ID.
	GetItem(ctx context.Context, itemID id.ItemID) (*Item, error)

	// SweepItems deletes up to limit terminal items of queue that finished
	// before cutoff and returns how many were removed. Pending items and
	// items with an unexpired lease are never deleted.
	SweepItems(ctx context.Context, queue string, cutoff time.Time, limit int) (int64, error)

	// CountItems returns per-status counts for queue.
	CountItems(ctx context.Context, queue string) (Counts, error)
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/workitem"
)

// EnqueueItem stores the item as a Hash and adds it to the queue's pending
// Sorted Set.
func (s *Store) EnqueueItem(ctx context.Context, it *workitem.Item) error {
	itemID := it.ID.String()
	enqueued := it.EnqueuedAt
	if enqueued.IsZero() {
		enqueued = time.Now().UTC()
	}

	n, err := enqueueScript.Run(ctx, s.client,
		[]string{s.itemKey(itemID), s.pendingKey(it.Queue)},
		itemID, it.Queue, it.Payload, toMillis(enqueued),
	).Int()
	if err != nil {
		return fmt.Errorf("taskhost/redis: enqueue item: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("taskhost/redis: enqueue item %s: duplicate id", itemID)
	}
	return nil
}

// DequeueItem claims the oldest pending item of queue, first returning
// items with expired leases to the pending set.
func (s *Store) DequeueItem(ctx context.Context, queue string, claim workitem.Claim) (*workitem.Item, error) {
	res, err := dequeueScript.Run(ctx, s.client,
		[]string{s.pendingKey(queue), s.leasedKey(queue)},
		s.prefix, id.NewLeaseID().String(), millis(claim.Duration), claim.Holder,
	).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil //nolint:nilnil // empty queue is not an error
		}
		return nil, fmt.Errorf("taskhost/redis: dequeue item: %w", err)
	}
	return itemFromHash(hashReply(res))
}

// ExtendItemLease pushes the item's lease expiry to now+d.
func (s *Store) ExtendItemLease(ctx context.Context, itemID id.ItemID, leaseID id.LeaseID, d time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.client,
		[]string{s.itemKey(itemID.String())},
		leaseID.String(), millis(d), s.prefix, itemID.String(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("taskhost/redis: extend item lease: %w", err)
	}
	return n == 1, nil
}

// CompleteItem marks a leased item completed.
func (s *Store) CompleteItem(ctx context.Context, itemID id.ItemID, leaseID id.LeaseID) (bool, error) {
	return s.finish(ctx, itemID, leaseID, workitem.StatusCompleted, "")
}

// FailItem marks a leased item failed.
func (s *Store) FailItem(ctx context.Context, itemID id.ItemID, leaseID id.LeaseID, reason string) (bool, error) {
	return s.finish(ctx, itemID, leaseID, workitem.StatusFailed, reason)
}

func (s *Store) finish(ctx context.Context, itemID id.ItemID, leaseID id.LeaseID, status workitem.Status, reason string) (bool, error) {
	n, err := finishScript.Run(ctx, s.client,
		[]string{s.itemKey(itemID.String())},
		leaseID.String(), string(status), reason, s.prefix, itemID.String(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("taskhost/redis: finish item: %w", err)
	}
	return n == 1, nil
}

// GetItem retrieves an item by ID.
func (s *Store) GetItem(ctx context.Context, itemID id.ItemID) (*workitem.Item, error) {
	m, err := s.client.HGetAll(ctx, s.itemKey(itemID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("taskhost/redis: get item: %w", err)
	}
	if len(m) == 0 {
		return nil, taskhost.ErrItemNotFound
	}
	return itemFromHash(m)
}

// SweepItems deletes up to limit terminal items finished before cutoff,
// oldest first.
func (s *Store) SweepItems(ctx context.Context, queue string, cutoff time.Time, limit int) (int64, error) {
	n, err := sweepScript.Run(ctx, s.client,
		[]string{s.doneKey(queue), s.countsKey(queue)},
		s.prefix, toMillis(cutoff), limit,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("taskhost/redis: sweep items: %w", err)
	}
	return n, nil
}

// CountItems returns per-status counts for queue.
func (s *Store) CountItems(ctx context.Context, queue string) (workitem.Counts, error) {
	var c workitem.Counts

	pipe := s.client.Pipeline()
	pending := pipe.ZCard(ctx, s.pendingKey(queue))
	leased := pipe.ZCard(ctx, s.leasedKey(queue))
	terminal := pipe.HGetAll(ctx, s.countsKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return c, fmt.Errorf("taskhost/redis: count items: %w", err)
	}

	c.Pending = pending.Val()
	c.Leased = leased.Val()
	for status, v := range terminal.Val() {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		c.Add(workitem.Status(status), n)
	}
	return c, nil
}

func itemFromHash(m map[string]string) (*workitem.Item, error) {
	itemID, err := id.ParseItemID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("taskhost/redis: parse item id %q: %w", m["id"], err)
	}

	it := &workitem.Item{
		ID:             itemID,
		Queue:          m["queue"],
		Payload:        []byte(m["payload"]),
		Status:         workitem.Status(m["status"]),
		LeaseExpiresAt: optMillis(m["lease_expires_at"]),
		Holder:         m["holder"],
		LastError:      m["last_error"],
		EnqueuedAt:     fromMillis(m["enqueued_at"]),
		UpdatedAt:      fromMillis(m["updated_at"]),
		FinishedAt:     optMillis(m["finished_at"]),
	}
	if v := m["attempts"]; v != "" {
		it.Attempts, _ = strconv.Atoi(v)
	}
	if v := m["lease_id"]; v != "" {
		if it.LeaseID, err = id.ParseLeaseID(v); err != nil {
			return nil, fmt.Errorf("taskhost/redis: parse lease id %q: %w", v, err)
		}
	}
	return it, nil
}

package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/workitem"
)

// EnqueueItem persists a new item in pending state.
func (s *Store) EnqueueItem(ctx context.Context, it *workitem.Item) error {
	m := toItemModel(it)
	m.Status = string(workitem.StatusPending)
	m.LeaseID, m.LeaseExpiresAt, m.FinishedAt = nil, nil, nil
	m.Attempts = 0

	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("taskhost/bun: enqueue item %s: duplicate id", it.ID)
		}
		return fmt.Errorf("taskhost/bun: enqueue item: %w", err)
	}
	return nil
}

// DequeueItem atomically claims the oldest pending item of queue, or the
// oldest leased item whose lease has expired. Uses SELECT FOR UPDATE SKIP
// LOCKED via raw SQL so concurrent callers never claim the same row.
func (s *Store) DequeueItem(ctx context.Context, queue string, claim workitem.Claim) (*workitem.Item, error) {
	m := new(itemModel)
	err := s.db.NewRaw(`
		UPDATE taskhost_items
		SET status = 'leased',
		    lease_id = ?1,
		    lease_expires_at = NOW() + make_interval(secs => ?2),
		    holder = ?3,
		    attempts = attempts + 1,
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM taskhost_items
			WHERE queue = ?0
			  AND (status = 'pending'
			       OR (status = 'leased' AND lease_expires_at <= NOW()))
			ORDER BY enqueued_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING *`,
		queue, id.NewLeaseID().String(), seconds(claim.Duration), claim.Holder,
	).Scan(ctx, m)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // empty queue is not an error
		}
		return nil, fmt.Errorf("taskhost/bun: dequeue item: %w", err)
	}
	return fromItemModel(m)
}

// ExtendItemLease pushes the item's lease expiry to NOW()+d.
func (s *Store) ExtendItemLease(ctx context.Context, itemID id.ItemID, leaseID id.LeaseID, d time.Duration) (bool, error) {
	res, err := s.db.NewUpdate().
		Model((*itemModel)(nil)).
		Set("lease_expires_at = NOW() + make_interval(secs => ?)", seconds(d)).
		Set("updated_at = NOW()").
		Where("id = ?", itemID.String()).
		Where("lease_id = ?", leaseID.String()).
		Where("status = 'leased'").
		Where("lease_expires_at > NOW()").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("taskhost/bun: extend item lease: %w", err)
	}
	return affected(res) > 0, nil
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
	res, err := s.db.NewUpdate().
		Model((*itemModel)(nil)).
		Set("status = ?", string(status)).
		Set("last_error = ?", reason).
		Set("lease_id = NULL").
		Set("lease_expires_at = NULL").
		Set("finished_at = NOW()").
		Set("updated_at = NOW()").
		Where("id = ?", itemID.String()).
		Where("lease_id = ?", leaseID.String()).
		Where("status = 'leased'").
		Where("lease_expires_at > NOW()").
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("taskhost/bun: finish item: %w", err)
	}
	return affected(res) > 0, nil
}

// GetItem retrieves an item by ID.
func (s *Store) GetItem(ctx context.Context, itemID id.ItemID) (*workitem.Item, error) {
	m := new(itemModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", itemID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrItemNotFound
		}
		return nil, fmt.Errorf("taskhost/bun: get item: %w", err)
	}
	return fromItemModel(m)
}

// SweepItems deletes up to limit terminal items finished before cutoff,
// oldest first. Rows locked by a concurrent sweep are skipped. The cutoff
// is applied as an age against the database clock, which also stamps
// finished_at.
func (s *Store) SweepItems(ctx context.Context, queue string, cutoff time.Time, limit int) (int64, error) {
	victims := s.db.NewSelect().
		TableExpr("taskhost_items").
		Column("id").
		Where("queue = ?", queue).
		Where("status IN ('completed', 'failed')").
		Where("COALESCE(finished_at, updated_at) < NOW() - make_interval(secs => ?)", seconds(time.Since(cutoff))).
		Where("(lease_expires_at IS NULL OR lease_expires_at <= NOW())").
		OrderExpr("enqueued_at ASC, id ASC").
		For("UPDATE SKIP LOCKED").
		Limit(limit)

	res, err := s.db.NewDelete().
		TableExpr("taskhost_items").
		Where("id IN (?)", victims).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("taskhost/bun: sweep items: %w", err)
	}
	return affected(res), nil
}

// CountItems returns per-status counts for queue.
func (s *Store) CountItems(ctx context.Context, queue string) (workitem.Counts, error) {
	var (
		c    workitem.Counts
		rows []struct {
			Status string `bun:"status"`
			N      int64  `bun:"n"`
		}
	)
	err := s.db.NewSelect().
		TableExpr("taskhost_items").
		ColumnExpr("status").
		ColumnExpr("COUNT(*) AS n").
		Where("queue = ?", queue).
		Group("status").
		Scan(ctx, &rows)
	if err != nil {
		return c, fmt.Errorf("taskhost/bun: count items: %w", err)
	}
	for _, r := range rows {
		c.Add(workitem.Status(r.Status), r.N)
	}
	return c, nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/workitem"
)

const itemColumns = `
	id, queue, payload, status, lease_id, lease_expires_at, holder,
	attempts, last_error, enqueued_at, updated_at, finished_at`

// EnqueueItem persists a new item in pending state.
func (s *Store) EnqueueItem(ctx context.Context, it *workitem.Item) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO taskhost_items (
			id, queue, payload, status, attempts, enqueued_at, updated_at
		) VALUES ($1, $2, $3, 'pending', 0, $4, $5)`,
		it.ID.String(), it.Queue, payloadBytes(it.Payload), it.EnqueuedAt, it.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("taskhost/postgres: enqueue item %s: duplicate id", it.ID)
		}
		return fmt.Errorf("taskhost/postgres: enqueue item: %w", err)
	}
	return nil
}

// DequeueItem atomically claims the oldest pending item of queue, or the
// oldest leased item whose lease has expired. Uses SELECT FOR UPDATE SKIP
// LOCKED so concurrent callers never claim the same row.
func (s *Store) DequeueItem(ctx context.Context, queue string, claim workitem.Claim) (*workitem.Item, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE taskhost_items
		SET status = 'leased',
		    lease_id = $2,
		    lease_expires_at = NOW() + make_interval(secs => $3),
		    holder = $4,
		    attempts = attempts + 1,
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM taskhost_items
			WHERE queue = $1
			  AND (status = 'pending'
			       OR (status = 'leased' AND lease_expires_at <= NOW()))
			ORDER BY enqueued_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING`+itemColumns,
		queue, id.NewLeaseID().String(), seconds(claim.Duration), claim.Holder,
	)

	it, err := scanItem(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // empty queue is not an error
		}
		return nil, fmt.Errorf("taskhost/postgres: dequeue item: %w", err)
	}
	return it, nil
}

// ExtendItemLease pushes the item's lease expiry to NOW()+d.
func (s *Store) ExtendItemLease(ctx context.Context, itemID id.ItemID, leaseID id.LeaseID, d time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE taskhost_items
		SET lease_expires_at = NOW() + make_interval(secs => $3), updated_at = NOW()
		WHERE id = $1 AND lease_id = $2 AND status = 'leased' AND lease_expires_at > NOW()`,
		itemID.String(), leaseID.String(), seconds(d),
	)
	if err != nil {
		return false, fmt.Errorf("taskhost/postgres: extend item lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
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
	tag, err := s.pool.Exec(ctx, `
		UPDATE taskhost_items
		SET status = $3, last_error = $4,
		    lease_id = NULL, lease_expires_at = NULL,
		    finished_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND lease_id = $2 AND status = 'leased' AND lease_expires_at > NOW()`,
		itemID.String(), leaseID.String(), string(status), reason,
	)
	if err != nil {
		return false, fmt.Errorf("taskhost/postgres: finish item: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetItem retrieves an item by ID.
func (s *Store) GetItem(ctx context.Context, itemID id.ItemID) (*workitem.Item, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+itemColumns+` FROM taskhost_items WHERE id = $1`, itemID.String())

	it, err := scanItem(row)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrItemNotFound
		}
		return nil, fmt.Errorf("taskhost/postgres: get item: %w", err)
	}
	return it, nil
}

// SweepItems deletes up to limit terminal items finished before cutoff,
// oldest first. Rows locked by a concurrent sweep are skipped. The cutoff
// is applied as an age against the database clock, which also stamps
// finished_at.
func (s *Store) SweepItems(ctx context.Context, queue string, cutoff time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM taskhost_items
		WHERE id IN (
			SELECT id FROM taskhost_items
			WHERE queue = $1
			  AND status IN ('completed', 'failed')
			  AND COALESCE(finished_at, updated_at) < NOW() - make_interval(secs => $2)
			  AND (lease_expires_at IS NULL OR lease_expires_at <= NOW())
			ORDER BY enqueued_at ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT NULLIF($3, 0)
		)`,
		queue, seconds(time.Since(cutoff)), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("taskhost/postgres: sweep items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountItems returns per-status counts for queue.
func (s *Store) CountItems(ctx context.Context, queue string) (workitem.Counts, error) {
	var c workitem.Counts

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM taskhost_items
		WHERE queue = $1
		GROUP BY status`,
		queue,
	)
	if err != nil {
		return c, fmt.Errorf("taskhost/postgres: count items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("taskhost/postgres: scan count row: %w", err)
		}
		c.Add(workitem.Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("taskhost/postgres: iterate count rows: %w", err)
	}
	return c, nil
}

// scanItem scans a single item row.
func scanItem(row pgx.Row) (*workitem.Item, error) {
	var (
		it       workitem.Item
		idStr    string
		status   string
		leaseStr *string
	)
	err := row.Scan(
		&idStr, &it.Queue, &it.Payload, &status, &leaseStr, &it.LeaseExpiresAt, &it.Holder,
		&it.Attempts, &it.LastError, &it.EnqueuedAt, &it.UpdatedAt, &it.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	it.Status = workitem.Status(status)
	if it.ID, err = parseID("item", idStr, id.ParseItemID); err != nil {
		return nil, err
	}
	if leaseStr != nil {
		if it.LeaseID, err = parseID("lease", *leaseStr, id.ParseLeaseID); err != nil {
			return nil, err
		}
	}
	return &it, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/workitem"
)

const itemColumns = `
	id, queue, payload, status, lease_id, lease_expires_at, holder,
	attempts, last_error, enqueued_at, updated_at, finished_at`

// EnqueueItem persists a new item in pending state.
func (s *Store) EnqueueItem(ctx context.Context, it *workitem.Item) error {
	enqueued := it.EnqueuedAt
	if enqueued.IsZero() {
		enqueued = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO taskhost_items (id, queue, payload, status, attempts, enqueued_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?)`,
		it.ID.String(), it.Queue, payloadBytes(it.Payload), toNanos(enqueued), toNanos(enqueued),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("taskhost/sqlite: enqueue item %s: duplicate id", it.ID)
		}
		return fmt.Errorf("taskhost/sqlite: enqueue item: %w", err)
	}
	return nil
}

// DequeueItem claims the oldest eligible item of queue in a single
// UPDATE ... RETURNING statement.
func (s *Store) DequeueItem(ctx context.Context, queue string, claim workitem.Claim) (*workitem.Item, error) {
	now := toNanos(s.now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE taskhost_items
		SET status = 'leased',
		    lease_id = ?,
		    lease_expires_at = ?,
		    holder = ?,
		    attempts = attempts + 1,
		    updated_at = ?
		WHERE id = (
			SELECT id FROM taskhost_items
			WHERE queue = ?
			  AND (status = 'pending'
			       OR (status = 'leased' AND lease_expires_at <= ?))
			ORDER BY enqueued_at ASC, id ASC
			LIMIT 1
		)
		RETURNING`+itemColumns,
		id.NewLeaseID().String(), now+claim.Duration.Nanoseconds(), claim.Holder, now,
		queue, now,
	)

	it, err := scanItem(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // empty queue is not an error
		}
		return nil, fmt.Errorf("taskhost/sqlite: dequeue item: %w", err)
	}
	return it, nil
}

// ExtendItemLease pushes the item's lease expiry to now+d.
func (s *Store) ExtendItemLease(ctx context.Context, itemID id.ItemID, leaseID id.LeaseID, d time.Duration) (bool, error) {
	now := toNanos(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE taskhost_items
		SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND lease_id = ? AND status = 'leased' AND lease_expires_at > ?`,
		now+d.Nanoseconds(), now, itemID.String(), leaseID.String(), now,
	)
	if err != nil {
		return false, fmt.Errorf("taskhost/sqlite: extend item lease: %w", err)
	}
	return affected(res)
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
	now := toNanos(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE taskhost_items
		SET status = ?, last_error = ?,
		    lease_id = NULL, lease_expires_at = NULL,
		    finished_at = ?, updated_at = ?
		WHERE id = ? AND lease_id = ? AND status = 'leased' AND lease_expires_at > ?`,
		string(status), reason, now, now, itemID.String(), leaseID.String(), now,
	)
	if err != nil {
		return false, fmt.Errorf("taskhost/sqlite: finish item: %w", err)
	}
	return affected(res)
}

// GetItem retrieves an item by ID.
func (s *Store) GetItem(ctx context.Context, itemID id.ItemID) (*workitem.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+itemColumns+` FROM taskhost_items WHERE id = ?`, itemID.String())

	it, err := scanItem(row)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrItemNotFound
		}
		return nil, fmt.Errorf("taskhost/sqlite: get item: %w", err)
	}
	return it, nil
}

// SweepItems deletes up to limit terminal items finished before cutoff,
// oldest first.
func (s *Store) SweepItems(ctx context.Context, queue string, cutoff time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM taskhost_items
		WHERE id IN (
			SELECT id FROM taskhost_items
			WHERE queue = ?
			  AND status IN ('completed', 'failed')
			  AND COALESCE(finished_at, updated_at) < ?
			  AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
			ORDER BY enqueued_at ASC, id ASC
			LIMIT ?
		)`,
		queue, toNanos(cutoff), toNanos(s.now()), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("taskhost/sqlite: sweep items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("taskhost/sqlite: sweep items: %w", err)
	}
	return n, nil
}

// CountItems returns per-status counts for queue.
func (s *Store) CountItems(ctx context.Context, queue string) (workitem.Counts, error) {
	var c workitem.Counts

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM taskhost_items WHERE queue = ? GROUP BY status`, queue)
	if err != nil {
		return c, fmt.Errorf("taskhost/sqlite: count items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("taskhost/sqlite: scan count row: %w", err)
		}
		c.Add(workitem.Status(status), n)
	}
	if err := rows.Err(); err != nil {
		return c, fmt.Errorf("taskhost/sqlite: iterate count rows: %w", err)
	}
	return c, nil
}

func scanItem(row *sql.Row) (*workitem.Item, error) {
	var (
		it                 workitem.Item
		idStr, status      string
		leaseStr           sql.NullString
		leaseExp, finished sql.NullInt64
		enqueued, updated  int64
	)
	err := row.Scan(
		&idStr, &it.Queue, &it.Payload, &status, &leaseStr, &leaseExp, &it.Holder,
		&it.Attempts, &it.LastError, &enqueued, &updated, &finished,
	)
	if err != nil {
		return nil, err
	}

	it.Status = workitem.Status(status)
	it.LeaseExpiresAt = fromNullNanos(leaseExp)
	it.FinishedAt = fromNullNanos(finished)
	it.EnqueuedAt = fromNanos(enqueued)
	it.UpdatedAt = fromNanos(updated)

	if it.ID, err = id.ParseItemID(idStr); err != nil {
		return nil, fmt.Errorf("taskhost/sqlite: parse item id %q: %w", idStr, err)
	}
	if leaseStr.Valid && leaseStr.String != "" {
		if it.LeaseID, err = id.ParseLeaseID(leaseStr.String); err != nil {
			return nil, fmt.Errorf("taskhost/sqlite: parse lease id %q: %w", leaseStr.String, err)
		}
	}
	return &it, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("taskhost/sqlite: rows affected: %w", err)
	}
	return n > 0, nil
}

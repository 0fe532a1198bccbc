package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/lease"
)

const leaseColumns = `name, lease_id, holder, acquired_at, expires_at`

// AcquireLease inserts the named lease, or takes over an expired one. The
// upsert's WHERE clause leaves a live lease untouched and returns no row,
// which is reported as taskhost.ErrLeaseBusy.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (*lease.Lease, error) {
	now := toNanos(s.now())
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO taskhost_leases (name, lease_id, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			lease_id = excluded.lease_id,
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE taskhost_leases.expires_at <= ?
		RETURNING `+leaseColumns,
		name, id.NewLeaseID().String(), holder, now, now+ttl.Nanoseconds(), now,
	)

	l, err := scanLease(row)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrLeaseBusy
		}
		return nil, fmt.Errorf("taskhost/sqlite: acquire lease: %w", err)
	}
	return l, nil
}

// RenewLease extends a matching, unexpired lease.
func (s *Store) RenewLease(ctx context.Context, name string, leaseID id.LeaseID, ttl time.Duration) (*lease.Lease, error) {
	now := toNanos(s.now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE taskhost_leases SET expires_at = ?
		WHERE name = ? AND lease_id = ? AND expires_at > ?
		RETURNING `+leaseColumns,
		now+ttl.Nanoseconds(), name, leaseID.String(), now,
	)

	l, err := scanLease(row)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrLeaseDenied
		}
		return nil, fmt.Errorf("taskhost/sqlite: renew lease: %w", err)
	}
	return l, nil
}

// ReleaseLease deletes the lease if leaseID still holds it.
func (s *Store) ReleaseLease(ctx context.Context, name string, leaseID id.LeaseID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM taskhost_leases WHERE name = ? AND lease_id = ?`, name, leaseID.String())
	if err != nil {
		return fmt.Errorf("taskhost/sqlite: release lease: %w", err)
	}
	return nil
}

// GetLease returns the lease on record for name.
func (s *Store) GetLease(ctx context.Context, name string) (*lease.Lease, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leaseColumns+` FROM taskhost_leases WHERE name = ?`, name)

	l, err := scanLease(row)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrLeaseNotFound
		}
		return nil, fmt.Errorf("taskhost/sqlite: get lease: %w", err)
	}
	return l, nil
}

// CleanupLeases deletes every expired lease record.
func (s *Store) CleanupLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM taskhost_leases WHERE expires_at <= ?`, toNanos(s.now()))
	if err != nil {
		return 0, fmt.Errorf("taskhost/sqlite: cleanup leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("taskhost/sqlite: cleanup leases: %w", err)
	}
	return n, nil
}

func scanLease(row *sql.Row) (*lease.Lease, error) {
	var (
		l                 lease.Lease
		idStr             string
		acquired, expires int64
	)
	if err := row.Scan(&l.Name, &idStr, &l.Holder, &acquired, &expires); err != nil {
		return nil, err
	}
	leaseID, err := id.ParseLeaseID(idStr)
	if err != nil {
		return nil, fmt.Errorf("taskhost/sqlite: parse lease id %q: %w", idStr, err)
	}
	l.ID = leaseID
	l.AcquiredAt = fromNanos(acquired)
	l.ExpiresAt = fromNanos(expires)
	return &l, nil
}

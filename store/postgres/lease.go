package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/lease"
)

const leaseColumns = `name, lease_id, holder, acquired_at, expires_at`

// AcquireLease inserts the named lease, or takes over an expired one. A
// live lease held by anyone makes the conditional upsert return no row,
// which is reported as taskhost.ErrLeaseBusy.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (*lease.Lease, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO taskhost_leases (name, lease_id, holder, acquired_at, expires_at)
		VALUES ($1, $2, $3, NOW(), NOW() + make_interval(secs => $4))
		ON CONFLICT (name) DO UPDATE SET
			lease_id = EXCLUDED.lease_id,
			holder = EXCLUDED.holder,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE taskhost_leases.expires_at <= NOW()
		RETURNING `+leaseColumns,
		name, id.NewLeaseID().String(), holder, seconds(ttl),
	)

	l, err := scanLease(row)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrLeaseBusy
		}
		return nil, fmt.Errorf("taskhost/postgres: acquire lease: %w", err)
	}
	return l, nil
}

// RenewLease extends a matching, unexpired lease.
func (s *Store) RenewLease(ctx context.Context, name string, leaseID id.LeaseID, ttl time.Duration) (*lease.Lease, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE taskhost_leases
		SET expires_at = NOW() + make_interval(secs => $3)
		WHERE name = $1 AND lease_id = $2 AND expires_at > NOW()
		RETURNING `+leaseColumns,
		name, leaseID.String(), seconds(ttl),
	)

	l, err := scanLease(row)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrLeaseDenied
		}
		return nil, fmt.Errorf("taskhost/postgres: renew lease: %w", err)
	}
	return l, nil
}

// ReleaseLease deletes the lease if leaseID still holds it.
func (s *Store) ReleaseLease(ctx context.Context, name string, leaseID id.LeaseID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM taskhost_leases WHERE name = $1 AND lease_id = $2`,
		name, leaseID.String(),
	)
	if err != nil {
		return fmt.Errorf("taskhost/postgres: release lease: %w", err)
	}
	return nil
}

// GetLease returns the lease on record for name.
func (s *Store) GetLease(ctx context.Context, name string) (*lease.Lease, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+leaseColumns+` FROM taskhost_leases WHERE name = $1`, name)

	l, err := scanLease(row)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrLeaseNotFound
		}
		return nil, fmt.Errorf("taskhost/postgres: get lease: %w", err)
	}
	return l, nil
}

// CleanupLeases deletes every expired lease record.
func (s *Store) CleanupLeases(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM taskhost_leases WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("taskhost/postgres: cleanup leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanLease(row pgx.Row) (*lease.Lease, error) {
	var (
		l     lease.Lease
		idStr string
	)
	if err := row.Scan(&l.Name, &idStr, &l.Holder, &l.AcquiredAt, &l.ExpiresAt); err != nil {
		return nil, err
	}
	var err error
	if l.ID, err = parseID("lease", idStr, id.ParseLeaseID); err != nil {
		return nil, err
	}
	return &l, nil
}

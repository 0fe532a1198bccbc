package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/lease"
)

// AcquireLease inserts the named lease, or takes over an expired one. A
// live lease makes the conditional upsert return no row, which is reported
// as taskhost.ErrLeaseBusy.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (*lease.Lease, error) {
	m := new(leaseModel)
	err := s.db.NewRaw(`
		INSERT INTO taskhost_leases (name, lease_id, holder, acquired_at, expires_at)
		VALUES (?, ?, ?, NOW(), NOW() + make_interval(secs => ?))
		ON CONFLICT (name) DO UPDATE SET
			lease_id = EXCLUDED.lease_id,
			holder = EXCLUDED.holder,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE taskhost_leases.expires_at <= NOW()
		RETURNING *`,
		name, id.NewLeaseID().String(), holder, seconds(ttl),
	).Scan(ctx, m)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrLeaseBusy
		}
		return nil, fmt.Errorf("taskhost/bun: acquire lease: %w", err)
	}
	return fromLeaseModel(m)
}

// RenewLease extends a matching, unexpired lease.
func (s *Store) RenewLease(ctx context.Context, name string, leaseID id.LeaseID, ttl time.Duration) (*lease.Lease, error) {
	m := new(leaseModel)
	err := s.db.NewRaw(`
		UPDATE taskhost_leases
		SET expires_at = NOW() + make_interval(secs => ?)
		WHERE name = ? AND lease_id = ? AND expires_at > NOW()
		RETURNING *`,
		seconds(ttl), name, leaseID.String(),
	).Scan(ctx, m)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrLeaseDenied
		}
		return nil, fmt.Errorf("taskhost/bun: renew lease: %w", err)
	}
	return fromLeaseModel(m)
}

// ReleaseLease deletes the lease if leaseID still holds it.
func (s *Store) ReleaseLease(ctx context.Context, name string, leaseID id.LeaseID) error {
	_, err := s.db.NewDelete().
		Model((*leaseModel)(nil)).
		Where("name = ?", name).
		Where("lease_id = ?", leaseID.String()).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("taskhost/bun: release lease: %w", err)
	}
	return nil
}

// GetLease returns the lease on record for name.
func (s *Store) GetLease(ctx context.Context, name string) (*lease.Lease, error) {
	m := new(leaseModel)
	err := s.db.NewSelect().Model(m).
		Where("name = ?", name).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, taskhost.ErrLeaseNotFound
		}
		return nil, fmt.Errorf("taskhost/bun: get lease: %w", err)
	}
	return fromLeaseModel(m)
}

// CleanupLeases deletes every expired lease record.
func (s *Store) CleanupLeases(ctx context.Context) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*leaseModel)(nil)).
		Where("expires_at <= NOW()").
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("taskhost/bun: cleanup leases: %w", err)
	}
	return affected(res), nil
}

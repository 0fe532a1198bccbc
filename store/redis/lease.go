package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
	"github.com/xraph/taskhost/lease"
)

// AcquireLease takes the named lease unless a live one exists.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (*lease.Lease, error) {
	res, err := acquireScript.Run(ctx, s.client,
		[]string{s.leaseKey(name), s.leaseIndexKey()},
		name, id.NewLeaseID().String(), holder, millis(ttl),
	).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, taskhost.ErrLeaseBusy
		}
		return nil, fmt.Errorf("taskhost/redis: acquire lease: %w", err)
	}
	return leaseFromHash(hashReply(res))
}

// RenewLease extends a matching, unexpired lease.
func (s *Store) RenewLease(ctx context.Context, name string, leaseID id.LeaseID, ttl time.Duration) (*lease.Lease, error) {
	res, err := renewScript.Run(ctx, s.client,
		[]string{s.leaseKey(name), s.leaseIndexKey()},
		name, leaseID.String(), millis(ttl),
	).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, taskhost.ErrLeaseDenied
		}
		return nil, fmt.Errorf("taskhost/redis: renew lease: %w", err)
	}
	return leaseFromHash(hashReply(res))
}

// ReleaseLease deletes the lease if leaseID still holds it.
func (s *Store) ReleaseLease(ctx context.Context, name string, leaseID id.LeaseID) error {
	err := releaseScript.Run(ctx, s.client,
		[]string{s.leaseKey(name), s.leaseIndexKey()},
		name, leaseID.String(),
	).Err()
	if err != nil {
		return fmt.Errorf("taskhost/redis: release lease: %w", err)
	}
	return nil
}

// GetLease returns the lease on record for name.
func (s *Store) GetLease(ctx context.Context, name string) (*lease.Lease, error) {
	m, err := s.client.HGetAll(ctx, s.leaseKey(name)).Result()
	if err != nil {
		return nil, fmt.Errorf("taskhost/redis: get lease: %w", err)
	}
	if len(m) == 0 {
		return nil, taskhost.ErrLeaseNotFound
	}
	return leaseFromHash(m)
}

// CleanupLeases deletes every expired lease record.
func (s *Store) CleanupLeases(ctx context.Context) (int64, error) {
	n, err := cleanupScript.Run(ctx, s.client, []string{s.leaseIndexKey()}, s.prefix).Int64()
	if err != nil {
		return 0, fmt.Errorf("taskhost/redis: cleanup leases: %w", err)
	}
	return n, nil
}

func leaseFromHash(m map[string]string) (*lease.Lease, error) {
	leaseID, err := id.ParseLeaseID(m["lease_id"])
	if err != nil {
		return nil, fmt.Errorf("taskhost/redis: parse lease id %q: %w", m["lease_id"], err)
	}
	return &lease.Lease{
		Name:       m["name"],
		ID:         leaseID,
		Holder:     m["holder"],
		AcquiredAt: fromMillis(m["acquired_at"]),
		ExpiresAt:  fromMillis(m["expires_at"]),
	}, nil
}

package lease

import (
	"context"
	"time"

	"github.com/xraph/taskhost/id"
)

// Store defines the persistence contract for named leases.
//
// Implementations must make acquisition a single atomic
// insert-if-absent-or-expired operation keyed on the name.
type Store interface {
	// AcquireLease creates a fresh lease on name for holder if no unexpired
	// lease exists. Returns taskhost.ErrLeaseBusy otherwise. An expired
	// record never blocks acquisition, even if it was not released.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (*Lease, error)

	// RenewLease extends the lease on name to now+ttl if leaseID matches the
	// record and it has not expired. Returns taskhost.ErrLeaseDenied
	// otherwise.
	RenewLease(ctx context.Context, name string, leaseID id.LeaseID, ttl time.Duration) (*Lease, error)

	// ReleaseLease deletes the lease on name if it still carries leaseID.
	// Releasing a lease that is gone or was reclaimed is not an error.
	ReleaseLease(ctx context.Context, name string, leaseID id.LeaseID) error

	// GetLease returns the lease currently on record for name, expired or
	// not. Returns taskhost.ErrLeaseNotFound if there is none.
	GetLease(ctx context.Context, name string) (*Lease, error)

	// CleanupLeases deletes expired lease records and reports how many
	// were removed.
	CleanupLeases(ctx context.Context) (int64, error)
}

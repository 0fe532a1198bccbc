package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/id"
)

// LostFunc is called when a held lease could not be renewed.
type LostFunc func(ctx context.Context, l *Lease, err error)

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaultDuration sets the lease duration used when callers pass zero.
func WithDefaultDuration(d time.Duration) ManagerOption {
	return func(m *Manager) { m.defaultDuration = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithOnLost registers a callback for leases lost during Hold.
func WithOnLost(fn LostFunc) ManagerOption {
	return func(m *Manager) { m.onLost = fn }
}

// Manager is the lock API used by the host: acquire with a three-way
// outcome, renew, idempotent release and best-effort cleanup.
type Manager struct {
	store           Store
	holder          string
	defaultDuration time.Duration
	logger          *slog.Logger
	onLost          LostFunc
}

// NewManager creates a Manager that acquires leases as holder.
func NewManager(store Store, holder string, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:           store,
		holder:          holder,
		defaultDuration: taskhost.DefaultLeaseDuration,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Holder returns the identity recorded on leases acquired by m.
func (m *Manager) Holder() string { return m.holder }

// AcquireLock tries to take the lease on name for d (the default duration
// when d is zero). Busy is returned with a nil error.
func (m *Manager) AcquireLock(ctx context.Context, name string, d time.Duration) (Outcome, *Lease, error) {
	if d <= 0 {
		d = m.defaultDuration
	}

	l, err := m.store.AcquireLease(ctx, name, m.holder, d)
	switch {
	case err == nil:
		return Acquired, l, nil
	case errors.Is(err, taskhost.ErrLeaseBusy):
		return Busy, nil, nil
	default:
		return Error, nil, fmt.Errorf("acquire lock %q: %w", name, err)
	}
}

// Renew extends the lease on name by d (the default duration when d is
// zero). It fails with taskhost.ErrLeaseDenied if leaseID is not the
// current unexpired lease.
func (m *Manager) Renew(ctx context.Context, name string, leaseID id.LeaseID, d time.Duration) (*Lease, error) {
	if d <= 0 {
		d = m.defaultDuration
	}
	return m.store.RenewLease(ctx, name, leaseID, d)
}

// Release drops l if it is still the lease on record. Safe to call with a
// nil lease, and safe to call more than once.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	if l == nil {
		return nil
	}
	if err := m.store.ReleaseLease(ctx, l.Name, l.ID); err != nil {
		return fmt.Errorf("release lock %q: %w", l.Name, err)
	}
	return nil
}

// Cleanup purges expired lease records. Failures are logged and ignored:
// expired records never block acquisition.
func (m *Manager) Cleanup(ctx context.Context) int64 {
	n, err := m.store.CleanupLeases(ctx)
	if err != nil {
		m.logger.Warn("lease cleanup failed", slog.String("error", err.Error()))
		return 0
	}
	if n > 0 {
		m.logger.Debug("expired leases removed", slog.Int64("count", n))
	}
	return n
}

// Hold keeps l alive until the returned stop function is called, renewing
// it every third of d. If a renewal is denied, the returned context is
// cancelled with cause taskhost.ErrLeaseLost, and the critical section
// running under it must abort.
//
// Transient store errors during renewal are retried until the lease would
// expire; at that point the lease is treated as lost.
func (m *Manager) Hold(ctx context.Context, l *Lease, d time.Duration) (context.Context, func()) {
	if d <= 0 {
		d = m.defaultDuration
	}

	hctx, cancel := context.WithCancelCause(ctx)
	stopCh := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		m.keepAlive(hctx, cancel, l, d, stopCh)
	}()

	stop := func() {
		select {
		case <-stopCh:
		default:
			close(stopCh)
		}
		<-done
		cancel(nil)
	}
	return hctx, stop
}

func (m *Manager) keepAlive(ctx context.Context, cancel context.CancelCauseFunc, l *Lease, d time.Duration, stopCh <-chan struct{}) {
	interval := d / 3
	if interval <= 0 {
		interval = d
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	name, leaseID, expiresAt := l.Name, l.ID, l.ExpiresAt

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		renewed, err := m.store.RenewLease(context.WithoutCancel(ctx), name, leaseID, d)
		if err == nil {
			expiresAt = renewed.ExpiresAt
			continue
		}

		if !errors.Is(err, taskhost.ErrLeaseDenied) && time.Now().UTC().Before(expiresAt) {
			m.logger.Warn("lease renewal failed, retrying",
				slog.String("lease", name),
				slog.String("error", err.Error()),
			)
			continue
		}

		m.logger.Error("lease lost",
			slog.String("lease", name),
			slog.String("lease_id", leaseID.String()),
			slog.String("error", err.Error()),
		)
		if m.onLost != nil {
			m.onLost(ctx, l, err)
		}
		cancel(fmt.Errorf("%w: %s: %w", taskhost.ErrLeaseLost, name, err))
		return
	}
}

package taskhost

import "time"

// DefaultLeaseDuration bounds how long a lease holder may run before it
// risks preemption without renewing.
const DefaultLeaseDuration = 30 * time.Second

// Config holds host-wide defaults. Per-queue and per-job descriptors
// override them field by field.
type Config struct {
	// Holder identifies this host instance in lease records.
	Holder string

	// LeaseDuration is the default lease length for locks and item claims.
	LeaseDuration time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight executions
	// during a graceful stop.
	ShutdownTimeout time.Duration

	// BasePollInterval is the default dequeue polling interval.
	BasePollInterval time.Duration

	// MaxPollInterval is the default backoff ceiling.
	MaxPollInterval time.Duration

	// CleanupInterval is how often the sweeper runs for each queue.
	CleanupInterval time.Duration

	// CleanupBatchSize caps deletions per sweeper run.
	CleanupBatchSize int

	// Retention is how long terminal items are kept before sweeping.
	Retention time.Duration

	// LeaseCleanupInterval is how often expired lease records are purged.
	// Zero disables the purge.
	LeaseCleanupInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LeaseDuration:        DefaultLeaseDuration,
		ShutdownTimeout:      30 * time.Second,
		BasePollInterval:     1 * time.Second,
		MaxPollInterval:      30 * time.Second,
		CleanupInterval:      5 * time.Minute,
		CleanupBatchSize:     500,
		Retention:            24 * time.Hour,
		LeaseCleanupInterval: 10 * time.Minute,
	}
}

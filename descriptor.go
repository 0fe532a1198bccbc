package taskhost

import (
	"fmt"
	"time"
)

// QueueDescriptor configures one named work queue: its polling cadence,
// consumer fan-out and cleanup policy. It is configuration, not runtime
// state.
type QueueDescriptor struct {
	// Name is the queue name producers enqueue into.
	Name string `json:"name" yaml:"name"`

	// ItemType names the handler constructor registered for this queue.
	ItemType string `json:"item_type" yaml:"item_type"`

	// BasePollInterval is the polling delay after a hit, and the floor of
	// the adaptive delay.
	BasePollInterval time.Duration `json:"base_poll_interval" yaml:"base_poll_interval"`

	// MaxPollInterval is the backoff ceiling for an idle queue.
	MaxPollInterval time.Duration `json:"max_poll_interval" yaml:"max_poll_interval"`

	// InstanceCount is how many consumer loops this host runs for the queue.
	InstanceCount int `json:"instance_count" yaml:"instance_count"`

	// CleanupInterval is how often terminal items are swept.
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`

	// CleanupBatchSize caps deletions per sweep.
	CleanupBatchSize int `json:"cleanup_batch_size" yaml:"cleanup_batch_size"`

	// Retention is how long terminal items survive before sweeping.
	Retention time.Duration `json:"retention" yaml:"retention"`

	// LeaseDuration is how long a claim on an item lasts before another
	// consumer may reclaim it. The loop renews it while the handler runs.
	LeaseDuration time.Duration `json:"lease_duration" yaml:"lease_duration"`

	// Timeout bounds a single handler execution. Zero means no timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// RateLimit caps dequeues per second for this host. Zero means no limit.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
}

// WithDefaults fills zero fields from cfg.
func (d QueueDescriptor) WithDefaults(cfg Config) QueueDescriptor {
	if d.ItemType == "" {
		d.ItemType = d.Name
	}
	if d.BasePollInterval <= 0 {
		d.BasePollInterval = cfg.BasePollInterval
	}
	if d.MaxPollInterval <= 0 {
		d.MaxPollInterval = cfg.MaxPollInterval
	}
	if d.MaxPollInterval < d.BasePollInterval {
		d.MaxPollInterval = d.BasePollInterval
	}
	if d.InstanceCount <= 0 {
		d.InstanceCount = 1
	}
	if d.CleanupInterval <= 0 {
		d.CleanupInterval = cfg.CleanupInterval
	}
	if d.CleanupBatchSize <= 0 {
		d.CleanupBatchSize = cfg.CleanupBatchSize
	}
	if d.Retention <= 0 {
		d.Retention = cfg.Retention
	}
	if d.LeaseDuration <= 0 {
		d.LeaseDuration = cfg.LeaseDuration
	}
	return d
}

// Validate reports whether the descriptor can be scheduled.
func (d QueueDescriptor) Validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("%w: queue name is required", ErrInvalidDescriptor)
	case d.BasePollInterval <= 0:
		return fmt.Errorf("%w: queue %q: base poll interval must be positive", ErrInvalidDescriptor, d.Name)
	case d.MaxPollInterval < d.BasePollInterval:
		return fmt.Errorf("%w: queue %q: max poll interval below base", ErrInvalidDescriptor, d.Name)
	case d.InstanceCount < 1:
		return fmt.Errorf("%w: queue %q: instance count must be at least 1", ErrInvalidDescriptor, d.Name)
	case d.CleanupBatchSize < 1:
		return fmt.Errorf("%w: queue %q: cleanup batch size must be at least 1", ErrInvalidDescriptor, d.Name)
	case d.LeaseDuration <= 0:
		return fmt.Errorf("%w: queue %q: lease duration must be positive", ErrInvalidDescriptor, d.Name)
	}
	return nil
}

// ScheduledJobDescriptor configures one cron-triggered job.
type ScheduledJobDescriptor struct {
	// Name identifies the job. It is also the lock name for singleton jobs
	// and the key of its persisted state.
	Name string `json:"name" yaml:"name"`

	// Group is a free-form grouping label used in logs and metrics.
	Group string `json:"group" yaml:"group"`

	// Schedule is a 5-field, 6-field (leading seconds) or descriptor
	// ("@every 5s") cron expression.
	Schedule string `json:"schedule" yaml:"schedule"`

	// Singleton restricts the job to one concurrent execution across all
	// hosts sharing the lease store.
	Singleton bool `json:"singleton" yaml:"singleton"`

	// StateType names the handler constructor registered for this job.
	StateType string `json:"state_type" yaml:"state_type"`

	// LeaseDuration is the singleton lock duration. The runner renews it
	// while the handler runs.
	LeaseDuration time.Duration `json:"lease_duration" yaml:"lease_duration"`

	// Timeout bounds a single firing. Zero means no timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// WithDefaults fills zero fields from cfg.
func (d ScheduledJobDescriptor) WithDefaults(cfg Config) ScheduledJobDescriptor {
	if d.StateType == "" {
		d.StateType = d.Name
	}
	if d.Group == "" {
		d.Group = "default"
	}
	if d.LeaseDuration <= 0 {
		d.LeaseDuration = cfg.LeaseDuration
	}
	return d
}

// Validate reports whether the descriptor can be scheduled. The cron
// expression itself is validated by the timer engine at registration.
func (d ScheduledJobDescriptor) Validate() error {
	switch {
	case d.Name == "":
		return fmt.Errorf("%w: job name is required", ErrInvalidDescriptor)
	case d.Schedule == "":
		return fmt.Errorf("%w: job %q: schedule is required", ErrInvalidDescriptor, d.Name)
	case d.LeaseDuration <= 0:
		return fmt.Errorf("%w: job %q: lease duration must be positive", ErrInvalidDescriptor, d.Name)
	}
	return nil
}

package workitem

import (
	"time"

	"github.com/xraph/taskhost/id"
)

// Status represents the lifecycle state of a work item.
type Status string

const (
	// StatusPending means the item is waiting to be claimed.
	StatusPending Status = "pending"
	// StatusLeased means a consumer holds a time-bounded claim on the item.
	StatusLeased Status = "leased"
	// StatusCompleted means the handler finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the handler returned an error. Failed items are
	// not retried by the host.
	StatusFailed Status = "failed"
)

// Terminal reports whether s is a final state eligible for sweeping.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Item is one queued unit of deferred work.
type Item struct {
	ID             id.ItemID  `json:"id"`
	Queue          string     `json:"queue"`
	Payload        []byte     `json:"payload"`
	Status         Status     `json:"status"`
	LeaseID        id.LeaseID `json:"lease_id,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	Holder         string     `json:"holder,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// Claimable reports whether the item may be claimed at now.
func (i *Item) Claimable(now time.Time) bool {
	switch i.Status {
	case StatusPending:
		return true
	case StatusLeased:
		return i.LeaseExpiresAt == nil || !i.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

// HeldBy reports whether leaseID is the item's current, unexpired lease.
func (i *Item) HeldBy(leaseID id.LeaseID, now time.Time) bool {
	if i.Status != StatusLeased || i.LeaseID.IsNil() || i.LeaseID != leaseID {
		return false
	}
	return i.LeaseExpiresAt != nil && i.LeaseExpiresAt.After(now)
}

// Sweepable reports whether the item is terminal, unleased and finished
// before cutoff.
func (i *Item) Sweepable(cutoff, now time.Time) bool {
	if !i.Status.Terminal() {
		return false
	}
	if i.LeaseExpiresAt != nil && i.LeaseExpiresAt.After(now) {
		return false
	}
	finished := i.UpdatedAt
	if i.FinishedAt != nil {
		finished = *i.FinishedAt
	}
	return finished.Before(cutoff)
}

// Counts holds per-status item counts for one queue.
type Counts struct {
	Pending   int64 `json:"pending"`
	Leased    int64 `json:"leased"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Total returns the sum of all statuses.
func (c Counts) Total() int64 {
	return c.Pending + c.Leased + c.Completed + c.Failed
}

// Add increments the counter for s by n.
func (c *Counts) Add(s Status, n int64) {
	switch s {
	case StatusPending:
		c.Pending += n
	case StatusLeased:
		c.Leased += n
	case StatusCompleted:
		c.Completed += n
	case StatusFailed:
		c.Failed += n
	}
}

package lease

import (
	"time"

	"github.com/xraph/taskhost/id"
)

// Lease is a time-bounded, uniquely tokened claim on a named resource.
type Lease struct {
	Name       string     `json:"name"`
	ID         id.LeaseID `json:"id"`
	Holder     string     `json:"holder"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
}

// Token returns the fencing token for this lease. Every acquisition mints
// a fresh token, so a protected resource that records the last token it
// accepted can reject writes from an expired holder.
func (l *Lease) Token() id.LeaseID { return l.ID }

// Expired reports whether the lease has lapsed at now.
func (l *Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Remaining returns the time left before expiry, or zero.
func (l *Lease) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Outcome is the result of an acquisition attempt.
type Outcome int

const (
	// Acquired means the caller now holds a fresh lease.
	Acquired Outcome = iota
	// Busy means another holder has an unexpired lease on the name. It is
	// an ordinary branch, not a failure.
	Busy
	// Error means the store could not be reached or rejected the request.
	Error
)

// String implements fmt.Stringer.
func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Busy:
		return "busy"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

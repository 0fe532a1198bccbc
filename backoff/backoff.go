// Package backoff provides the adaptive polling delay used by dequeue
// loops. Strategies are stateless and safe for concurrent use; a Poller
// carries the per-loop miss count.
package backoff

import (
	"sync"
	"time"
)

// Strategy computes the polling delay after n consecutive empty polls.
type Strategy interface {
	// Delay returns how long to wait after miss n (1-indexed). Miss 1 is
	// the first empty poll after a hit.
	Delay(miss int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of the miss count.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the miss count.
// Delay = min(Initial * (miss+1), Max).
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

// NewLinear creates a linear strategy.
func NewLinear(initial, maxDelay time.Duration) *Linear {
	return &Linear{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * (miss+1), capped at Max.
func (l *Linear) Delay(miss int) time.Duration {
	if l.Initial <= 0 {
		return 0
	}
	if l.Max > 0 && miss >= int(l.Max/l.Initial) {
		return l.Max
	}
	d := l.Initial * time.Duration(miss+1)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay on each miss.
// Delay = min(Initial * 2^miss, Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^miss, capped at Max.
func (e *Exponential) Delay(miss int) time.Duration {
	d := e.Initial
	for i := 0; i < miss; i++ {
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
		if d > (1<<62)/2 {
			break
		}
		d *= 2
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Poller
// ──────────────────────────────────────────────────

// Poller tracks the adaptive delay of one dequeue loop. The delay never
// drops below Base or exceeds Max, and a hit resets it to Base at once.
type Poller struct {
	base     time.Duration
	max      time.Duration
	strategy Strategy

	mu     sync.Mutex
	misses int
}

// NewPoller creates a Poller bounded by [base, maxDelay]. A nil strategy
// doubles the delay on each miss.
func NewPoller(base, maxDelay time.Duration, strategy Strategy) *Poller {
	if maxDelay < base {
		maxDelay = base
	}
	if strategy == nil {
		strategy = NewExponential(base, maxDelay)
	}
	return &Poller{base: base, max: maxDelay, strategy: strategy}
}

// Base returns the lower bound.
func (p *Poller) Base() time.Duration { return p.base }

// Max returns the upper bound.
func (p *Poller) Max() time.Duration { return p.max }

// Hit records a non-empty poll and returns the next delay (Base).
func (p *Poller) Hit() time.Duration {
	p.mu.Lock()
	p.misses = 0
	p.mu.Unlock()
	return p.base
}

// Miss records an empty poll and returns the next, longer delay.
func (p *Poller) Miss() time.Duration {
	p.mu.Lock()
	p.misses++
	n := p.misses
	p.mu.Unlock()
	return p.clamp(p.strategy.Delay(n))
}

// Current returns the delay to use without recording an outcome, e.g.
// after a store error.
func (p *Poller) Current() time.Duration {
	p.mu.Lock()
	n := p.misses
	p.mu.Unlock()
	if n == 0 {
		return p.base
	}
	return p.clamp(p.strategy.Delay(n))
}

func (p *Poller) clamp(d time.Duration) time.Duration {
	if d < p.base {
		return p.base
	}
	if d > p.max {
		return p.max
	}
	return d
}

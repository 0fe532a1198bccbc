package queue

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/xraph/taskhost"
)

// Config defines per-queue admission limits on this host.
type Config struct {
	Name string

	// MaxConcurrency caps items of this queue processed at once across the
	// local consumer loops. Zero leaves only the instance count as a cap.
	MaxConcurrency int

	// RateLimit is the sustained dequeues per second. Zero disables it.
	RateLimit float64

	// RateBurst is the token bucket size. Zero means one second worth of
	// RateLimit, at least 1.
	RateBurst int
}

// ConfigFor derives the admission limits of a queue descriptor.
func ConfigFor(d taskhost.QueueDescriptor) Config {
	return Config{Name: d.Name, RateLimit: d.RateLimit}
}

func (c Config) burst() int {
	if c.RateBurst > 0 {
		return c.RateBurst
	}
	return max(1, int(math.Ceil(c.RateLimit)))
}

type gate struct {
	cfg       Config
	limiter   *rate.Limiter
	active    int
	admitted  int64
	throttled int64
}

func newGate(cfg Config) *gate {
	g := &gate{cfg: cfg}
	if cfg.RateLimit > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.burst())
	}
	return g
}

// Stats is a snapshot of one queue's admission counters.
type Stats struct {
	Active    int
	Admitted  int64
	Throttled int64
}

// Manager holds the admission gates of every limited queue. Queues without
// a Config are never throttled. Safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	gates map[string]*gate
	now   func() time.Time
}

// NewManager creates a Manager with the given queue limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		gates: make(map[string]*gate, len(configs)),
		now:   time.Now,
	}
	for _, cfg := range configs {
		m.gates[cfg.Name] = newGate(cfg)
	}
	return m
}

// Admit asks to start one dequeue on queue.
//
// When admitted, release must be called once processing of the dequeued
// item (if any) ends; extra calls are ignored. When refused, wait is how
// long until the rate limiter can admit again, or zero when the
// concurrency cap refused.
func (m *Manager) Admit(queue string) (release func(), wait time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.gates[queue]
	if g == nil {
		return func() {}, 0, true
	}
	if g.cfg.MaxConcurrency > 0 && g.active >= g.cfg.MaxConcurrency {
		g.throttled++
		return nil, 0, false
	}
	if g.limiter != nil {
		now := m.now()
		r := g.limiter.ReserveN(now, 1)
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)
			g.throttled++
			return nil, d, false
		}
	}

	g.active++
	g.admitted++
	var once sync.Once
	return func() { once.Do(func() { m.release(g) }) }, 0, true
}

func (m *Manager) release(g *gate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
}

// Configure installs or replaces the limits of cfg.Name. Items already
// admitted stay counted against the new limits.
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := newGate(cfg)
	if g := m.gates[cfg.Name]; g != nil {
		// Reconfigure in place: outstanding release funcs point at g.
		g.cfg, g.limiter = fresh.cfg, fresh.limiter
		return
	}
	m.gates[cfg.Name] = fresh
}

// Stats returns the admission counters of queue.
func (m *Manager) Stats(queue string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.gates[queue]
	if g == nil {
		return Stats{}
	}
	return Stats{Active: g.active, Admitted: g.admitted, Throttled: g.throttled}
}

package sqlite_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/store"
	"github.com/xraph/taskhost/store/sqlite"
	"github.com/xraph/taskhost/store/storetest"
	"github.com/xraph/taskhost/workitem"
)

func newTestStore(t *testing.T, opts ...sqlite.Option) *sqlite.Store {
	t.Helper()

	opts = append([]sqlite.Option{sqlite.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "taskhost.db"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTestStore(t) })
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLeaseTakeoverWithClock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestStore(t, sqlite.WithClock(clock.Now))
	ctx := context.Background()

	first, err := s.AcquireLease(ctx, "job", "a", 10*time.Second)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if !first.ExpiresAt.Equal(clock.Now().Add(10 * time.Second)) {
		t.Fatalf("expires at %v, want now+10s", first.ExpiresAt)
	}

	clock.Advance(5 * time.Second)
	if _, err := s.AcquireLease(ctx, "job", "b", 10*time.Second); !errors.Is(err, taskhost.ErrLeaseBusy) {
		t.Fatalf("acquire under live lease = %v, want ErrLeaseBusy", err)
	}

	clock.Advance(6 * time.Second)
	second, err := s.AcquireLease(ctx, "job", "b", 10*time.Second)
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if second.Holder != "b" || second.ID == first.ID {
		t.Fatalf("unexpected takeover lease: %+v", second)
	}

	if _, err := s.RenewLease(ctx, "job", first.ID, time.Minute); !errors.Is(err, taskhost.ErrLeaseDenied) {
		t.Fatalf("renew by preempted holder = %v, want ErrLeaseDenied", err)
	}
}

func TestReclaimWithClock(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestStore(t, sqlite.WithClock(clock.Now))
	ctx := context.Background()

	it := storetest.NewItem("q", "x")
	if err := s.EnqueueItem(ctx, it); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		advance time.Duration
		wantHit bool
	}{
		{"first claim", 0, true},
		{"lease still live", 29 * time.Second, false},
		{"lease expired", 2 * time.Second, true},
	}

	for _, tt := range tests {
		clock.Advance(tt.advance)
		got, err := s.DequeueItem(ctx, "q", workitem.Claim{Holder: "h", Duration: 30 * time.Second})
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if (got != nil) != tt.wantHit {
			t.Fatalf("%s: got item=%v, want hit=%v", tt.name, got != nil, tt.wantHit)
		}
	}
}

func TestCloseOwnership(t *testing.T) {
	s := newTestStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("owned database must be closed by Close")
	}

	borrowed := sqlite.New(newTestStore(t).DB())
	if err := borrowed.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := borrowed.Ping(context.Background()); err != nil {
		t.Fatalf("caller-owned database was closed: %v", err)
	}
}

package workitem

import (
	"testing"
	"time"

	"github.com/xraph/taskhost/id"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := t0.Add(d)
	return &t
}

func TestItem_Claimable(t *testing.T) {
	tests := []struct {
		name string
		item Item
		want bool
	}{
		{"pending", Item{Status: StatusPending}, true},
		{"leased live", Item{Status: StatusLeased, LeaseExpiresAt: at(time.Second)}, false},
		{"leased expiring now", Item{Status: StatusLeased, LeaseExpiresAt: at(0)}, true},
		{"leased expired", Item{Status: StatusLeased, LeaseExpiresAt: at(-time.Second)}, true},
		{"leased without expiry", Item{Status: StatusLeased}, true},
		{"completed", Item{Status: StatusCompleted}, false},
		{"failed", Item{Status: StatusFailed}, false},
	}
	for _, tt := range tests {
		if got := tt.item.Claimable(t0); got != tt.want {
			t.Errorf("%s: Claimable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestItem_HeldBy(t *testing.T) {
	lid := id.NewLeaseID()
	live := Item{Status: StatusLeased, LeaseID: lid, LeaseExpiresAt: at(time.Minute)}

	if !live.HeldBy(lid, t0) {
		t.Error("current lease should hold the item")
	}
	if live.HeldBy(id.NewLeaseID(), t0) {
		t.Error("another lease id must not hold the item")
	}
	if live.HeldBy(lid, t0.Add(time.Minute)) {
		t.Error("an expired lease must not hold the item")
	}
	done := live
	done.Status = StatusCompleted
	if done.HeldBy(lid, t0) {
		t.Error("a finished item is held by nobody")
	}
	if (&Item{Status: StatusLeased, LeaseExpiresAt: at(time.Minute)}).HeldBy(id.Nil, t0) {
		t.Error("the nil lease id never holds an item")
	}
}

func TestItem_Sweepable(t *testing.T) {
	cutoff := t0.Add(-time.Hour)
	tests := []struct {
		name string
		item Item
		want bool
	}{
		{"completed before cutoff", Item{Status: StatusCompleted, FinishedAt: at(-2 * time.Hour)}, true},
		{"failed before cutoff", Item{Status: StatusFailed, FinishedAt: at(-2 * time.Hour)}, true},
		{"completed after cutoff", Item{Status: StatusCompleted, FinishedAt: at(-time.Minute)}, false},
		{"falls back to UpdatedAt", Item{Status: StatusCompleted, UpdatedAt: t0.Add(-2 * time.Hour)}, true},
		{"pending never", Item{Status: StatusPending, UpdatedAt: t0.Add(-48 * time.Hour)}, false},
		{"leased never", Item{Status: StatusLeased, UpdatedAt: t0.Add(-48 * time.Hour)}, false},
		{
			"terminal with live lease",
			Item{Status: StatusFailed, FinishedAt: at(-2 * time.Hour), LeaseExpiresAt: at(time.Minute)},
			false,
		},
	}
	for _, tt := range tests {
		if got := tt.item.Sweepable(cutoff, t0); got != tt.want {
			t.Errorf("%s: Sweepable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCounts(t *testing.T) {
	var c Counts
	c.Add(StatusPending, 3)
	c.Add(StatusLeased, 1)
	c.Add(StatusCompleted, 5)
	c.Add(StatusFailed, 2)
	c.Add(Status("bogus"), 100)

	want := Counts{Pending: 3, Leased: 1, Completed: 5, Failed: 2}
	if c != want {
		t.Fatalf("counts = %+v, want %+v", c, want)
	}
	if c.Total() != 11 {
		t.Errorf("Total = %d, want 11", c.Total())
	}
}

package timer_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/taskhost"
	"github.com/xraph/taskhost/timer"
)

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"*/5 * * * * *", false},
		{"@every 5s", false},
		{"@hourly", false},
		{"not a cron", true},
		{"* * *", true},
	}
	for _, tt := range tests {
		_, err := timer.ParseSchedule(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestSixFieldScheduleHasSecondPrecision(t *testing.T) {
	sched, err := timer.ParseSchedule("*/5 * * * * *")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
	if got, want := sched.Next(from), from.Add(4*time.Second); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestAddCron_InvalidIsTimerFailure(t *testing.T) {
	e := timer.New()
	if _, err := e.AddCron("bogus", func(time.Time) {}); !errors.Is(err, taskhost.ErrTimer) {
		t.Fatalf("AddCron error = %v, want ErrTimer", err)
	}
}

func TestTick(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		now  time.Time
		want time.Time
	}{
		{"every second, on time", "* * * * * *", base, base},
		{"every second, late callback", "* * * * * *", base.Add(40 * time.Millisecond), base},
		{"every minute, late callback", "*/1 * * * *", base.Add(1500 * time.Millisecond), base},
		{"every five seconds", "*/5 * * * * *", base.Add(7 * time.Second), base.Add(5 * time.Second)},
		{"fixed interval aligns", "@every 10s", base.Add(13*time.Second + 5*time.Millisecond), base.Add(10 * time.Second)},
		{"lagging past the window", "0 0 1 1 *", base.Add(time.Hour + 300*time.Millisecond), base.Add(time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := timer.ParseSchedule(tt.expr)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.expr, err)
			}
			if got := timer.Tick(sched, tt.now); !got.Equal(tt.want) {
				t.Fatalf("Tick = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAddCron_PassesScheduledTick(t *testing.T) {
	e := timer.New()
	ticks := make(chan time.Time, 1)
	if _, err := e.AddCron("* * * * * *", func(tick time.Time) {
		select {
		case ticks <- tick:
		default:
		}
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = e.Stop(context.Background()) }()

	select {
	case tick := <-ticks:
		if tick.Nanosecond() != 0 {
			t.Fatalf("tick %v is not on a second boundary", tick)
		}
		if lag := time.Since(tick); lag < 0 || lag > time.Second {
			t.Fatalf("tick %v is %v away from now", tick, lag)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("cron entry never fired")
	}
}

func TestAddCron_Fires(t *testing.T) {
	e := timer.New()
	var n atomic.Int32
	if _, err := e.AddCron("@every 1s", func(time.Time) { n.Add(1) }); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = e.Stop(context.Background()) }()

	deadline := time.Now().Add(3 * time.Second)
	for n.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if n.Load() == 0 {
		t.Fatal("cron entry never fired")
	}
}

func TestAfter_FiresOnceAndRearms(t *testing.T) {
	e := timer.New()
	var n atomic.Int32

	var tick func()
	tick = func() {
		if n.Add(1) < 3 {
			e.After(10*time.Millisecond, tick)
		}
	}
	e.After(10*time.Millisecond, tick)

	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := n.Load(); got != 3 {
		t.Fatalf("ticks = %d, want 3", got)
	}
	if err := e.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestStop_CancelsPendingAndWaitsForRunning(t *testing.T) {
	e := timer.New()

	var pendingRan atomic.Bool
	e.After(time.Hour, func() { pendingRan.Store(true) })

	started := make(chan struct{})
	var finished atomic.Bool
	e.After(0, func() {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
	})
	<-started

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !finished.Load() {
		t.Fatal("Stop returned before the running tick finished")
	}
	if pendingRan.Load() {
		t.Fatal("pending tick ran")
	}
	if e.After(0, func() {}) {
		t.Fatal("After must refuse new ticks once stopped")
	}
	if err := e.Start(); !errors.Is(err, taskhost.ErrTimer) {
		t.Fatalf("Start after Stop = %v, want ErrTimer", err)
	}
}

func TestStop_HonorsDeadline(t *testing.T) {
	e := timer.New()
	started := make(chan struct{})
	release := make(chan struct{})
	e.After(0, func() {
		close(started)
		<-release
	})
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want DeadlineExceeded", err)
	}
}

func TestAfter_RecoversPanics(t *testing.T) {
	e := timer.New()
	done := make(chan struct{})
	e.After(0, func() { panic("boom") })
	e.After(20*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine stopped ticking after a panic")
	}
	_ = e.Stop(context.Background())
}

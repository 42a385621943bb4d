package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSimpleTimerScheduleAfter(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	var fired atomic.Int32
	id, err := timer.ScheduleAfter(10*time.Millisecond, func() { fired.Add(1) })
	if err != nil {
		t.Fatalf("ScheduleAfter failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a timer ID")
	}

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fired.Load() != 1 {
		t.Fatalf("expected exactly one firing, got %d", fired.Load())
	}

	// A fired timer cleans up after itself.
	if active := timer.ListActive(); len(active) != 0 {
		t.Errorf("expected no active timers after firing, got %d", len(active))
	}
}

func TestSimpleTimerCancel(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	var fired atomic.Int32
	id, err := timer.ScheduleAfter(30*time.Millisecond, func() { fired.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	if err := timer.Cancel(id); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("cancelled timer fired")
	}

	// Cancelling an unknown ID is a no-op.
	if err := timer.Cancel("timer_999"); err != nil {
		t.Errorf("cancel of unknown timer errored: %v", err)
	}
}

func TestSimpleTimerScheduleAtPastRunsImmediately(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	done := make(chan struct{})
	if _, err := timer.ScheduleAt(time.Now().Add(-time.Minute), func() { close(done) }); err != nil {
		t.Fatalf("ScheduleAt failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("past-due schedule did not run")
	}
}

func TestSimpleTimerListActive(t *testing.T) {
	timer := NewSimpleTimer()
	defer timer.Stop()

	for i := 0; i < 3; i++ {
		if _, err := timer.ScheduleAfter(time.Hour, func() {}); err != nil {
			t.Fatal(err)
		}
	}

	active := timer.ListActive()
	if len(active) != 3 {
		t.Fatalf("expected 3 active timers, got %d", len(active))
	}
	for _, info := range active {
		if info.ExpiresAt.Before(info.ScheduledAt) {
			t.Errorf("timer %s expires before it was scheduled", info.ID)
		}
	}
}

func TestSimpleTimerStopCancelsAll(t *testing.T) {
	timer := NewSimpleTimer()

	var fired atomic.Int32
	for i := 0; i < 3; i++ {
		if _, err := timer.ScheduleAfter(20*time.Millisecond, func() { fired.Add(1) }); err != nil {
			t.Fatal(err)
		}
	}
	timer.Stop()

	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Errorf("expected no firings after Stop, got %d", fired.Load())
	}
	if active := timer.ListActive(); len(active) != 0 {
		t.Errorf("expected no active timers after Stop, got %d", len(active))
	}
}

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("valid cron expression rejected: %v", err)
	}
	if err := s.AddJob("not a cron", func() {}); err == nil {
		t.Error("invalid cron expression accepted")
	}
}

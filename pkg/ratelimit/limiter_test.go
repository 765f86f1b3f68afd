package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterUnlimited(t *testing.T) {
	l := New(0, time.Second, 0)
	if !l.CanProceed(time.Now(), 1<<30) {
		t.Fatal("unlimited limiter should always proceed")
	}
}

func TestLimiterBurstThenThrottle(t *testing.T) {
	now := time.Now()
	l := New(1000, time.Second, 1000) // 1000 units/sec, burst of 1000

	if !l.CanProceed(now, 1000) {
		t.Fatal("should allow consuming the full initial burst")
	}
	l.AddAmount(1000)

	if l.CanProceed(now, 1) {
		t.Fatal("should not allow proceeding immediately after exhausting burst")
	}

	later := now.Add(500 * time.Millisecond)
	if !l.CanProceed(later, 400) {
		t.Fatal("should have refilled ~500 units after 500ms at 1000/sec")
	}
}

func TestTrackerSmoothing(t *testing.T) {
	tr := NewTracker()
	now := time.Now()
	tr.Add(now, 100)
	tr.Add(now.Add(200*time.Millisecond), 100)
	tr.Add(now.Add(1100*time.Millisecond), 100) // crosses the 1s sample boundary

	if tr.RatePerSecond() <= 0 {
		t.Fatalf("expected positive rate after sampling, got %v", tr.RatePerSecond())
	}
}

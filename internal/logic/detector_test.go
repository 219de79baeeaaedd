package logic

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector() (*Detector, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	return NewDetector(60*time.Second, 3, clock.now), clock
}

func TestNewDetectorDefaults(t *testing.T) {
	d := NewDetector(time.Minute, 0, nil)
	if d.triggerCount != 1 {
		t.Errorf("expected trigger count clamped to 1, got %d", d.triggerCount)
	}
	if d.now == nil {
		t.Error("expected default clock")
	}
	if d.Active() != 0 {
		t.Errorf("expected no streaks, got %d", d.Active())
	}
}

func TestThirdExceedanceTriggersOnce(t *testing.T) {
	d, clock := newTestDetector()

	for i := 1; i <= 2; i++ {
		if d.CheckExceed("10.0.0.1", 3000, 2500) {
			t.Fatalf("call %d: unexpected trigger", i)
		}
		clock.advance(10 * time.Second)
	}

	if !d.CheckExceed("10.0.0.1", 3000, 2500) {
		t.Fatal("third exceedance should trigger")
	}

	// 4th immediate call without reset does not re-trigger
	if d.CheckExceed("10.0.0.1", 3000, 2500) {
		t.Error("fourth exceedance should not re-trigger")
	}

	counts := d.CountsSnapshot()
	if counts.Triggers != 1 {
		t.Errorf("expected 1 trigger, got %d", counts.Triggers)
	}
	if counts.Exceedances != 4 {
		t.Errorf("expected 4 exceedances, got %d", counts.Exceedances)
	}
}

func TestResetThenRetrigger(t *testing.T) {
	d, _ := newTestDetector()

	for i := 0; i < 3; i++ {
		d.CheckExceed("10.0.0.1", 3000, 2500)
	}
	d.ResetCount("10.0.0.1", 2500)

	if _, ok := d.Streak("10.0.0.1", 2500); ok {
		t.Fatal("streak should be gone after reset")
	}

	got := []bool{
		d.CheckExceed("10.0.0.1", 3000, 2500),
		d.CheckExceed("10.0.0.1", 3000, 2500),
		d.CheckExceed("10.0.0.1", 3000, 2500),
	}
	want := []bool{false, false, true}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("call %d after reset: got %v, want %v", i+1, got[i], want[i])
		}
	}
}

func TestExactThresholdCountsAsExceedance(t *testing.T) {
	d, _ := newTestDetector()
	d.CheckExceed("k", 2500, 2500)
	s, ok := d.Streak("k", 2500)
	if !ok || s.Count != 1 {
		t.Fatalf("expected streak with count 1, got %+v (ok=%v)", s, ok)
	}
}

func TestWindowExpiryRestartsStreak(t *testing.T) {
	d, clock := newTestDetector()

	d.CheckExceed("k", 3000, 2500)
	d.CheckExceed("k", 3000, 2500)

	clock.advance(61 * time.Second)

	if d.CheckExceed("k", 3000, 2500) {
		t.Fatal("exceedance after window expiry should restart, not trigger")
	}
	s, _ := d.Streak("k", 2500)
	if s.Count != 1 {
		t.Errorf("expected restarted count 1, got %d", s.Count)
	}
	if !s.FirstExceed.Equal(clock.t) {
		t.Errorf("expected streak start %v, got %v", clock.t, s.FirstExceed)
	}
}

func TestSingleDipDoesNotResetFreshStreak(t *testing.T) {
	d, clock := newTestDetector()

	d.CheckExceed("k", 3000, 2500)
	clock.advance(5 * time.Second)
	d.CheckExceed("k", 3000, 2500)
	clock.advance(5 * time.Second)

	// Noise: one sample below threshold
	if d.CheckExceed("k", 1000, 2500) {
		t.Fatal("dip should never trigger")
	}
	if _, ok := d.Streak("k", 2500); !ok {
		t.Fatal("fresh streak should survive a single dip")
	}

	clock.advance(5 * time.Second)
	if !d.CheckExceed("k", 3000, 2500) {
		t.Error("third exceedance after dip should trigger")
	}
}

func TestDipClearsAgedStreak(t *testing.T) {
	d, clock := newTestDetector()

	d.CheckExceed("k", 3000, 2500)
	clock.advance(61 * time.Second)
	d.CheckExceed("k", 1000, 2500)

	if _, ok := d.Streak("k", 2500); ok {
		t.Error("aged streak should be cleared by non-exceedance")
	}
	if d.CountsSnapshot().Expired != 1 {
		t.Errorf("expected 1 expired, got %d", d.CountsSnapshot().Expired)
	}
}

func TestKeysAndThresholdsAreIndependent(t *testing.T) {
	d, _ := newTestDetector()

	d.CheckExceed("a", 3000, 2500)
	d.CheckExceed("a", 3000, 2500)
	d.CheckExceed("b", 3000, 2500)
	d.CheckExceed("a", 3000, 2000)

	if d.CheckExceed("b", 3000, 2500) {
		t.Error("key b has only two exceedances")
	}
	if !d.CheckExceed("a", 3000, 2500) {
		t.Error("key a at threshold 2500 should trigger on its third exceedance")
	}
	if d.Active() != 3 {
		t.Errorf("expected 3 streaks, got %d", d.Active())
	}
}

func TestResetUnknownKeyIsNoop(t *testing.T) {
	d, _ := newTestDetector()
	d.ResetCount("missing", 1)
	if d.CountsSnapshot().Resets != 0 {
		t.Error("reset of missing streak should not be counted")
	}
}

func TestSweepRemovesStaleStreaks(t *testing.T) {
	d, clock := newTestDetector()

	d.CheckExceed("old", 3000, 2500)
	clock.advance(45 * time.Second)
	d.CheckExceed("fresh", 3000, 2500)
	clock.advance(20 * time.Second)

	if n := d.Sweep(); n != 1 {
		t.Fatalf("expected 1 swept streak, got %d", n)
	}
	if _, ok := d.Streak("old", 2500); ok {
		t.Error("old streak should be swept")
	}
	if _, ok := d.Streak("fresh", 2500); !ok {
		t.Error("fresh streak should remain")
	}
}

func TestGroupKey(t *testing.T) {
	if got := GroupKey(7); got != "GROUP_7" {
		t.Errorf("GroupKey(7) = %q", got)
	}
}

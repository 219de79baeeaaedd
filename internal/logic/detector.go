package logic

import (
	"sync"
	"time"
)

// Detector reports sustained threshold exceedance per key. A key fires once
// when it exceeds its threshold TriggerCount times inside the wait window.
// A dip below the threshold only clears a streak that is already older than
// the window, so one noisy sample cannot reset a fresh streak.
type Detector struct {
	window       time.Duration
	triggerCount int
	now          func() time.Time

	mu      sync.Mutex
	streaks map[streakKey]*Streak
	counts  Counts
}

// NewDetector creates a detector. A nil now uses time.Now.
func NewDetector(window time.Duration, triggerCount int, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	if triggerCount < 1 {
		triggerCount = 1
	}
	return &Detector{
		window:       window,
		triggerCount: triggerCount,
		now:          now,
		streaks:      make(map[streakKey]*Streak),
	}
}

// CheckExceed records one observation of level against threshold for key and
// returns true exactly when the streak reaches the trigger count.
func (d *Detector) CheckExceed(key string, level, threshold float64) bool {
	now := d.now()
	sk := streakKey{key: key, threshold: threshold}

	d.mu.Lock()
	defer d.mu.Unlock()

	s, active := d.streaks[sk]

	if level < threshold {
		// Hysteresis: only clear a streak once it has aged out
		if active && now.Sub(s.FirstExceed) > d.window {
			delete(d.streaks, sk)
			d.counts.Expired++
		}
		return false
	}

	d.counts.Exceedances++

	if !active {
		d.streaks[sk] = &Streak{FirstExceed: now, Count: 1}
		return d.fire(d.streaks[sk])
	}

	if now.Sub(s.FirstExceed) > d.window {
		// Window expired, start over
		*s = Streak{FirstExceed: now, Count: 1}
		return d.fire(s)
	}

	s.Count++
	return d.fire(s)
}

func (d *Detector) fire(s *Streak) bool {
	if s.Triggered || s.Count != d.triggerCount {
		return false
	}
	s.Triggered = true
	d.counts.Triggers++
	return true
}

// ResetCount unconditionally clears the streak for key and threshold.
func (d *Detector) ResetCount(key string, threshold float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sk := streakKey{key: key, threshold: threshold}
	if _, ok := d.streaks[sk]; ok {
		delete(d.streaks, sk)
		d.counts.Resets++
	}
}

// Sweep drops streaks older than the wait window and returns how many were
// removed. Streaks that fired are normally cleared by ResetCount first.
func (d *Detector) Sweep() int {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for sk, s := range d.streaks {
		if now.Sub(s.FirstExceed) > d.window {
			delete(d.streaks, sk)
			removed++
		}
	}
	d.counts.Expired += removed
	return removed
}

// Streak returns a copy of the current streak for key and threshold.
func (d *Detector) Streak(key string, threshold float64) (Streak, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streaks[streakKey{key: key, threshold: threshold}]
	if !ok {
		return Streak{}, false
	}
	return *s, true
}

// Active returns the number of live streaks.
func (d *Detector) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streaks)
}

// CountsSnapshot returns a copy of the activity counters.
func (d *Detector) CountsSnapshot() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.counts
}

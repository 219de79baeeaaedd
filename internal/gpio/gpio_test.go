package gpio

import (
	"errors"
	"testing"
	"time"
)

// manualTimer captures the scheduled release so tests fire it by hand.
type manualTimer struct {
	fn    func()
	count int
}

func (m *manualTimer) after(_ time.Duration, f func()) *time.Timer {
	m.fn = f
	m.count++
	// A far-future timer that Stop can be called on safely
	return time.NewTimer(time.Hour)
}

func newTestAlarm(relay Relay) (*Alarm, *manualTimer) {
	a := NewAlarm(relay, 10*time.Second)
	mt := &manualTimer{}
	a.after = mt.after
	return a, mt
}

func TestAlarmPulse(t *testing.T) {
	relay := NewFakeRelay()
	a, mt := newTestAlarm(relay)

	if err := a.Pulse(); err != nil {
		t.Fatalf("Pulse: %v", err)
	}
	if !relay.On() {
		t.Fatal("relay should be on during pulse")
	}

	mt.fn()
	if relay.On() {
		t.Error("relay should be released after pulse")
	}
	if got := relay.History(); len(got) != 2 || !got[0] || got[1] {
		t.Errorf("history: got %v, want [true false]", got)
	}
}

func TestAlarmOverlappingPulsesExtend(t *testing.T) {
	relay := NewFakeRelay()
	a, mt := newTestAlarm(relay)

	_ = a.Pulse()
	_ = a.Pulse()
	if mt.count != 2 {
		t.Fatalf("release scheduled %d times, want 2", mt.count)
	}
	mt.fn()
	if relay.On() {
		t.Error("relay should be off after the latest release")
	}
}

func TestAlarmPulseError(t *testing.T) {
	relay := NewFakeRelay()
	relay.SetError = errors.New("line busy")
	a, mt := newTestAlarm(relay)

	if err := a.Pulse(); err == nil {
		t.Fatal("expected error")
	}
	if mt.count != 0 {
		t.Error("no release should be scheduled when the relay failed")
	}
}

func TestAlarmClose(t *testing.T) {
	relay := NewFakeRelay()
	a, _ := newTestAlarm(relay)
	_ = a.Pulse()

	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if relay.On() || !relay.Closed() {
		t.Errorf("after Close: on=%v closed=%v", relay.On(), relay.Closed())
	}
}

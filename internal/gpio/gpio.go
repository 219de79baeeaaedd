// Package gpio drives the local alarm relay: a beacon/siren wired to a GPIO
// output line that is pulsed when automatic gate control is approved.
// The real implementation uses the Linux GPIO character device.
package gpio

import (
	"sync"
	"time"

	"github.com/sweeney/floodgate/internal/logging"
)

// Relay switches one output line.
type Relay interface {
	// Set energizes (true) or releases (false) the relay.
	Set(on bool) error

	// Close releases GPIO resources, leaving the relay off.
	Close() error
}

// Alarm pulses a relay for a fixed duration. Overlapping pulses extend the
// current one instead of stacking.
type Alarm struct {
	relay Relay
	pulse time.Duration
	after func(time.Duration, func()) *time.Timer

	mu    sync.Mutex
	timer *time.Timer
}

// NewAlarm creates an alarm holding the relay on for pulse per trigger.
func NewAlarm(relay Relay, pulse time.Duration) *Alarm {
	return &Alarm{relay: relay, pulse: pulse, after: time.AfterFunc}
}

// Pulse energizes the relay and schedules its release. It does not block.
func (a *Alarm) Pulse() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.relay.Set(true); err != nil {
		return err
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = a.after(a.pulse, a.release)
	return nil
}

func (a *Alarm) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.timer = nil
	if err := a.relay.Set(false); err != nil {
		logging.Warn().Err(err).Msg("alarm relay release failed")
	}
}

// Close cancels any pending release, switches the relay off and closes it.
func (a *Alarm) Close() error {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
	_ = a.relay.Set(false)
	return a.relay.Close()
}

// Package logic contains the exceedance debounce state machine.
// This package has NO I/O dependencies; time is injected by the caller.
package logic

import (
	"fmt"
	"time"
)

// GroupKey returns the synthetic detector key used for group-level streaks.
func GroupKey(groupID int64) string {
	return fmt.Sprintf("GROUP_%d", groupID)
}

// streakKey identifies one streak: a device or group key paired with the
// threshold it is measured against.
type streakKey struct {
	key       string
	threshold float64
}

// Streak tracks consecutive exceedances for one key and threshold.
type Streak struct {
	// Time the current run of exceedances started
	FirstExceed time.Time
	// Exceedances seen within the wait window
	Count int
	// Whether this streak already fired
	Triggered bool
}

// Counts tracks detector activity since startup.
type Counts struct {
	Exceedances int
	Triggers    int
	Resets      int
	Expired     int
}

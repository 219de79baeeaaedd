// Package status provides a thread-safe status view of the floodgate daemon.
// It is read by the HTTP status page and JSON endpoint.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/floodgate/internal/logic"
)

// SensorInfo is the status of one streaming sensor. This is a local copy to
// avoid importing internal/sensor from status.
type SensorInfo struct {
	IP       string
	Port     int
	State    string
	Retry    int
	GroundMm int
	LatestMm *float64
	LastData time.Time
}

// PollInfo summarizes the last completed polling cycle.
type PollInfo struct {
	At       time.Time
	Devices  int
	Ingested int
	Empty    int
	Failed   int
}

// Config contains daemon configuration for display.
type Config struct {
	HTTPAddr       string
	Broker         string
	WaitWindow     time.Duration
	TriggerCount   int
	DeadbandMm     float64
	PollEnabled    bool
	PollInterval   time.Duration
	HybridFallback bool
	WriteAfterOK   bool
}

// Sources are the live providers queried on every Snapshot. Any may be nil.
type Sources struct {
	Sensors     func() []SensorInfo
	Detector    func() logic.Counts
	FeedClients func() int
	Breakers    func() map[string]string
	Poll        func() (PollInfo, bool)
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Sensors       []SensorInfo
	Detector      logic.Counts
	FeedClients   int
	Breakers      map[string]string
	Poll          *PollInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Ready reports whether no streaming sensor has given up reconnecting.
func (s Snapshot) Ready() bool {
	for _, si := range s.Sensors {
		if si.State == "disconnected" {
			return false
		}
	}
	return true
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	src Sources
	now func() time.Time

	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time, config and sources.
func NewTracker(startTime time.Time, cfg Config, src Sources) *Tracker {
	return &Tracker{
		src: src,
		now: time.Now,
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	s.Now = t.now()

	if t.src.Sensors != nil {
		s.Sensors = t.src.Sensors()
		sort.Slice(s.Sensors, func(i, j int) bool { return s.Sensors[i].IP < s.Sensors[j].IP })
	}
	if t.src.Detector != nil {
		s.Detector = t.src.Detector()
	}
	if t.src.FeedClients != nil {
		s.FeedClients = t.src.FeedClients()
	}
	if t.src.Breakers != nil {
		s.Breakers = t.src.Breakers()
	}
	if t.src.Poll != nil {
		if p, ok := t.src.Poll(); ok {
			s.Poll = &p
		}
	}
	return s
}

// Package feed is the live event feed: a WebSocket hub that replays its
// recent history to every new client, plus fan-out to other sinks.
package feed

import (
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeData            = "data"
	TypeAutoControl     = "auto_control"
	TypeGateStatus      = "gate_status"
	TypeDeviceStatus    = "device_status"
	TypeGateUnavailable = "gate_unavailable"
)

// Event is one feed message.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(typ string, data any) Event {
	return Event{
		ID:   uuid.NewString(),
		Type: typ,
		Time: time.Now().UTC(),
		Data: data,
	}
}

// Publisher accepts feed events. Publish is fire-and-forget and must not
// block the caller on slow consumers.
type Publisher interface {
	Publish(Event)
}

// Fanout publishes every event to each of its members in order.
type Fanout []Publisher

func (f Fanout) Publish(e Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(e)
		}
	}
}

// GateStatusData is the payload of a gate_status event.
type GateStatusData struct {
	SiteID int64  `json:"site_id"`
	GateIP string `json:"gate_ip"`
	Status string `json:"status"`
}

// DeviceStatusData is the payload of a device_status event.
type DeviceStatusData struct {
	IP        string `json:"ip"`
	State     string `json:"state"`
	UseStatus bool   `json:"use_status"`
	Retry     int    `json:"retry"`
	Reason    string `json:"reason,omitempty"`
}

// GateUnavailableData is the payload of a gate_unavailable event.
type GateUnavailableData struct {
	SiteID int64  `json:"site_id"`
	GateIP string `json:"gate_ip"`
	Reason string `json:"reason"`
}

// Package model holds the data types shared by the ingestion, detection and
// control packages. It has no dependencies beyond the standard library.
package model

import (
	"fmt"
	"time"
)

// DeviceModel identifies the ingestion family of a water-level sensor.
type DeviceModel string

const (
	ModelStreaming DeviceModel = "streaming"
	ModelPolling   DeviceModel = "polling"
	ModelPush      DeviceModel = "push"
)

// SourceType records which adapter produced a reading.
type SourceType string

const (
	SourceStreaming SourceType = "streaming"
	SourcePolling   SourceType = "polling"
	SourcePush      SourceType = "push"
	SourceFlush     SourceType = "streaming_flush"
)

// ThresholdMode is the group approval policy.
type ThresholdMode string

const (
	ModeAnd ThresholdMode = "AND"
	ModeOr  ThresholdMode = "OR"
)

// ControlMode selects how a device participates in automatic control.
type ControlMode string

const (
	ControlIndividual ControlMode = "individual"
	ControlGroupOnly  ControlMode = "group_only"
	ControlHybrid     ControlMode = "hybrid"
)

// GateStatus is the live status of a crossing gate.
type GateStatus string

const (
	GateOpen   GateStatus = "open"
	GateClosed GateStatus = "closed"
)

// ControllerModel selects the gate controller dialect.
type ControllerModel string

const (
	ControllerIntegrated ControllerModel = "integrated"
	ControllerStandard   ControllerModel = "standard"
)

// Device is a registered water-level sensor.
type Device struct {
	ID                 int64
	IP                 string
	Model              DeviceModel
	Port               int
	Name               string
	Location           string
	ThresholdMeters    float64
	GroundReferenceMm  int
	CurrentLevelMeters float64
	LastDataTime       time.Time
	UseStatus          bool
}

// ThresholdMm returns the device threshold in millimeters.
func (d Device) ThresholdMm() float64 {
	return d.ThresholdMeters * 1000
}

// Reading is one normalized level observation. Readings are never mutated
// after creation.
type Reading struct {
	DeviceIP  string
	LevelMm   float64
	Timestamp time.Time
	Source    SourceType
}

// Meters returns the level converted to meters.
func (r Reading) Meters() float64 {
	return r.LevelMm / 1000
}

// Group is a set of devices controlled together.
type Group struct {
	ID            int64
	Name          string
	ThresholdMode ThresholdMode
}

// Membership links a device to a group.
type Membership struct {
	GroupID  int64
	DeviceID int64
	Role     string
}

// MemberLevel is a group member's latest level and threshold.
type MemberLevel struct {
	DeviceID        int64
	IP              string
	LevelMeters     float64
	ThresholdMeters float64
}

// Exceeded reports whether the member is at or above its threshold. Members
// without a threshold never count as exceeded.
func (m MemberLevel) Exceeded() bool {
	return m.ThresholdMeters > 0 && m.LevelMeters >= m.ThresholdMeters
}

// Binding ties a water-level device to a gate site for automatic control.
type Binding struct {
	WaterLevelID int64
	SiteID       int64
	Enabled      bool
	ControlMode  ControlMode
}

// GateSite is a crossing gate and its controller.
type GateSite struct {
	SiteID          int64
	Name            string
	GateIP          string
	GateStatus      GateStatus
	ControllerModel ControllerModel
	SpeakerIP       string
}

// HasSpeaker reports whether a warning speaker is bound to the site.
func (g GateSite) HasSpeaker() bool {
	return g.SpeakerIP != ""
}

// LevelLog is an appended level-log row.
type LevelLog struct {
	ID         int64      `json:"id"`
	DeviceIP   string     `json:"device_ip"`
	WaterLevel string     `json:"water_level"`
	Source     SourceType `json:"source_type"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewLevelLog builds the level-log row for a reading. WaterLevel is meters
// with three decimals.
func NewLevelLog(r Reading) LevelLog {
	return LevelLog{
		DeviceIP:   r.DeviceIP,
		WaterLevel: FormatMeters(r.Meters()),
		Source:     r.Source,
		CreatedAt:  r.Timestamp,
	}
}

// FormatMeters renders a level in meters the way the level log stores it.
func FormatMeters(m float64) string {
	return fmt.Sprintf("%.3f", m)
}

// OutcomeResult is the per-gate result of a control run.
type OutcomeResult string

const (
	OutcomeSuccess OutcomeResult = "success"
	OutcomeFailure OutcomeResult = "failure"
	OutcomeSkipped OutcomeResult = "skipped"
)

// GateOutcome is what happened to one candidate gate.
type GateOutcome struct {
	SiteID int64         `json:"site_id"`
	GateIP string        `json:"gate_ip"`
	Result OutcomeResult `json:"result"`
	Reason string        `json:"reason,omitempty"`
}

// Operation is one audit-log entry.
type Operation struct {
	RunID     string
	Category  string
	Action    string
	Target    string
	Result    string
	Detail    string
	CreatedAt time.Time
}

// Command kinds for streaming-device management.
const (
	CmdAdd    = "add"
	CmdModify = "modify"
	CmdRemove = "remove"
)

// Command is a device management request.
type Command struct {
	Cmd         string `json:"cmd" validate:"required,oneof=add modify remove"`
	IP          string `json:"ip" validate:"required,ip"`
	Port        int    `json:"port" validate:"required_unless=Cmd remove,gte=0,lt=65536"`
	ID          int64  `json:"id"`
	GroundValue *int   `json:"groundValue,omitempty" validate:"omitempty,gte=0"`
}

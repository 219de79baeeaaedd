package status

import (
	"time"

	"github.com/goccy/go-json"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Ready         bool              `json:"ready"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	StartTime     string            `json:"start_time"`
	Timestamp     string            `json:"timestamp"`
	MQTT          MQTTStatus        `json:"mqtt"`
	Sensors       []SensorJSON      `json:"sensors"`
	Detector      DetectorJSON      `json:"detector"`
	FeedClients   int               `json:"feed_clients"`
	Breakers      map[string]string `json:"breakers,omitempty"`
	Poll          *PollJSON         `json:"poll,omitempty"`
	Config        ConfigJSON        `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

type SensorJSON struct {
	IP       string   `json:"ip"`
	Port     int      `json:"port"`
	State    string   `json:"state"`
	Retry    int      `json:"retry"`
	GroundMm int      `json:"ground_mm"`
	LatestMm *float64 `json:"latest_mm,omitempty"`
	LastData string   `json:"last_data,omitempty"`
}

// DetectorJSON is the JSON representation of detector counts.
type DetectorJSON struct {
	Exceedances int `json:"exceedances"`
	Triggers    int `json:"triggers"`
	Resets      int `json:"resets"`
	Expired     int `json:"expired"`
}

type PollJSON struct {
	At       string `json:"at"`
	Devices  int    `json:"devices"`
	Ingested int    `json:"ingested"`
	Empty    int    `json:"empty"`
	Failed   int    `json:"failed"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	HTTPAddr       string  `json:"http_addr"`
	Broker         string  `json:"broker,omitempty"`
	WaitWindowMs   int64   `json:"wait_window_ms"`
	TriggerCount   int     `json:"trigger_count"`
	DeadbandMm     float64 `json:"deadband_mm"`
	PollEnabled    bool    `json:"poll_enabled"`
	PollIntervalMs int64   `json:"poll_interval_ms"`
	HybridFallback bool    `json:"hybrid_fallback"`
	WriteAfterOK   bool    `json:"write_after_success"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		Ready:         snap.Ready(),
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     formatTime(snap.StartTime),
		Timestamp:     formatTime(snap.Now),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Sensors:       make([]SensorJSON, 0, len(snap.Sensors)),
		Detector: DetectorJSON{
			Exceedances: snap.Detector.Exceedances,
			Triggers:    snap.Detector.Triggers,
			Resets:      snap.Detector.Resets,
			Expired:     snap.Detector.Expired,
		},
		FeedClients: snap.FeedClients,
		Breakers:    snap.Breakers,
		Config: ConfigJSON{
			HTTPAddr:       snap.Config.HTTPAddr,
			Broker:         snap.Config.Broker,
			WaitWindowMs:   snap.Config.WaitWindow.Milliseconds(),
			TriggerCount:   snap.Config.TriggerCount,
			DeadbandMm:     snap.Config.DeadbandMm,
			PollEnabled:    snap.Config.PollEnabled,
			PollIntervalMs: snap.Config.PollInterval.Milliseconds(),
			HybridFallback: snap.Config.HybridFallback,
			WriteAfterOK:   snap.Config.WriteAfterOK,
		},
	}
	for _, s := range snap.Sensors {
		inner.Sensors = append(inner.Sensors, SensorJSON{
			IP:       s.IP,
			Port:     s.Port,
			State:    s.State,
			Retry:    s.Retry,
			GroundMm: s.GroundMm,
			LatestMm: s.LatestMm,
			LastData: formatTime(s.LastData),
		})
	}
	if snap.Poll != nil {
		inner.Poll = &PollJSON{
			At:       formatTime(snap.Poll.At),
			Devices:  snap.Poll.Devices,
			Ingested: snap.Poll.Ingested,
			Empty:    snap.Poll.Empty,
			Failed:   snap.Poll.Failed,
		}
	}
	return inner
}

// FormatJSON returns the indented JSON status for the web endpoint.
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// Package metrics holds the process Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	ReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodgate_readings_total",
			Help: "Readings accepted by the ingestion pipeline",
		},
		[]string{"source"},
	)

	ReadingsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodgate_readings_dropped_total",
			Help: "Readings discarded before persistence",
		},
		[]string{"reason"}, // "invalid", "unknown_device", "store_error"
	)

	DeviceLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "floodgate_device_level_meters",
			Help: "Latest water level per device",
		},
		[]string{"ip"},
	)

	SensorConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "floodgate_sensor_connections",
			Help: "Streaming sensors by connection state",
		},
		[]string{"state"},
	)

	SensorReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "floodgate_sensor_reconnects_total",
			Help: "Reconnect attempts scheduled for streaming sensors",
		},
	)

	PollCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodgate_poll_cycles_total",
			Help: "Polling cycles by outcome",
		},
		[]string{"outcome"}, // "ok", "error", "skipped"
	)

	// Detection and control
	ThresholdTriggers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "floodgate_threshold_triggers_total",
			Help: "Debounced threshold triggers",
		},
	)

	ControlRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodgate_control_runs_total",
			Help: "Automatic control evaluations by scope",
		},
		[]string{"scope"}, // "group", "individual"
	)

	GateOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodgate_gate_outcomes_total",
			Help: "Per-gate results of control runs",
		},
		[]string{"result"},
	)

	GateCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "floodgate_gate_command_duration_seconds",
			Help:    "Duration of gate close sequences",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"controller"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "floodgate_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// Feed
	FeedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "floodgate_feed_clients",
			Help: "Connected WebSocket feed clients",
		},
	)

	FeedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "floodgate_feed_events_total",
			Help: "Events published to the live feed",
		},
		[]string{"type"},
	)

	// MQTT mirror
	MQTTBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "floodgate_mqtt_buffered_messages",
			Help: "Feed events waiting for the broker",
		},
	)

	MQTTDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "floodgate_mqtt_dropped_total",
			Help: "Buffered feed events evicted before the broker came back",
		},
	)
)

// Package config loads daemon configuration from defaults, an optional YAML
// file and FLOODGATE_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Sections are separated by
// a double underscore: FLOODGATE_SENSOR__MAX_RETRIES=5.
const EnvPrefix = "FLOODGATE_"

// PathEnvVar overrides the config file path when -config is not given.
const PathEnvVar = "FLOODGATE_CONFIG"

type Config struct {
	Logging   LoggingConfig   `koanf:"logging"`
	Database  DatabaseConfig  `koanf:"database"`
	Sensor    SensorConfig    `koanf:"sensor"`
	Threshold ThresholdConfig `koanf:"threshold"`
	Control   ControlConfig   `koanf:"control"`
	Gate      GateConfig      `koanf:"gate"`
	Poll      PollConfig      `koanf:"poll"`
	Push      PushConfig      `koanf:"push"`
	Feed      FeedConfig      `koanf:"feed"`
	MQTT      MQTTConfig      `koanf:"mqtt"`
	Alarm     AlarmConfig     `koanf:"alarm"`
	Speaker   SpeakerConfig   `koanf:"speaker"`
	HTTP      HTTPConfig      `koanf:"http"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

type DatabaseConfig struct {
	// Path of the DuckDB file; empty opens an in-memory database.
	Path string `koanf:"path"`
}

type SensorConfig struct {
	HealthInterval time.Duration `koanf:"health_interval" validate:"gt=0"`
	DataTimeout    time.Duration `koanf:"data_timeout" validate:"gt=0"`
	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	MaxRetries     int           `koanf:"max_retries" validate:"gte=1"`
	BackoffBase    time.Duration `koanf:"backoff_base" validate:"gt=0"`
	BackoffMax     time.Duration `koanf:"backoff_max" validate:"gt=0"`
	DeadbandMm     float64       `koanf:"deadband_mm" validate:"gte=0"`
	HistorySize    int           `koanf:"history_size" validate:"gte=1"`
	FlushInterval  time.Duration `koanf:"flush_interval" validate:"gt=0"`
	FlushSweep     time.Duration `koanf:"flush_sweep" validate:"gt=0"`
	CacheTTL       time.Duration `koanf:"cache_ttl" validate:"gt=0"`
}

type ThresholdConfig struct {
	WaitWindow   time.Duration `koanf:"wait_window" validate:"gt=0"`
	TriggerCount int           `koanf:"trigger_count" validate:"gte=1"`
	SweepPeriod  time.Duration `koanf:"sweep_period" validate:"gt=0"`
}

type ControlConfig struct {
	HybridFallback bool `koanf:"hybrid_fallback"`
	// SpeakerSettle is the wait between the warning broadcast and actuation.
	SpeakerSettle time.Duration `koanf:"speaker_settle" validate:"gte=0"`
	// WriteAfterSuccess marks gates closed only after the controller confirms.
	WriteAfterSuccess bool `koanf:"write_after_success"`
}

type GateConfig struct {
	CommandTimeout  time.Duration `koanf:"command_timeout" validate:"gt=0"`
	ResetSettle     time.Duration `koanf:"reset_settle" validate:"gte=0"`
	DownSettle      time.Duration `koanf:"down_settle" validate:"gte=0"`
	IntegratedPort  int           `koanf:"integrated_port" validate:"gt=0,lt=65536"`
	StandardPort    int           `koanf:"standard_port" validate:"gt=0,lt=65536"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerOpenFor  time.Duration `koanf:"breaker_open_for" validate:"gt=0"`
}

type PollConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Interval time.Duration `koanf:"interval" validate:"gt=0"`
	// DefaultEpoch (RFC 3339) is where a device watermark starts before any row is seen.
	DefaultEpoch string `koanf:"default_epoch" validate:"required"`
	// SourcePath is the DuckDB file holding vendor rows; empty reuses the main store.
	SourcePath  string `koanf:"source_path"`
	SourceTable string `koanf:"source_table" validate:"required"`
	Unit        string `koanf:"unit" validate:"oneof=m cm mm"`
	// WatermarkDir persists watermarks in Badger; empty keeps them in memory.
	WatermarkDir string `koanf:"watermark_dir"`
}

type PushConfig struct {
	HTTPEnabled bool `koanf:"http_enabled"`
	// RateLimit is the per-client request budget per minute on the push endpoint.
	RateLimit int    `koanf:"rate_limit" validate:"gte=1"`
	MQTTTopic string `koanf:"mqtt_topic"`
}

type FeedConfig struct {
	ReplaySize int `koanf:"replay_size" validate:"gte=1"`
}

type MQTTConfig struct {
	// Broker is empty to disable the MQTT mirror and push subscription.
	Broker      string `koanf:"broker"`
	ClientID    string `koanf:"client_id"`
	TopicPrefix string `koanf:"topic_prefix"`
	BufferSize  int    `koanf:"buffer_size" validate:"gte=1"`
}

type AlarmConfig struct {
	Enabled bool          `koanf:"enabled"`
	Chip    string        `koanf:"chip"`
	Pin     int           `koanf:"pin" validate:"gte=0"`
	Pulse   time.Duration `koanf:"pulse" validate:"gte=0"`
}

type SpeakerConfig struct {
	Timeout time.Duration `koanf:"timeout" validate:"gt=0"`
	Path    string        `koanf:"path"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Sensor: SensorConfig{
			HealthInterval: 10 * time.Second,
			DataTimeout:    30 * time.Second,
			ConnectTimeout: 10 * time.Second,
			MaxRetries:     10,
			BackoffBase:    2 * time.Second,
			BackoffMax:     5 * time.Minute,
			DeadbandMm:     10,
			HistorySize:    10,
			FlushInterval:  5 * time.Minute,
			FlushSweep:     30 * time.Second,
			CacheTTL:       5 * time.Minute,
		},
		Threshold: ThresholdConfig{
			WaitWindow:   60 * time.Second,
			TriggerCount: 3,
			SweepPeriod:  30 * time.Second,
		},
		Control: ControlConfig{
			HybridFallback: true,
			SpeakerSettle:  5 * time.Second,
		},
		Gate: GateConfig{
			CommandTimeout:  10 * time.Second,
			ResetSettle:     2 * time.Second,
			DownSettle:      1 * time.Second,
			IntegratedPort:  2000,
			StandardPort:    5000,
			BreakerFailures: 3,
			BreakerOpenFor:  time.Minute,
		},
		Poll: PollConfig{
			Enabled:      true,
			Interval:     time.Minute,
			DefaultEpoch: "2000-01-01T00:00:00Z",
			SourceTable:  "sensor_event",
			Unit:         "m",
		},
		Push: PushConfig{
			HTTPEnabled: true,
			RateLimit:   600,
			MQTTTopic:   "floodgate/push",
		},
		Feed: FeedConfig{ReplaySize: 100},
		MQTT: MQTTConfig{
			ClientID:    "floodgate",
			TopicPrefix: "floodgate/events",
			BufferSize:  100,
		},
		Alarm: AlarmConfig{
			Chip:  "gpiochip0",
			Pin:   17,
			Pulse: 10 * time.Second,
		},
		Speaker: SpeakerConfig{
			Timeout: 5 * time.Second,
			Path:    "/api/broadcast",
		},
		HTTP: HTTPConfig{Addr: ":8080"},
	}
}

// Load builds a Config. path may be empty, in which case FLOODGATE_CONFIG is
// consulted; a missing file is not an error unless a path was given.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	defaults := Default()

	if err := k.Load(structs.Provider(&defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if explicit {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps FLOODGATE_SENSOR__MAX_RETRIES to sensor.max_retries.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	if s == strings.TrimPrefix(PathEnvVar, EnvPrefix) {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

var (
	validate  = validator.New()
	tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Epoch parses DefaultEpoch.
func (p PollConfig) Epoch() (time.Time, error) {
	return time.Parse(time.RFC3339, p.DefaultEpoch)
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Sensor.BackoffMax < c.Sensor.BackoffBase {
		return errors.New("invalid config: sensor.backoff_max must be >= sensor.backoff_base")
	}
	if c.Sensor.DataTimeout < c.Sensor.HealthInterval {
		return errors.New("invalid config: sensor.data_timeout must be >= sensor.health_interval")
	}
	if !tableName.MatchString(c.Poll.SourceTable) {
		return fmt.Errorf("invalid config: poll.source_table %q is not a plain identifier", c.Poll.SourceTable)
	}
	if _, err := c.Poll.Epoch(); err != nil {
		return fmt.Errorf("invalid config: poll.default_epoch: %w", err)
	}
	if c.Alarm.Enabled && c.Alarm.Chip == "" {
		return errors.New("invalid config: alarm.chip is required when the alarm is enabled")
	}
	return nil
}

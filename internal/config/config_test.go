package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
	if cfg.Threshold.TriggerCount != 3 || cfg.Threshold.WaitWindow != 60*time.Second {
		t.Errorf("threshold defaults: got %+v", cfg.Threshold)
	}
	if cfg.Gate.IntegratedPort != 2000 || cfg.Gate.StandardPort != 5000 {
		t.Errorf("gate ports: got %d/%d", cfg.Gate.IntegratedPort, cfg.Gate.StandardPort)
	}
}

func TestLoadDefaultsOnly(t *testing.T) {
	t.Setenv(PathEnvVar, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sensor.MaxRetries != 10 {
		t.Errorf("MaxRetries: got %d, want 10", cfg.Sensor.MaxRetries)
	}
	if cfg.Feed.ReplaySize != 100 {
		t.Errorf("ReplaySize: got %d, want 100", cfg.Feed.ReplaySize)
	}
}

func TestLoadFileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "floodgate.yaml")
	body := `
threshold:
  trigger_count: 5
sensor:
  max_retries: 4
  backoff_base: 1s
http:
  addr: ":9090"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FLOODGATE_SENSOR__MAX_RETRIES", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Threshold.TriggerCount != 5 {
		t.Errorf("TriggerCount from file: got %d, want 5", cfg.Threshold.TriggerCount)
	}
	if cfg.Sensor.MaxRetries != 7 {
		t.Errorf("MaxRetries from env: got %d, want 7", cfg.Sensor.MaxRetries)
	}
	if cfg.Sensor.BackoffBase != time.Second {
		t.Errorf("BackoffBase: got %v, want 1s", cfg.Sensor.BackoffBase)
	}
	if cfg.HTTP.Addr != ":9090" {
		t.Errorf("Addr: got %q", cfg.HTTP.Addr)
	}
	// Untouched sections keep their defaults
	if cfg.Gate.StandardPort != 5000 {
		t.Errorf("StandardPort: got %d, want 5000", cfg.Gate.StandardPort)
	}
}

func TestLoadPathFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	if err := os.WriteFile(path, []byte("feed:\n  replay_size: 12\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(PathEnvVar, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Feed.ReplaySize != 12 {
		t.Errorf("ReplaySize: got %d, want 12", cfg.Feed.ReplaySize)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero trigger count", func(c *Config) { c.Threshold.TriggerCount = 0 }, "TriggerCount"},
		{"backoff inverted", func(c *Config) { c.Sensor.BackoffMax = time.Second }, "backoff_max"},
		{"timeout below health", func(c *Config) { c.Sensor.DataTimeout = time.Second }, "data_timeout"},
		{"table injection", func(c *Config) { c.Poll.SourceTable = "x; DROP TABLE y" }, "source_table"},
		{"bad epoch", func(c *Config) { c.Poll.DefaultEpoch = "yesterday" }, "default_epoch"},
		{"bad unit", func(c *Config) { c.Poll.Unit = "ft" }, "Unit"},
		{"alarm without chip", func(c *Config) { c.Alarm.Enabled = true; c.Alarm.Chip = "" }, "alarm.chip"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "Level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"FLOODGATE_SENSOR__MAX_RETRIES": "sensor.max_retries",
		"FLOODGATE_HTTP__ADDR":          "http.addr",
		"FLOODGATE_CONFIG":              "",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestEpoch(t *testing.T) {
	p := Default().Poll
	got, err := p.Epoch()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Epoch: got %v", got)
	}
}

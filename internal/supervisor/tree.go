// Package supervisor runs the daemon's long-lived services under a suture
// tree. Each layer restarts its own failed children without disturbing the
// others.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Config holds restart policy for every supervisor in the tree.
type Config struct {
	FailureThreshold float64
	// FailureDecay is in seconds.
	FailureDecay    float64
	FailureBackoff  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig matches suture's built-in defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree has three layers:
//   - ingest: sensor connections, poller, push subscriber, command bus
//   - control: detector maintenance
//   - api: live feed hub, MQTT mirror, HTTP server
type Tree struct {
	root    *suture.Supervisor
	ingest  *suture.Supervisor
	control *suture.Supervisor
	api     *suture.Supervisor
	config  Config
}

// New builds the tree. Zero fields in cfg take defaults.
func New(logger *slog.Logger, cfg Config) *Tree {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = def.FailureDecay
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = def.FailureBackoff
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	// MustHook has a pointer receiver.
	handler := &sutureslog.Handler{Logger: logger}

	spec := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = handler.MustHook()

	t := &Tree{
		root:    suture.New("floodgate", rootSpec),
		ingest:  suture.New("ingest", spec),
		control: suture.New("control", spec),
		api:     suture.New("api", spec),
		config:  cfg,
	}
	t.root.Add(t.ingest)
	t.root.Add(t.control)
	t.root.Add(t.api)
	return t
}

func (t *Tree) AddIngest(svc suture.Service) suture.ServiceToken  { return t.ingest.Add(svc) }
func (t *Tree) AddControl(svc suture.Service) suture.ServiceToken { return t.control.Add(svc) }
func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken     { return t.api.Add(svc) }

// Serve runs the tree until ctx is done.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine. The channel receives the
// result when it stops.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that outlived the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

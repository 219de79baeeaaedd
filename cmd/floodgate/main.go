// Command floodgate monitors water-level sensors and closes crossing gates
// when the water stays above a device's threshold.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/sweeney/floodgate/internal/breaker"
	"github.com/sweeney/floodgate/internal/command"
	"github.com/sweeney/floodgate/internal/config"
	"github.com/sweeney/floodgate/internal/control"
	"github.com/sweeney/floodgate/internal/feed"
	"github.com/sweeney/floodgate/internal/gate"
	"github.com/sweeney/floodgate/internal/gpio"
	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/logic"
	"github.com/sweeney/floodgate/internal/model"
	"github.com/sweeney/floodgate/internal/mqtt"
	"github.com/sweeney/floodgate/internal/pipeline"
	"github.com/sweeney/floodgate/internal/poller"
	"github.com/sweeney/floodgate/internal/push"
	"github.com/sweeney/floodgate/internal/sensor"
	"github.com/sweeney/floodgate/internal/speaker"
	"github.com/sweeney/floodgate/internal/status"
	"github.com/sweeney/floodgate/internal/store"
	"github.com/sweeney/floodgate/internal/supervisor"
	"github.com/sweeney/floodgate/internal/web"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $"+config.PathEnvVar+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	a, err := build(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	logging.Info().
		Str("http", cfg.HTTP.Addr).
		Str("broker", cfg.MQTT.Broker).
		Bool("poll", cfg.Poll.Enabled).
		Dur("wait_window", cfg.Threshold.WaitWindow).
		Int("trigger_count", cfg.Threshold.TriggerCount).
		Msg("floodgate started")

	err = a.tree.Serve(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logging.Info().Msg("shutting down")
		return nil
	}
	return err
}

// app is the assembled daemon.
type app struct {
	store    *store.Store
	detector *logic.Detector
	engine   *control.Engine
	pipeline *pipeline.Pipeline
	sensors  *sensor.Manager
	commands *command.Bus
	hub      *feed.Hub
	tracker  *status.Tracker
	server   *web.Server
	tree     *supervisor.Tree

	closers []func() error
}

func (a *app) onClose(f func() error) {
	a.closers = append(a.closers, f)
}

// Close releases resources in reverse acquisition order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.Warn().Err(err).Msg("close")
		}
	}
	a.closers = nil
}

func build(cfg *config.Config) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	a.onClose(a.store.Close)

	bs := breaker.Settings{Failures: cfg.Gate.BreakerFailures, OpenFor: cfg.Gate.BreakerOpenFor}
	a.detector = logic.NewDetector(cfg.Threshold.WaitWindow, cfg.Threshold.TriggerCount, time.Now)

	// Feed, mirrored to MQTT when a broker is configured
	a.hub = feed.NewHub(cfg.Feed.ReplaySize)
	publishers := feed.Fanout{a.hub}

	var (
		mqttClient mqtt.Client
		mirror     *mqtt.Mirror
	)
	if cfg.MQTT.Broker != "" {
		var ref atomic.Pointer[mqtt.Mirror]
		client := mqtt.NewRealClient(mqtt.RealOptions{
			Broker:    cfg.MQTT.Broker,
			ClientID:  cfg.MQTT.ClientID,
			WillTopic: mqtt.SystemTopic(cfg.MQTT.TopicPrefix),
			OnConnect: func() {
				m := ref.Load()
				if m == nil {
					return
				}
				if err := m.AnnounceOnline(time.Now()); err != nil {
					logging.Warn().Err(err).Msg("mqtt: announce online")
				}
				m.Reconnected()
			},
		})
		mqttClient = client
		mirror = mqtt.NewMirror(client, cfg.MQTT.TopicPrefix, cfg.MQTT.BufferSize)
		ref.Store(mirror)
		publishers = append(publishers, mirror)
		a.onClose(client.Close)
	}

	// Control
	actuator := gate.NewActuator(gate.Config{
		CommandTimeout: cfg.Gate.CommandTimeout,
		ResetSettle:    cfg.Gate.ResetSettle,
		DownSettle:     cfg.Gate.DownSettle,
		IntegratedPort: cfg.Gate.IntegratedPort,
		StandardPort:   cfg.Gate.StandardPort,
		Breaker:        bs,
	}, &net.Dialer{})

	deps := control.Deps{
		Store:    a.store,
		Detector: a.detector,
		Actuator: actuator,
		Speaker:  speaker.NewHTTPBroadcaster(cfg.Speaker.Timeout, cfg.Speaker.Path, bs),
		Feed:     publishers,
		Audit:    a.store,
	}
	if cfg.Alarm.Enabled {
		relay, err := gpio.NewRealRelay(cfg.Alarm.Chip, cfg.Alarm.Pin)
		if err != nil {
			return nil, fmt.Errorf("init alarm: %w", err)
		}
		alarm := gpio.NewAlarm(relay, cfg.Alarm.Pulse)
		a.onClose(alarm.Close)
		deps.Alarm = alarm
	}
	a.engine = control.NewEngine(control.Config{
		HybridFallback:    cfg.Control.HybridFallback,
		SpeakerSettle:     cfg.Control.SpeakerSettle,
		WriteAfterSuccess: cfg.Control.WriteAfterSuccess,
	}, deps)

	a.pipeline = pipeline.New(a.store, a.detector, pipeline.ControllerFunc(
		func(ctx context.Context, ip string, levelMm, thresholdMm float64) (bool, error) {
			rep, err := a.engine.RunAutoControl(ctx, ip, levelMm, thresholdMm)
			return rep.Fired, err
		}), publishers, cfg.Sensor.CacheTTL)

	// Ingest
	a.sensors = sensor.NewManager(sensor.Config{
		HealthInterval: cfg.Sensor.HealthInterval,
		DataTimeout:    cfg.Sensor.DataTimeout,
		ConnectTimeout: cfg.Sensor.ConnectTimeout,
		MaxRetries:     cfg.Sensor.MaxRetries,
		BackoffBase:    cfg.Sensor.BackoffBase,
		BackoffMax:     cfg.Sensor.BackoffMax,
		DeadbandMm:     cfg.Sensor.DeadbandMm,
		HistorySize:    cfg.Sensor.HistorySize,
		FlushInterval:  cfg.Sensor.FlushInterval,
		FlushSweep:     cfg.Sensor.FlushSweep,
		CacheTTL:       cfg.Sensor.CacheTTL,
	}, &net.Dialer{}, a.store, a.pipeline, publishers)

	a.commands = command.NewBus(command.HandlerFunc(func(ctx context.Context, cmd model.Command) error {
		a.pipeline.Invalidate(cmd.IP)
		return a.sensors.Handle(ctx, cmd)
	}))
	a.onClose(a.commands.Close)

	pushAdapter := push.NewAdapter(a.store, a.pipeline)

	var poll *poller.Poller
	if cfg.Poll.Enabled {
		poll, err = a.buildPoller(cfg)
		if err != nil {
			return nil, err
		}
	}

	// Status and HTTP
	a.tracker = status.NewTracker(time.Now(), status.Config{
		HTTPAddr:       cfg.HTTP.Addr,
		Broker:         cfg.MQTT.Broker,
		WaitWindow:     cfg.Threshold.WaitWindow,
		TriggerCount:   cfg.Threshold.TriggerCount,
		DeadbandMm:     cfg.Sensor.DeadbandMm,
		PollEnabled:    cfg.Poll.Enabled,
		PollInterval:   cfg.Poll.Interval,
		HybridFallback: cfg.Control.HybridFallback,
		WriteAfterOK:   cfg.Control.WriteAfterSuccess,
	}, a.statusSources(actuator, poll))

	opts := web.Options{
		Feed:          a.hub,
		Commands:      a.commands,
		PushRateLimit: cfg.Push.RateLimit,
	}
	if cfg.Push.HTTPEnabled {
		opts.Push = pushAdapter
	}
	a.server = web.New(cfg.HTTP.Addr, a.tracker, opts)

	// Supervision
	a.tree = supervisor.New(slog.New(logging.NewSlogHandler()), supervisor.DefaultConfig())

	a.tree.AddIngest(supervisor.Named("sensors", a.sensors))
	a.tree.AddIngest(supervisor.Named("commands", a.commands))
	if poll != nil {
		a.tree.AddIngest(supervisor.Named("poller", poll))
	}
	if mqttClient != nil && cfg.Push.MQTTTopic != "" {
		a.tree.AddIngest(supervisor.Named("push-mqtt", mqtt.NewPushSubscriber(mqttClient, cfg.Push.MQTTTopic, pushAdapter.Handle)))
	}

	a.tree.AddControl(supervisor.NewTicker("detector-sweep", cfg.Threshold.SweepPeriod, func(context.Context) {
		if n := a.detector.Sweep(); n > 0 {
			logging.Debug().Int("expired", n).Msg("detector sweep")
		}
	}))
	if mqttClient != nil {
		a.tree.AddControl(supervisor.NewTicker("mqtt-status", 5*time.Second, func(context.Context) {
			a.tracker.SetMQTTConnected(mqttClient.IsConnected())
		}))
	}

	a.tree.AddAPI(supervisor.Named("feed", a.hub))
	if mirror != nil {
		a.tree.AddAPI(supervisor.Named("mqtt-mirror", mirror))
	}
	a.tree.AddAPI(supervisor.Named("http", a.server))

	return a, nil
}

func (a *app) buildPoller(cfg *config.Config) (*poller.Poller, error) {
	db := a.store.DB()
	if cfg.Poll.SourcePath != "" {
		src, err := sql.Open("duckdb", cfg.Poll.SourcePath)
		if err != nil {
			return nil, fmt.Errorf("open poll source: %w", err)
		}
		a.onClose(src.Close)
		db = src
	}

	source, err := poller.NewSQLSource(db, cfg.Poll.SourceTable, breaker.Settings{
		Failures: cfg.Gate.BreakerFailures,
		OpenFor:  cfg.Gate.BreakerOpenFor,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := source.EnsureTable(ctx); err != nil {
		return nil, err
	}

	var marks poller.Watermarks
	if cfg.Poll.WatermarkDir != "" {
		bw, err := poller.OpenBadgerWatermarks(cfg.Poll.WatermarkDir)
		if err != nil {
			return nil, err
		}
		a.onClose(bw.Close)
		marks = bw
	}

	epoch, err := cfg.Poll.Epoch()
	if err != nil {
		return nil, err
	}
	return poller.New(poller.Config{
		Interval:     cfg.Poll.Interval,
		DefaultEpoch: epoch,
		Unit:         cfg.Poll.Unit,
	}, a.store, source, marks, a.pipeline), nil
}

func (a *app) statusSources(actuator *gate.Actuator, poll *poller.Poller) status.Sources {
	src := status.Sources{
		Sensors: func() []status.SensorInfo {
			conns := a.sensors.Snapshot()
			out := make([]status.SensorInfo, 0, len(conns))
			for _, c := range conns {
				out = append(out, status.SensorInfo{
					IP:       c.IP,
					Port:     c.Port,
					State:    string(c.State),
					Retry:    c.Retry,
					GroundMm: c.GroundMm,
					LatestMm: c.LatestMm,
					LastData: c.LastDataTime,
				})
			}
			return out
		},
		Detector:    a.detector.CountsSnapshot,
		FeedClients: a.hub.ClientCount,
		Breakers:    actuator.BreakerStates,
	}
	if poll != nil {
		src.Poll = func() (status.PollInfo, bool) {
			st, at := poll.Last()
			if at.IsZero() {
				return status.PollInfo{}, false
			}
			return status.PollInfo{
				At:       at,
				Devices:  st.Devices,
				Ingested: st.Ingested,
				Empty:    st.Empty,
				Failed:   st.Failed,
			}, true
		}
	}
	return src
}

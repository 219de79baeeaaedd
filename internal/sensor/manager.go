// Package sensor manages persistent TCP connections to streaming water-level
// sensors. Each registered sensor gets one connection goroutine that dials,
// sends the calibration command, decodes measurement lines and reconnects
// with exponential backoff until its retry budget is spent.
package sensor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sweeney/floodgate/internal/cache"
	"github.com/sweeney/floodgate/internal/feed"
	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/metrics"
	"github.com/sweeney/floodgate/internal/model"
)

var (
	// ErrRemoved is the cancel cause of a connection torn down by remove.
	ErrRemoved = errors.New("sensor: device removed")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("sensor: manager closed")

	errRestart = errors.New("sensor: restart requested")
	errEnded   = errors.New("sensor: connection loop ended")
)

// Dialer opens sensor connections; *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Sink receives decoded readings. Ingest persists and publishes a reading;
// Evaluate only runs threshold detection for it.
type Sink interface {
	Ingest(ctx context.Context, r model.Reading) error
	Evaluate(ctx context.Context, r model.Reading) error
}

// Store is the device registry the manager reads calibration from and
// reports availability to.
type Store interface {
	DeviceByIP(ctx context.Context, ip string) (model.Device, error)
	DevicesByModel(ctx context.Context, m model.DeviceModel) ([]model.Device, error)
	SetUseStatus(ctx context.Context, ip string, use bool) error
	SetGroundReference(ctx context.Context, ip string, mm int) error
}

// Config holds connection timing and emission policy.
type Config struct {
	HealthInterval time.Duration
	DataTimeout    time.Duration
	ConnectTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	DeadbandMm     float64
	HistorySize    int
	FlushInterval  time.Duration
	FlushSweep     time.Duration
	CacheTTL       time.Duration
}

// Manager owns the registry of streaming sensor connections.
type Manager struct {
	cfg    Config
	dialer Dialer
	store  Store
	sink   Sink
	feed   feed.Publisher
	ground *cache.TTL[string, int]
	now    func() time.Time

	base   context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

// NewManager creates a manager. A nil dialer uses net.Dialer.
func NewManager(cfg Config, dialer Dialer, st Store, sink Sink, pub feed.Publisher) *Manager {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if pub == nil {
		pub = feed.Fanout(nil)
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	base, cancel := context.WithCancelCause(context.Background())
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		store:  st,
		sink:   sink,
		feed:   pub,
		ground: cache.New[string, int](cfg.CacheTTL, nil),
		now:    time.Now,
		base:   base,
		cancel: cancel,
		conns:  make(map[string]*Conn),
	}
}

// Backoff returns base doubled retry times, capped at ceiling.
func Backoff(base, ceiling time.Duration, retry int) time.Duration {
	d := base
	for i := 0; i < retry && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}

// Serve connects every usable streaming device from the store, then runs
// the stale-value flush sweep until ctx is done, at which point every
// connection is torn down.
func (m *Manager) Serve(ctx context.Context) error {
	if err := m.Bootstrap(ctx); err != nil {
		logging.Warn().Err(err).Msg("sensor bootstrap failed")
	}

	period := m.cfg.FlushSweep
	if period <= 0 {
		period = 30 * time.Second
	}
	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return ctx.Err()
		case <-t.C:
			m.FlushStale(ctx)
		}
	}
}

// Bootstrap connects the usable streaming devices recorded in the store.
func (m *Manager) Bootstrap(ctx context.Context) error {
	devices, err := m.store.DevicesByModel(ctx, model.ModelStreaming)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if !d.UseStatus || d.Port <= 0 {
			continue
		}
		m.ground.Set(d.IP, d.GroundReferenceMm)
		if _, err := m.Connect(d.IP, d.Port); err != nil {
			return err
		}
	}
	logging.Info().Int("devices", len(m.Snapshot())).Msg("streaming sensors registered")
	return nil
}

// Connect registers a sensor and starts connecting to it. While the sensor
// is already connecting, connected or waiting to reconnect, the existing
// handle is returned untouched.
func (m *Manager) Connect(ip string, port int) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	if c, ok := m.conns[ip]; ok {
		if c.State() != StateDisconnected {
			return c, nil
		}
		c.rearm(port)
		m.start(c)
		return c, nil
	}

	c := newConn(ip, port, 0)
	c.setState(StateConnecting)
	m.conns[ip] = c
	m.start(c)
	return c, nil
}

func (m *Manager) start(c *Conn) {
	ctx, cancel := context.WithCancelCause(m.base)
	done := make(chan struct{})
	c.mu.Lock()
	c.ctx, c.cancel, c.done = ctx, cancel, done
	c.mu.Unlock()
	go m.run(ctx, cancel, c, done)
}

// Handle applies a management command.
func (m *Manager) Handle(ctx context.Context, cmd model.Command) error {
	switch cmd.Cmd {
	case model.CmdAdd:
		if cmd.GroundValue != nil {
			m.ground.Set(cmd.IP, *cmd.GroundValue)
		}
		m.markUsable(ctx, cmd.IP)
		_, err := m.Connect(cmd.IP, cmd.Port)
		return err
	case model.CmdModify:
		return m.Modify(ctx, cmd)
	case model.CmdRemove:
		m.Remove(cmd.IP)
		return nil
	default:
		return fmt.Errorf("sensor: unknown command %q", cmd.Cmd)
	}
}

// Modify hot-updates calibration on a live connection. A changed port or a
// disconnected sensor forces a fresh connect with the retry count reset.
// Unknown sensors are registered as by add.
func (m *Manager) Modify(ctx context.Context, cmd model.Command) error {
	m.ground.Delete(cmd.IP)
	c := m.get(cmd.IP)
	if c == nil {
		add := cmd
		add.Cmd = model.CmdAdd
		return m.Handle(ctx, add)
	}

	if cmd.GroundValue != nil {
		gv := *cmd.GroundValue
		c.setGround(gv)
		m.ground.Set(cmd.IP, gv)
		if err := m.store.SetGroundReference(ctx, cmd.IP, gv); err != nil {
			logging.Warn().Err(err).Str("ip", cmd.IP).Msg("ground reference not persisted")
		}
	}

	if (cmd.Port > 0 && cmd.Port != c.Port()) || c.State() == StateDisconnected {
		logging.Info().Str("ip", cmd.IP).Int("port", cmd.Port).Msg("sensor modified, reconnecting")
		m.markUsable(ctx, cmd.IP)
		c.stop(errRestart)
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			return ErrClosed
		}
		if m.conns[cmd.IP] != c {
			return ErrRemoved
		}
		c.rearm(cmd.Port)
		m.start(c)
		return nil
	}

	if cmd.GroundValue != nil {
		sent, err := c.write(InitCommand(*cmd.GroundValue), m.cfg.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("recalibrate %s: %w", cmd.IP, err)
		}
		if sent {
			logging.Info().Str("ip", cmd.IP).Int("ground_mm", *cmd.GroundValue).Msg("sensor recalibrated")
		}
	}
	return nil
}

// Remove tears a sensor's connection down and forgets it.
func (m *Manager) Remove(ip string) {
	m.mu.Lock()
	c, ok := m.conns[ip]
	delete(m.conns, ip)
	m.mu.Unlock()
	if !ok {
		logging.Debug().Str("ip", ip).Msg("remove: sensor not registered")
		return
	}
	c.stop(ErrRemoved)
	c.setState("")
	m.ground.Delete(ip)
	logging.Info().Str("ip", ip).Msg("sensor removed")
}

// Close tears down every connection. It is safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	m.cancel(ErrClosed)
	for _, c := range conns {
		c.stop(ErrClosed)
		c.setState("")
	}
}

// Get returns the handle of a registered sensor.
func (m *Manager) Get(ip string) (*Conn, bool) {
	c := m.get(ip)
	return c, c != nil
}

func (m *Manager) get(ip string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[ip]
}

// Snapshot returns every connection's state ordered by address.
func (m *Manager) Snapshot() []ConnState {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	out := make([]ConnState, len(conns))
	for i, c := range conns {
		out[i] = c.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// FlushStale forwards the latest level of every connected sensor that has
// not forwarded anything for the flush interval.
func (m *Manager) FlushStale(ctx context.Context) int {
	now := m.now()
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	n := 0
	for _, c := range conns {
		level, ok := c.due(now, m.cfg.FlushInterval)
		if !ok {
			continue
		}
		n++
		m.emit(ctx, c.ip, level, now, model.SourceFlush, true)
	}
	return n
}

func (m *Manager) run(ctx context.Context, cancel context.CancelCauseFunc, c *Conn, done chan struct{}) {
	defer close(done)
	// Release the per-connection context whichever way the loop ends.
	defer cancel(errEnded)
	log := logging.With().Str("ip", c.ip).Logger()

	for {
		err := m.session(ctx, c)
		if ctx.Err() != nil {
			log.Debug().AnErr("cause", context.Cause(ctx)).Msg("sensor connection stopped")
			return
		}

		prev, exhausted := c.failed(m.cfg.MaxRetries, m.now())
		if exhausted {
			m.exhaust(ctx, c, err)
			return
		}

		wait := Backoff(m.cfg.BackoffBase, m.cfg.BackoffMax, prev)
		c.setState(StateReconnecting)
		metrics.SensorReconnects.Inc()
		log.Warn().Err(err).Int("retry", prev+1).Dur("backoff", wait).Msg("sensor connection lost, reconnecting")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		c.setState(StateConnecting)
	}
}

// session runs one connection from dial to disconnect.
func (m *Manager) session(ctx context.Context, c *Conn) error {
	ground := m.calibration(ctx, c)
	addr := net.JoinHostPort(c.ip, strconv.Itoa(c.Port()))

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	nc, err := m.dialer.DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer nc.Close()
	stopClose := context.AfterFunc(ctx, func() { _ = nc.Close() })
	defer stopClose()

	c.attach(nc, ground, m.now())
	defer c.detach()

	if _, err := c.write(InitCommand(ground), m.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("send calibration to %s: %w", addr, err)
	}
	logging.Info().Str("ip", c.ip).Int("port", c.Port()).Int("ground_mm", ground).Msg("sensor connected")

	healthDone := make(chan struct{})
	defer close(healthDone)
	go m.healthCheck(c, nc, healthDone)

	sc := bufio.NewScanner(nc)
	sc.Split(scanLines)
	for sc.Scan() {
		m.handleLine(ctx, c, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return io.EOF
}

func (m *Manager) healthCheck(c *Conn, nc net.Conn, done <-chan struct{}) {
	interval := m.cfg.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if idle := m.now().Sub(c.LastData()); idle > m.cfg.DataTimeout {
				logging.Warn().Str("ip", c.ip).Dur("idle", idle).Msg("sensor silent past data timeout, dropping connection")
				_ = nc.Close()
				return
			}
		}
	}
}

func (m *Manager) handleLine(ctx context.Context, c *Conn, line string) {
	now := m.now()
	c.touch(now)

	if v, ok := IsAck(line); ok {
		logging.Debug().Str("ip", c.ip).Int("ground_mm", v).Msg("calibration acknowledged")
		return
	}
	f, ok := ParseFrame(line)
	if !ok {
		logging.Warn().Str("ip", c.ip).Str("line", line).Msg("unrecognized sensor line")
		return
	}
	level := f.LevelMm(c.Ground())
	if level < 0 {
		logging.Warn().Str("ip", c.ip).Float64("level_mm", level).Msg("discarding negative sensor level")
		return
	}

	forward := c.accept(level, now, m.cfg.DeadbandMm, m.cfg.HistorySize)
	m.emit(ctx, c.ip, level, now, model.SourceStreaming, forward)
}

func (m *Manager) emit(ctx context.Context, ip string, level float64, at time.Time, src model.SourceType, persist bool) {
	r := model.Reading{DeviceIP: ip, LevelMm: level, Timestamp: at, Source: src}
	var err error
	if persist {
		err = m.sink.Ingest(ctx, r)
	} else {
		err = m.sink.Evaluate(ctx, r)
	}
	if err != nil && ctx.Err() == nil {
		logging.Warn().Err(err).Str("ip", ip).Msg("sensor reading not ingested")
	}
}

func (m *Manager) calibration(ctx context.Context, c *Conn) int {
	if v, ok := m.ground.Get(c.ip); ok {
		return v
	}
	d, err := m.store.DeviceByIP(ctx, c.ip)
	if err != nil {
		logging.Warn().Err(err).Str("ip", c.ip).Msg("calibration lookup failed, keeping last ground reference")
		return c.Ground()
	}
	m.ground.Set(c.ip, d.GroundReferenceMm)
	return d.GroundReferenceMm
}

func (m *Manager) exhaust(ctx context.Context, c *Conn, cause error) {
	retry := c.Retry()
	logging.Error().Err(cause).Str("ip", c.ip).Int("retry", retry).Msg("sensor retry limit reached, giving up")
	if err := m.store.SetUseStatus(ctx, c.ip, false); err != nil {
		logging.Warn().Err(err).Str("ip", c.ip).Msg("use_status not persisted")
	}
	m.feed.Publish(feed.NewEvent(feed.TypeDeviceStatus, feed.DeviceStatusData{
		IP:     c.ip,
		State:  string(StateDisconnected),
		Retry:  retry,
		Reason: "retry limit reached",
	}))
	c.setState(StateDisconnected)
}

func (m *Manager) markUsable(ctx context.Context, ip string) {
	if err := m.store.SetUseStatus(ctx, ip, true); err != nil {
		logging.Warn().Err(err).Str("ip", ip).Msg("use_status not persisted")
	}
}

// scanLines splits on CR or LF and drops empty tokens, so frames and bare
// CR-terminated acknowledgements both come out as one token.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF && start < len(data) {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

package sensor

import (
	"context"
	"math"
	"net"
	"sync"
	"time"

	"github.com/sweeney/floodgate/internal/metrics"
)

// State is the lifecycle state of one sensor connection.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// Conn is the handle of one streaming sensor. Its state is owned by the
// Manager; callers only read it.
type Conn struct {
	ip string

	mu        sync.Mutex
	port      int
	state     State
	retry     int
	ground    int
	lastData  time.Time
	lastRetry time.Time
	socket    net.Conn
	gotFrame  bool

	latest        float64
	hasLatest     bool
	history       []float64
	lastForwarded float64
	forwarded     bool
	lastEmit      time.Time

	ctx    context.Context
	cancel func(error)
	done   chan struct{}
}

// ConnState is a point-in-time copy of a connection.
type ConnState struct {
	IP            string    `json:"ip"`
	Port          int       `json:"port"`
	State         State     `json:"state"`
	Retry         int       `json:"retry"`
	GroundMm      int       `json:"ground_mm"`
	LastDataTime  time.Time `json:"last_data_time"`
	LastRetryTime time.Time `json:"last_retry_time"`
	LatestMm      *float64  `json:"latest_mm,omitempty"`
	History       []float64 `json:"history,omitempty"`
}

func newConn(ip string, port, ground int) *Conn {
	return &Conn{ip: ip, port: port, ground: ground}
}

// IP returns the sensor address.
func (c *Conn) IP() string { return c.ip }

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retry returns the current retry count.
func (c *Conn) Retry() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retry
}

func (c *Conn) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

func (c *Conn) Ground() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ground
}

func (c *Conn) setGround(mm int) {
	c.mu.Lock()
	c.ground = mm
	c.mu.Unlock()
}

func (c *Conn) LastData() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastData
}

// Snapshot copies the connection state.
func (c *Conn) Snapshot() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := ConnState{
		IP:            c.ip,
		Port:          c.port,
		State:         c.state,
		Retry:         c.retry,
		GroundMm:      c.ground,
		LastDataTime:  c.lastData,
		LastRetryTime: c.lastRetry,
		History:       append([]float64(nil), c.history...),
	}
	if c.hasLatest {
		v := c.latest
		s.LatestMm = &v
	}
	return s
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(s)
}

func (c *Conn) setStateLocked(s State) {
	if c.state == s {
		return
	}
	if c.state != "" {
		metrics.SensorConnections.WithLabelValues(string(c.state)).Dec()
	}
	c.state = s
	if s != "" {
		metrics.SensorConnections.WithLabelValues(string(s)).Inc()
	}
}

// rearm prepares a stopped connection for a fresh connect cycle.
func (c *Conn) rearm(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if port > 0 {
		c.port = port
	}
	c.retry = 0
	c.setStateLocked(StateConnecting)
}

func (c *Conn) attach(nc net.Conn, ground int, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.socket = nc
	c.ground = ground
	c.lastData = now
	c.gotFrame = false
	c.setStateLocked(StateConnected)
}

func (c *Conn) detach() {
	c.mu.Lock()
	c.socket = nil
	c.mu.Unlock()
}

// write sends b on the live socket, if any. It reports false when the
// connection has no socket.
func (c *Conn) write(b []byte, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	nc := c.socket
	c.mu.Unlock()
	if nc == nil {
		return false, nil
	}
	if timeout > 0 {
		_ = nc.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := nc.Write(b)
	return true, err
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastData = now
	c.mu.Unlock()
}

// failed records a failed or ended session. It returns the retry count
// before this failure and whether the retry budget is spent.
func (c *Conn) failed(maxRetries int, now time.Time) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.retry
	c.retry++
	c.lastRetry = now
	return prev, c.retry >= maxRetries
}

// accept records a valid level and reports whether it differs enough from
// the last forwarded level to be forwarded.
func (c *Conn) accept(level float64, now time.Time, deadband float64, historySize int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.gotFrame {
		c.gotFrame = true
		c.retry = 0
	}
	c.latest, c.hasLatest = level, true
	if historySize > 0 {
		if len(c.history) >= historySize {
			copy(c.history, c.history[len(c.history)-historySize+1:])
			c.history = c.history[:historySize-1]
		}
		c.history = append(c.history, level)
	}

	if c.forwarded && math.Abs(level-c.lastForwarded) < deadband {
		return false
	}
	c.forwarded, c.lastForwarded, c.lastEmit = true, level, now
	return true
}

// due reports the latest level when nothing was forwarded for interval.
func (c *Conn) due(now time.Time, interval time.Duration) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || !c.hasLatest || now.Sub(c.lastEmit) < interval {
		return 0, false
	}
	c.lastForwarded, c.lastEmit = c.latest, now
	return c.latest, true
}

// loopContext returns the context of the current connect loop, or nil
// before the first start.
func (c *Conn) loopContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *Conn) stop(cause error) {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel(cause)
	<-done
}

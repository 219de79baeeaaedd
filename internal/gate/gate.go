// Package gate actuates crossing-gate controllers over their raw TCP
// protocol: STX/ETX-bracketed ASCII frames, with a reset frame that differs
// by controller model followed by a fixed GATE DOWN frame.
package gate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/sweeney/floodgate/internal/breaker"
	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/metrics"
	"github.com/sweeney/floodgate/internal/model"
)

// ErrUnavailable is returned while a gate's breaker is open.
var ErrUnavailable = errors.New("gate: controller unavailable")

// ErrPrematureClose is returned when the controller drops the connection
// before the close sequence completes.
var ErrPrematureClose = errors.New("gate: connection closed by controller")

const (
	stx = "\x02"
	etx = "\x03\r\n"
)

// ResetFrame returns the reset command for a controller model.
func ResetFrame(m model.ControllerModel) []byte {
	if m == model.ControllerIntegrated {
		return []byte(stx + "RESET ALL" + etx)
	}
	return []byte(stx + "RESET" + etx)
}

// CloseFrame is the gate down command.
func CloseFrame() []byte {
	return []byte(stx + "GATE DOWN" + etx)
}

// Bus is an in-process controller bus that, when ready, takes precedence
// over direct sockets.
type Bus interface {
	Ready() bool
	Close(ctx context.Context, g model.GateSite) error
}

// Dialer opens controller connections; *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Config holds actuation timing and ports.
type Config struct {
	CommandTimeout time.Duration
	ResetSettle    time.Duration
	DownSettle     time.Duration
	IntegratedPort int
	StandardPort   int
	Breaker        breaker.Settings
}

// Actuator closes gates.
type Actuator struct {
	cfg      Config
	dialer   Dialer
	breakers *breaker.Set[struct{}]

	mu  sync.RWMutex
	bus Bus
}

// NewActuator creates an actuator dialing through dialer.
func NewActuator(cfg Config, dialer Dialer) *Actuator {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Actuator{
		cfg:      cfg,
		dialer:   dialer,
		breakers: breaker.NewSet[struct{}]("gate", cfg.Breaker),
	}
}

// SetBus registers (or, with nil, removes) the controller bus.
func (a *Actuator) SetBus(b Bus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bus = b
}

// Port returns the controller port for a model.
func (a *Actuator) Port(m model.ControllerModel) int {
	if m == model.ControllerIntegrated {
		return a.cfg.IntegratedPort
	}
	return a.cfg.StandardPort
}

// BreakerStates reports breaker state per gate address.
func (a *Actuator) BreakerStates() map[string]string {
	return a.breakers.States()
}

// Close runs the close sequence for g. A nil error means the controller
// accepted the full sequence.
func (a *Actuator) Close(ctx context.Context, g model.GateSite) error {
	a.mu.RLock()
	bus := a.bus
	a.mu.RUnlock()
	if bus != nil && bus.Ready() {
		logging.Debug().Int64("site_id", g.SiteID).Msg("closing gate via controller bus")
		return bus.Close(ctx, g)
	}

	start := time.Now()
	_, err := a.breakers.Get(g.GateIP).Execute(func() (struct{}, error) {
		return struct{}{}, a.closeDirect(ctx, g)
	})
	metrics.GateCommandDuration.WithLabelValues(string(g.ControllerModel)).Observe(time.Since(start).Seconds())

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrUnavailable, g.GateIP)
	}
	return err
}

func (a *Actuator) closeDirect(ctx context.Context, g model.GateSite) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CommandTimeout+a.cfg.ResetSettle+a.cfg.DownSettle)
	defer cancel()

	addr := net.JoinHostPort(g.GateIP, strconv.Itoa(a.Port(g.ControllerModel)))
	dialCtx, dialCancel := context.WithTimeout(ctx, a.cfg.CommandTimeout)
	conn, err := a.dialer.DialContext(dialCtx, "tcp", addr)
	dialCancel()
	if err != nil {
		return fmt.Errorf("dial gate %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}

	// The controller never answers; any read result means it hung up
	dropped := make(chan error, 1)
	go func() {
		buf := make([]byte, 64)
		for {
			if _, err := conn.Read(buf); err != nil {
				dropped <- err
				return
			}
		}
	}()

	if _, err := conn.Write(ResetFrame(g.ControllerModel)); err != nil {
		return fmt.Errorf("write reset to %s: %w", addr, err)
	}
	if err := settle(ctx, a.cfg.ResetSettle, dropped); err != nil {
		return fmt.Errorf("gate %s after reset: %w", addr, err)
	}
	if _, err := conn.Write(CloseFrame()); err != nil {
		return fmt.Errorf("write gate down to %s: %w", addr, err)
	}
	if err := settle(ctx, a.cfg.DownSettle, dropped); err != nil {
		return fmt.Errorf("gate %s after gate down: %w", addr, err)
	}

	logging.Info().Int64("site_id", g.SiteID).Str("gate_ip", g.GateIP).Msg("gate close sequence sent")
	return nil
}

func settle(ctx context.Context, d time.Duration, dropped <-chan error) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-dropped:
		return ErrPrematureClose
	}
}

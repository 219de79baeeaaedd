package gate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/floodgate/internal/breaker"
	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/model"
)

func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

func testConfig() Config {
	return Config{
		CommandTimeout: 2 * time.Second,
		ResetSettle:    5 * time.Millisecond,
		DownSettle:     5 * time.Millisecond,
		IntegratedPort: 2000,
		StandardPort:   5000,
		Breaker:        breaker.Settings{Failures: 2, OpenFor: time.Hour},
	}
}

// recorder collects everything a fake controller receives until the client
// hangs up.
type recorder struct {
	mu   sync.Mutex
	got  map[string][]byte
	done chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(map[string][]byte), done: make(chan struct{}, 8)}
}

func (r *recorder) accept(addr string, server net.Conn) {
	defer func() { r.done <- struct{}{} }()
	data, _ := io.ReadAll(server)
	r.mu.Lock()
	r.got[addr] = data
	r.mu.Unlock()
}

func (r *recorder) received(t *testing.T, addr string) []byte {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("controller never saw the connection close")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[addr]
}

func TestFrames(t *testing.T) {
	if got := string(ResetFrame(model.ControllerIntegrated)); got != "\x02RESET ALL\x03\r\n" {
		t.Errorf("integrated reset: %q", got)
	}
	if got := string(ResetFrame(model.ControllerStandard)); got != "\x02RESET\x03\r\n" {
		t.Errorf("standard reset: %q", got)
	}
	if got := string(CloseFrame()); got != "\x02GATE DOWN\x03\r\n" {
		t.Errorf("close: %q", got)
	}
}

func TestCloseSendsSequencePerDialect(t *testing.T) {
	tests := []struct {
		name  string
		model model.ControllerModel
		addr  string
	}{
		{"integrated", model.ControllerIntegrated, "10.1.0.1:2000"},
		{"standard", model.ControllerStandard, "10.1.0.1:5000"},
		{"unset defaults to standard", "", "10.1.0.1:5000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			a := NewActuator(testConfig(), &PipeDialer{Accept: rec.accept})

			err := a.Close(context.Background(), model.GateSite{SiteID: 1, GateIP: "10.1.0.1", ControllerModel: tt.model})
			if err != nil {
				t.Fatalf("Close: %v", err)
			}
			want := append(ResetFrame(tt.model), CloseFrame()...)
			if got := rec.received(t, tt.addr); !bytes.Equal(got, want) {
				t.Errorf("controller received %q, want %q", got, want)
			}
		})
	}
}

func TestClosePrematureHangup(t *testing.T) {
	cfg := testConfig()
	cfg.ResetSettle = 5 * time.Second
	d := &PipeDialer{Accept: func(_ string, server net.Conn) {
		buf := make([]byte, len(ResetFrame(model.ControllerStandard)))
		_, _ = io.ReadFull(server, buf)
		_ = server.Close()
	}}
	a := NewActuator(cfg, d)

	start := time.Now()
	err := a.Close(context.Background(), model.GateSite{GateIP: "10.1.0.2"})
	if !errors.Is(err, ErrPrematureClose) {
		t.Fatalf("got %v, want ErrPrematureClose", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("hangup should cut the settle delay short")
	}
}

func TestCloseBreakerOpensAfterFailures(t *testing.T) {
	d := &PipeDialer{Err: errors.New("connection refused")}
	a := NewActuator(testConfig(), d)
	g := model.GateSite{GateIP: "10.1.0.3"}

	for i := 0; i < 2; i++ {
		if err := a.Close(context.Background(), g); err == nil || errors.Is(err, ErrUnavailable) {
			t.Fatalf("attempt %d: got %v, want dial error", i, err)
		}
	}
	if err := a.Close(context.Background(), g); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
	if len(d.Addrs()) != 2 {
		t.Errorf("dials: got %d, want 2", len(d.Addrs()))
	}
	if a.BreakerStates()["10.1.0.3"] != "open" {
		t.Errorf("breaker states: %v", a.BreakerStates())
	}

	// Other gates are unaffected
	d.Err = nil
	rec := newRecorder()
	d.Accept = rec.accept
	if err := a.Close(context.Background(), model.GateSite{GateIP: "10.1.0.4"}); err != nil {
		t.Errorf("independent gate: %v", err)
	}
}

type fakeBus struct {
	ready  bool
	closed []int64
}

func (b *fakeBus) Ready() bool { return b.ready }

func (b *fakeBus) Close(_ context.Context, g model.GateSite) error {
	b.closed = append(b.closed, g.SiteID)
	return nil
}

func TestClosePrefersReadyBus(t *testing.T) {
	d := &PipeDialer{Err: errors.New("should not dial")}
	a := NewActuator(testConfig(), d)
	bus := &fakeBus{ready: true}
	a.SetBus(bus)

	if err := a.Close(context.Background(), model.GateSite{SiteID: 9, GateIP: "10.1.0.9"}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(bus.closed) != 1 || len(d.Addrs()) != 0 {
		t.Errorf("bus closes %v, dials %v", bus.closed, d.Addrs())
	}

	bus.ready = false
	if err := a.Close(context.Background(), model.GateSite{SiteID: 9, GateIP: "10.1.0.9"}); err == nil {
		t.Error("expected direct dial (and its error) when the bus is not ready")
	}
}

func TestCloseHonoursContext(t *testing.T) {
	cfg := testConfig()
	cfg.ResetSettle = 5 * time.Second
	rec := newRecorder()
	a := NewActuator(cfg, &PipeDialer{Accept: rec.accept})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := a.Close(ctx, model.GateSite{GateIP: "10.1.0.5"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}

func TestCancelledCloseKeepsBreakerClosed(t *testing.T) {
	cfg := testConfig()
	cfg.ResetSettle = 200 * time.Millisecond
	rec := newRecorder()
	d := &PipeDialer{Accept: rec.accept}
	a := NewActuator(cfg, d)
	g := model.GateSite{GateIP: "10.1.0.6"}

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(10*time.Millisecond, cancel)
		if err := a.Close(ctx, g); !errors.Is(err, context.Canceled) {
			t.Fatalf("attempt %d: got %v, want canceled", i, err)
		}
		cancel()
	}
	if state := a.BreakerStates()["10.1.0.6"]; state != "closed" {
		t.Fatalf("breaker after cancellations: %q", state)
	}

	if err := a.Close(context.Background(), g); err != nil {
		t.Errorf("close after cancellations: %v", err)
	}
	if len(d.Addrs()) != 4 {
		t.Errorf("dials: got %d, want 4", len(d.Addrs()))
	}
}

package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/floodgate/internal/config"
	"github.com/sweeney/floodgate/internal/gate"
	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/model"
)

func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

// gateController accepts gate connections and records every byte received.
type gateController struct {
	ln net.Listener

	mu   sync.Mutex
	recv bytes.Buffer
}

func startGateController(t *testing.T) *gateController {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	g := &gateController{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 256)
				for {
					n, err := conn.Read(buf)
					g.mu.Lock()
					g.recv.Write(buf[:n])
					g.mu.Unlock()
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return g
}

func (g *gateController) port() int {
	return g.ln.Addr().(*net.TCPAddr).Port
}

func (g *gateController) received() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recv.String()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Logging.Level = "error"
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Poll.Enabled = false
	cfg.Control.SpeakerSettle = 0
	cfg.Gate.ResetSettle = time.Millisecond
	cfg.Gate.DownSettle = time.Millisecond
	cfg.Gate.CommandTimeout = 2 * time.Second
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	return &cfg
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPushExceedanceClosesGate(t *testing.T) {
	ctrl := startGateController(t)
	cfg := testConfig(t)
	cfg.Gate.StandardPort = ctrl.port()

	a, err := build(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	ctx := context.Background()
	id, err := a.store.UpsertDevice(ctx, model.Device{
		IP: "10.0.0.5", Model: model.ModelPush, ThresholdMeters: 2, UseStatus: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.store.UpsertGate(ctx, model.GateSite{
		SiteID: 1, Name: "north crossing", GateIP: "127.0.0.1",
		GateStatus: model.GateOpen, ControllerModel: model.ControllerStandard,
	}); err != nil {
		t.Fatal(err)
	}
	if err := a.store.AddBinding(ctx, model.Binding{
		WaterLevelID: id, SiteID: 1, Enabled: true, ControlMode: model.ControlIndividual,
	}); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(a.server.Handler())
	defer ts.Close()

	post := func() {
		t.Helper()
		body := `{"device":{"ip":"10.0.0.5"},"data":{"height":"2.5"}}`
		resp, err := http.Post(ts.URL+"/api/push", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("push status: got %d, want 202", resp.StatusCode)
		}
	}

	post()
	post()
	g, err := a.store.Gate(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if g.GateStatus != model.GateOpen {
		t.Fatalf("gate closed after two readings")
	}

	post()
	g, err = a.store.Gate(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if g.GateStatus != model.GateClosed {
		t.Errorf("gate status: got %s, want closed", g.GateStatus)
	}

	want := string(gate.ResetFrame(model.ControllerStandard)) + string(gate.CloseFrame())
	eventually(t, func() bool { return ctrl.received() == want })

	dev, err := a.store.DeviceByIP(ctx, "10.0.0.5")
	if err != nil {
		t.Fatal(err)
	}
	if dev.CurrentLevelMeters != 2.5 {
		t.Errorf("current level: got %v, want 2.5", dev.CurrentLevelMeters)
	}
}

func TestBuildWithPollerAndBadgerWatermarks(t *testing.T) {
	cfg := testConfig(t)
	cfg.Poll.Enabled = true
	cfg.Poll.WatermarkDir = t.TempDir()

	a, err := build(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	snap := a.tracker.Snapshot()
	if snap.Poll != nil {
		t.Error("no poll cycle has run yet")
	}
	if !snap.Config.PollEnabled {
		t.Error("config echo lost poll.enabled")
	}
	a.Close()
	a.Close()
}

func TestBuildFailsOnUnavailableAlarm(t *testing.T) {
	cfg := testConfig(t)
	cfg.Alarm.Enabled = true
	cfg.Alarm.Chip = "no-such-gpiochip"

	if _, err := build(cfg); err == nil {
		t.Fatal("expected alarm init error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("run did not stop")
	}
}

package feed

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/sweeney/floodgate/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "error", Output: io.Discard})
}

func startHub(t *testing.T, replay int) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	hub := NewHub(replay)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.RunWithContext(ctx)
		close(done)
	}()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return hub, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var e Event
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatalf("decode %s: %v", msg, err)
	}
	return e
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubReplaysHistoryToNewClient(t *testing.T) {
	hub, srv, _ := startHub(t, 10)

	for _, typ := range []string{TypeData, TypeAutoControl, TypeGateStatus} {
		hub.Publish(NewEvent(typ, map[string]string{"k": typ}))
	}
	waitFor(t, func() bool { return len(hub.Replay()) == 3 })

	conn := dial(t, srv)
	for _, want := range []string{TypeData, TypeAutoControl, TypeGateStatus} {
		if got := readEvent(t, conn); got.Type != want {
			t.Errorf("replayed type: got %q, want %q", got.Type, want)
		}
	}
}

func TestHubReplayIsBounded(t *testing.T) {
	hub, _, _ := startHub(t, 2)

	for i := 0; i < 3; i++ {
		hub.Publish(NewEvent(TypeData, i))
	}
	waitFor(t, func() bool {
		r := hub.Replay()
		return len(r) == 2 && strings.Contains(string(r[1]), `"data":2`)
	})

	r := hub.Replay()
	if !strings.Contains(string(r[0]), `"data":1`) {
		t.Errorf("oldest kept event: got %s", r[0])
	}
}

func TestHubBroadcastsToLiveClients(t *testing.T) {
	hub, srv, _ := startHub(t, 10)

	a := dial(t, srv)
	b := dial(t, srv)
	waitFor(t, func() bool { return hub.ClientCount() == 2 })

	hub.Publish(NewEvent(TypeGateStatus, GateStatusData{SiteID: 4, GateIP: "10.1.0.4", Status: "closed"}))

	for _, conn := range []*websocket.Conn{a, b} {
		e := readEvent(t, conn)
		if e.Type != TypeGateStatus || e.ID == "" {
			t.Errorf("event: got %+v", e)
		}
		data, ok := e.Data.(map[string]any)
		if !ok || data["status"] != "closed" {
			t.Errorf("data: got %#v", e.Data)
		}
	}
}

func TestHubUnregistersClosedClient(t *testing.T) {
	hub, srv, _ := startHub(t, 10)

	conn := dial(t, srv)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })
	_ = conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub, srv, cancel := startHub(t, 10)

	conn := dial(t, srv)
	waitFor(t, func() bool { return hub.ClientCount() == 1 })
	cancel()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected read error after hub shutdown")
	}
}

func TestHubPublishDropsWhenQueueFull(t *testing.T) {
	hub := NewHub(5) // not running
	for i := 0; i < cap(hub.broadcast)+10; i++ {
		hub.Publish(NewEvent(TypeData, i))
	}
	if len(hub.broadcast) != cap(hub.broadcast) {
		t.Errorf("queue length: got %d, want %d", len(hub.broadcast), cap(hub.broadcast))
	}
}

func TestFanout(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	f := Fanout{a, nil, b}

	f.Publish(NewEvent(TypeData, 1))
	f.Publish(NewEvent(TypeDeviceStatus, 2))

	for _, r := range []*Recorder{a, b} {
		if len(r.Events()) != 2 {
			t.Errorf("events: got %d, want 2", len(r.Events()))
		}
		if len(r.OfType(TypeDeviceStatus)) != 1 {
			t.Errorf("device_status events: got %d, want 1", len(r.OfType(TypeDeviceStatus)))
		}
	}
	a.Reset()
	if len(a.Events()) != 0 {
		t.Error("expected Reset to clear events")
	}
}

package feed

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/metrics"
)

// Hub fans feed events out to WebSocket clients. The last replaySize events
// are kept and sent to each client as it connects.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan Event
	register   chan *client
	unregister chan *client

	mu         sync.RWMutex
	replay     [][]byte
	replaySize int

	upgrader websocket.Upgrader
}

// NewHub creates a hub keeping replaySize events of history.
func NewHub(replaySize int) *Hub {
	if replaySize < 1 {
		replaySize = 1
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		replaySize: replaySize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed is read-only and served on the plant network
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Publish queues an event for broadcast. A full queue drops the event.
func (h *Hub) Publish(e Event) {
	select {
	case h.broadcast <- e:
	default:
		logging.Warn().Str("type", e.Type).Msg("feed broadcast queue full, dropping event")
	}
}

// Serve implements suture.Service.
func (h *Hub) Serve(ctx context.Context) error {
	return h.RunWithContext(ctx)
}

// RunWithContext processes registrations and broadcasts until ctx is done.
func (h *Hub) RunWithContext(ctx context.Context) error {
	for {
		// Lifecycle events first so a client registered before a broadcast sees it
		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
			continue
		case c := <-h.unregister:
			h.remove(c)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			h.shutdown()
			return ctx.Err()
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case e := <-h.broadcast:
			h.send(e)
		}
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	for _, msg := range h.replay {
		select {
		case c.send <- msg:
		default:
		}
	}
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()

	metrics.FeedClients.Set(float64(n))
	logging.Info().Int("total_clients", n).Msg("feed client connected")
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	metrics.FeedClients.Set(float64(n))
	logging.Info().Int("total_clients", n).Msg("feed client disconnected")
}

func (h *Hub) send(e Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		logging.Warn().Err(err).Str("type", e.Type).Msg("failed to encode feed event")
		return
	}
	metrics.FeedEvents.WithLabelValues(e.Type).Inc()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.replay = append(h.replay, msg)
	if len(h.replay) > h.replaySize {
		h.replay = h.replay[len(h.replay)-h.replaySize:]
	}

	for _, c := range h.sortedClients() {
		select {
		case c.send <- msg:
		default:
			// Slow client; drop it rather than stall the feed
			close(c.send)
			delete(h.clients, c)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	n := len(h.clients)
	for _, c := range h.sortedClients() {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()

	metrics.FeedClients.Set(0)
	logging.Info().Str("component", "feed-hub").Int("clients_closed", n).Msg("feed hub stopped")
}

// sortedClients must be called with h.mu held.
func (h *Hub) sortedClients() []*client {
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Replay returns a copy of the buffered history, oldest first.
func (h *Hub) Replay() [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([][]byte, len(h.replay))
	copy(out, h.replay)
	return out
}

// ServeHTTP upgrades the request to a WebSocket feed connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("feed upgrade failed")
		return
	}
	c := newClient(h, conn)
	select {
	case h.register <- c:
	case <-r.Context().Done():
		_ = conn.Close()
		return
	}
	c.start()
}

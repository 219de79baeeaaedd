// Package web provides the HTTP surface of the floodgate daemon: the status
// page, the live feed upgrade, the push ingestion endpoint, the device
// command endpoint and Prometheus metrics.
package web

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/floodgate/internal/command"
	"github.com/sweeney/floodgate/internal/logging"
	"github.com/sweeney/floodgate/internal/model"
	"github.com/sweeney/floodgate/internal/status"
)

const (
	maxCommandBody  = 16 << 10
	shutdownTimeout = 5 * time.Second
)

// Commands accepts management commands.
type Commands interface {
	Submit(ctx context.Context, cmd model.Command) error
}

// Options selects the optional routes. A nil handler disables its route.
type Options struct {
	Feed     http.Handler
	Push     http.Handler
	Commands Commands
	// PushRateLimit is the per-client request budget per minute on /api/push.
	PushRateLimit int
}

// Server serves the daemon's HTTP routes.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	commands   Commands
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts Options) *Server {
	s := &Server{tracker: tracker, commands: opts.Commands}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	r.Handle("/metrics", promhttp.Handler())

	if opts.Feed != nil {
		r.Get("/ws", opts.Feed.ServeHTTP)
	}
	if opts.Push != nil {
		limit := opts.PushRateLimit
		if limit <= 0 {
			limit = 600
		}
		r.With(httprate.LimitByIP(limit, time.Minute)).Post("/api/push", opts.Push.ServeHTTP)
	}
	if opts.Commands != nil {
		r.Post("/api/devices/commands", s.handleCommand)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Serve listens on the configured address until ctx is done, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener accepts connections on ln until ctx is done.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.Serve(ln) }()
	logging.Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("http shutdown")
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

type commandReply struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBody))
	if err != nil {
		writeReply(w, http.StatusBadRequest, commandReply{Error: "unreadable body"})
		return
	}
	var cmd model.Command
	if err := json.Unmarshal(body, &cmd); err != nil {
		writeReply(w, http.StatusBadRequest, commandReply{Error: "malformed command"})
		return
	}

	err = s.commands.Submit(r.Context(), cmd)
	switch {
	case err == nil:
		writeReply(w, http.StatusAccepted, commandReply{Accepted: true})
	case errors.Is(err, command.ErrInvalid):
		writeReply(w, http.StatusBadRequest, commandReply{Error: err.Error()})
	default:
		logging.Warn().Err(err).Str("cmd", cmd.Cmd).Str("ip", cmd.IP).Msg("submit device command")
		writeReply(w, http.StatusServiceUnavailable, commandReply{Error: "command bus unavailable"})
	}
}

func writeReply(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

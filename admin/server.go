// Package admin serves the relay's operator HTTP surface: Prometheus
// metrics, aggregated health, the live client list, the presence table and
// a websocket feed of routed traffic.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/cotrelay/cot"
	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/health"
	"github.com/c360/cotrelay/metric"
	"github.com/c360/cotrelay/router"
	"github.com/c360/cotrelay/session"
)

// DefaultAddr is loopback-only; the admin surface has no authentication.
const DefaultAddr = "127.0.0.1:8090"

const healthCheckTimeout = 2 * time.Second

// Deps holds what the handlers read from. Router is required; the others
// disable their endpoint when nil.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
	Router          *router.Router
	Hub             *Hub
	Checkers        []health.Checker
	NodeID          string
}

// Server is the admin HTTP server.
type Server struct {
	addr   string
	deps   Deps
	logger *slog.Logger
	mux    *http.ServeMux
	start  time.Time

	mu   sync.Mutex
	http *http.Server
	ln   net.Listener
	done chan struct{}
}

// PresenceEntry is one row of GET /presence.
type PresenceEntry struct {
	UID      string    `json:"uid"`
	Callsign string    `json:"callsign,omitempty"`
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
	Stale    time.Time `json:"stale"`
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
}

// New creates the server and registers its routes.
func New(addr string, deps Deps) (*Server, error) {
	if deps.Router == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "admin", "New", "router check")
	}
	if addr == "" {
		addr = DefaultAddr
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:   addr,
		deps:   deps,
		logger: logger.With("component", "admin"),
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	if s.deps.MetricsRegistry != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(
			s.deps.MetricsRegistry.PrometheusRegistry(),
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		))
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /clients", s.handleClients)
	s.mux.HandleFunc("GET /presence", s.handlePresence)
	s.mux.HandleFunc("DELETE /presence", s.handlePurge)
	if s.deps.Hub != nil {
		s.mux.Handle("GET /ws", s.deps.Hub)
	}
}

// Handler returns the route mux.
func (s *Server) Handler() http.Handler { return s.mux }

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.http != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "admin", "Start", "start")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(err, "admin", "Start", fmt.Sprintf("bind %s", s.addr))
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.http, s.ln, s.done = srv, ln, make(chan struct{})

	done := s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin HTTP server error", "error", err)
		}
	}()

	s.logger.Info("Admin server started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Stop shuts the HTTP server down gracefully. Hijacked websocket
// connections are owned by the hub and closed with it.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	srv, done := s.http, s.done
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return errors.WrapTransient(err, "admin", "Stop", "graceful shutdown")
	}
	<-done
	s.logger.Debug("Admin server stopped", "duration", time.Since(start))
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checkers := append([]health.Checker{s.routerChecker()}, s.deps.Checkers...)
	name := s.deps.NodeID
	if name == "" {
		name = "cotrelay"
	}
	st := health.Run(r.Context(), name, healthCheckTimeout, checkers...).WithMetrics(&health.Metrics{
		Uptime:   time.Since(s.start).Round(time.Second),
		Sessions: s.deps.Router.Len(),
	})

	code := http.StatusOK
	if st.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, st)
}

func (s *Server) routerChecker() health.Checker {
	return health.CheckFunc{
		Component: "router",
		Fn: func(context.Context) health.Status {
			return health.NewHealthy("router", fmt.Sprintf("%d clients", s.deps.Router.Len()))
		},
	}
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clients := s.deps.Router.FindClients(router.Filter{
		UID:      q.Get("uid"),
		Callsign: q.Get("callsign"),
	})

	out := make([]session.Info, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.Info())
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Router.Presence(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	out := make([]PresenceEntry, 0, len(events))
	for _, ev := range events {
		out = append(out, presenceEntry(ev))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func presenceEntry(ev *cot.Event) PresenceEntry {
	return PresenceEntry{
		UID:      ev.UID,
		Callsign: ev.Callsign(),
		Type:     ev.Type,
		Time:     ev.Time,
		Stale:    ev.Stale,
		Lat:      ev.Point.Lat,
		Lon:      ev.Point.Lon,
	}
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Router.PurgePresence(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"purged": n})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.logger.Warn("Admin request failed", "error", err)
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

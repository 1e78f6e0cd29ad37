// Package server accepts CoT client connections and wires each one into the
// router as a session.
//
// A Server owns up to three listeners:
//
//   - the CoT listener (plain TCP, or TLS with optional client certificates),
//   - an optional plaintext monitor listener whose sessions receive all
//     traffic but whose inbound events are dropped,
//   - an optional UDP ingest socket for datagram CoT, routed with no sender.
//     Datagrams are handed to a small worker pool so a slow route never
//     stalls the socket; when the pool queue is full the datagram is dropped.
//
// Each accepted connection runs in its own goroutine with panic recovery; a
// failed handshake or a crashing handler only ever costs that connection.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/cotrelay/cot"
	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/metric"
	"github.com/c360/cotrelay/pkg/retry"
	"github.com/c360/cotrelay/pkg/worker"
	"github.com/c360/cotrelay/router"
	"github.com/c360/cotrelay/session"
)

// Well-known CoT ports.
const (
	DefaultPort    = 8087
	DefaultTLSPort = 8089

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultStopTimeout      = 5 * time.Second

	udpBufferSize       = 65536
	udpSocketBufferSize = 2 * 1024 * 1024
)

// PortFor applies the port convention: a configured port wins, otherwise
// 8089 with TLS and 8087 without.
func PortFor(port int, tlsEnabled bool) int {
	if port > 0 {
		return port
	}
	if tlsEnabled {
		return DefaultTLSPort
	}
	return DefaultPort
}

// Config holds listener configuration. Addresses are host:port; an empty
// MonitorAddr or UDPAddr disables that listener. Port 0 picks an ephemeral
// port.
type Config struct {
	Addr        string
	MonitorAddr string
	UDPAddr     string

	// TLS enables TLS on Addr when non-nil. The monitor and UDP listeners are
	// always plaintext.
	TLS              *tls.Config
	HandshakeTimeout time.Duration

	Session     session.Config
	BindRetry   retry.Config
	AcceptRetry retry.Config

	// UDPWorkers and UDPQueueSize size the datagram worker pool.
	UDPWorkers   int
	UDPQueueSize int
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.BindRetry.MaxAttempts == 0 {
		c.BindRetry = retry.DefaultConfig()
	}
	if c.UDPWorkers <= 0 {
		c.UDPWorkers = worker.DefaultWorkers
	}
	if c.UDPQueueSize <= 0 {
		c.UDPQueueSize = worker.DefaultQueueSize
	}
	if c.AcceptRetry.InitialDelay == 0 {
		c.AcceptRetry = retry.Config{
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		}
	}
	return c
}

// Deps holds runtime dependencies.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Server runs the relay's listeners.
type Server struct {
	cfg            Config
	router         *router.Router
	logger         *slog.Logger
	registry       *metric.MetricsRegistry
	metrics        *serverMetrics
	sessionMetrics *session.Metrics

	mu       sync.Mutex
	ln       net.Listener
	monitor  net.Listener
	udp      *net.UDPConn
	pool     *worker.Pool[datagram]
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	active   atomic.Int64
}

// New creates a server routing through r.
func New(cfg Config, r *router.Router, deps Deps) (*Server, error) {
	if r == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "New", "router check")
	}
	if cfg.Addr == "" {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "New", "listen address check")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m, err := newServerMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.Wrap(err, "Server", "New", "register metrics")
	}
	sm, err := session.NewMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, errors.Wrap(err, "Server", "New", "register session metrics")
	}

	return &Server{
		cfg:            cfg.withDefaults(),
		router:         r,
		logger:         logger.With("component", "server"),
		registry:       deps.MetricsRegistry,
		metrics:        m,
		sessionMetrics: sm,
	}, nil
}

// Start binds every configured listener and starts serving. Binding is
// retried; if any listener cannot be bound the ones already bound are closed
// and the error is returned.
func (s *Server) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "start")
	}

	ln, err := s.listenTCP(ctx, s.cfg.Addr)
	if err != nil {
		return err
	}

	var monitor net.Listener
	if s.cfg.MonitorAddr != "" {
		if monitor, err = s.listenTCP(ctx, s.cfg.MonitorAddr); err != nil {
			_ = ln.Close()
			return err
		}
	}

	var udp *net.UDPConn
	var pool *worker.Pool[datagram]
	if s.cfg.UDPAddr != "" {
		if pool, err = s.newDatagramPool(); err == nil {
			udp, err = s.listenUDP(ctx, s.cfg.UDPAddr)
		}
		if err != nil {
			_ = ln.Close()
			if monitor != nil {
				_ = monitor.Close()
			}
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.ln, s.monitor, s.udp, s.pool, s.cancel = ln, monitor, udp, pool, cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(runCtx, ln, "cot", s.cfg.TLS, false)
	s.logger.Info("CoT listener started", "addr", ln.Addr().String(), "tls", s.cfg.TLS != nil)

	if monitor != nil {
		s.wg.Add(1)
		go s.acceptLoop(runCtx, monitor, "monitor", nil, true)
		s.logger.Info("Monitor listener started", "addr", monitor.Addr().String())
	}
	if udp != nil {
		if err := pool.Start(runCtx); err != nil {
			cancel()
			return errors.Wrap(err, "Server", "Start", "start datagram workers")
		}
		s.wg.Add(1)
		go s.udpLoop(runCtx, udp, pool)
		s.logger.Info("UDP ingest started", "addr", udp.LocalAddr().String(),
			"workers", s.cfg.UDPWorkers, "queue_size", s.cfg.UDPQueueSize)
	}

	return nil
}

func (s *Server) listenTCP(ctx context.Context, addr string) (net.Listener, error) {
	ln, err := retry.DoWithResult(ctx, s.cfg.BindRetry, func() (net.Listener, error) {
		return net.Listen("tcp", addr)
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("bind %s", addr))
	}
	return ln, nil
}

func (s *Server) listenUDP(ctx context.Context, addr string) (*net.UDPConn, error) {
	conn, err := retry.DoWithResult(ctx, s.cfg.BindRetry, func() (*net.UDPConn, error) {
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, retry.NonRetryable(err)
		}
		return net.ListenUDP("udp", udpAddr)
	})
	if err != nil {
		return nil, errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("bind udp %s", addr))
	}

	if err := conn.SetReadBuffer(udpSocketBufferSize); err != nil {
		s.logger.Warn("Could not set UDP buffer size", "buffer_size", udpSocketBufferSize, "error", err)
	}
	return conn, nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, name string, tlsCfg *tls.Config, readOnly bool) {
	defer s.wg.Done()

	backoff := retry.NewBackoff(s.cfg.AcceptRetry)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			delay := backoff.Next()
			s.metrics.recordAcceptError()
			s.logger.Warn("Accept failed, retrying", "listener", name, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		backoff.Reset()
		s.metrics.recordAccept(name)

		s.wg.Add(1)
		go s.handleConn(ctx, conn, tlsCfg, readOnly)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, tlsCfg *tls.Config, readOnly bool) {
	defer s.wg.Done()
	remote := conn.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.recordPanic()
			s.logger.Error("Recovered from panic in connection handler",
				"remote_addr", remote, "panic", r, "stack", string(debug.Stack()))
			_ = conn.Close()
		}
	}()

	if tlsCfg != nil {
		tconn, err := s.handshake(ctx, conn, tlsCfg)
		if err != nil {
			s.logger.Warn("TLS handshake failed", "remote_addr", remote, "error", err)
			_ = conn.Close()
			return
		}
		conn = tconn
	}

	if s.stopping.Load() {
		_ = conn.Close()
		return
	}

	cfg := s.cfg.Session
	cfg.ReadOnly = readOnly

	handler := session.HandlerFunc(func(from *session.Session, ev *cot.Event) {
		s.router.Route(ctx, from, ev)
	})
	sess := session.New(conn, handler, cfg, session.Deps{Logger: s.logger, Metrics: s.sessionMetrics})

	s.active.Add(1)
	defer s.active.Add(-1)

	if err := s.router.ClientConnect(ctx, sess); err != nil {
		s.logger.Warn("Client admitted without presence replay", "session_id", sess.ID(), "error", err)
	}
	defer s.router.ClientDisconnect(sess)

	if err := sess.Serve(ctx); err != nil {
		s.logger.Debug("Session ended with error", "session_id", sess.ID(), "error", err)
	}

	wait := cfg.WriteTimeout
	if wait <= 0 {
		wait = session.DefaultWriteTimeout
	}
	sess.Wait(wait)
}

func (s *Server) handshake(ctx context.Context, conn net.Conn, tlsCfg *tls.Config) (*tls.Conn, error) {
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	start := time.Now()
	tconn := tls.Server(conn, tlsCfg)
	err := tconn.HandshakeContext(hsCtx)
	s.metrics.recordHandshake(err == nil, time.Since(start))
	if err != nil {
		return nil, errors.WrapTransient(errors.Join(errors.ErrHandshakeFailed, err), "Server", "handshake", "tls handshake")
	}
	return tconn, nil
}

type datagram struct {
	data []byte
	addr *net.UDPAddr
}

func (s *Server) newDatagramPool() (*worker.Pool[datagram], error) {
	pool, err := worker.NewPool(s.cfg.UDPWorkers, s.cfg.UDPQueueSize,
		func(ctx context.Context, d datagram) error {
			s.handleDatagram(ctx, d.data, d.addr)
			return nil
		},
		worker.WithMetricsRegistry[datagram](s.registry, "udp_ingest"),
		worker.WithLogger[datagram](s.logger),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Server", "Start", "create datagram workers")
	}
	return pool, nil
}

func (s *Server) udpLoop(ctx context.Context, conn *net.UDPConn, pool *worker.Pool[datagram]) {
	defer s.wg.Done()
	defer func() {
		if err := pool.Stop(DefaultStopTimeout); err != nil {
			s.logger.Warn("Datagram workers did not stop in time", "error", err)
		}
	}()

	buf := make([]byte, udpBufferSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if s.stopping.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("UDP read failed", "error", err)
			continue
		}

		d := datagram{data: make([]byte, n), addr: addr}
		copy(d.data, buf[:n])
		if err := pool.Submit(d); err != nil {
			s.metrics.recordDatagram("overload")
			s.logger.Debug("Dropped datagram", "remote_addr", addr.String(), "error", err)
		}
	}
}

// handleDatagram routes every event in one datagram. Datagrams are
// self-contained, so each gets a fresh framer and leftovers are discarded.
func (s *Server) handleDatagram(ctx context.Context, data []byte, addr *net.UDPAddr) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.recordPanic()
			s.logger.Error("Recovered from panic in datagram handler",
				"remote_addr", addr.String(), "panic", r, "stack", string(debug.Stack()))
		}
	}()

	framer := cot.NewFramer(cot.WithMaxElementSize(s.cfg.Session.MaxElementSize))
	for _, fr := range framer.Feed(data) {
		if fr.Err != nil {
			s.metrics.recordDatagram("dropped")
			s.logger.Debug("Dropped malformed datagram element", "remote_addr", addr.String(), "error", fr.Err)
			continue
		}
		s.metrics.recordDatagram("routed")
		s.router.Route(ctx, nil, fr.Event)
	}
	if framer.Buffered() > 0 {
		s.metrics.recordDatagram("dropped")
		s.logger.Debug("Dropped incomplete datagram element", "remote_addr", addr.String(), "size", framer.Buffered())
	}
}

// Addr returns the CoT listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// MonitorAddr returns the monitor listener address, or nil when disabled.
func (s *Server) MonitorAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.monitor == nil {
		return nil
	}
	return s.monitor.Addr()
}

// UDPAddr returns the UDP ingest address, or nil when disabled.
func (s *Server) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// ActiveConnections returns the number of connections past the handshake.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Stop closes the listeners, then every live session, and waits up to
// timeout for the connection goroutines to finish.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.started.Load() {
		return nil
	}

	s.stopOnce.Do(func() {
		s.stopping.Store(true)

		s.mu.Lock()
		if s.ln != nil {
			_ = s.ln.Close()
		}
		if s.monitor != nil {
			_ = s.monitor.Close()
		}
		if s.udp != nil {
			_ = s.udp.Close()
		}
		cancel := s.cancel
		s.mu.Unlock()

		// Cancelling the run context closes every session and aborts
		// in-flight handshakes.
		if cancel != nil {
			cancel()
		}
	})

	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Server stopped")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"Server", "Stop", "graceful shutdown")
	}
}

// Run starts the server and blocks until ctx is done, then stops it.
func (s *Server) Run(ctx context.Context, stopTimeout time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop(stopTimeout)
}

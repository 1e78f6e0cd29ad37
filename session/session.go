// Package session owns one client connection: it frames the inbound stream
// into events for the router and drains a bounded outbound queue to the
// socket without ever blocking the sender.
package session

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/c360/cotrelay/cot"
	"github.com/c360/cotrelay/errors"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultQueueSize      = 4096
	DefaultWriteTimeout   = 10 * time.Second
	DefaultMaxFailures    = 3
	DefaultReadBufferSize = 32 * 1024
)

// Handler receives every event decoded from a session's stream.
type Handler interface {
	HandleEvent(s *Session, ev *cot.Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s *Session, ev *cot.Event)

// HandleEvent calls f(s, ev).
func (f HandlerFunc) HandleEvent(s *Session, ev *cot.Event) { f(s, ev) }

// Config tunes a session.
type Config struct {
	// QueueSize bounds the outbound queue.
	QueueSize int
	// WriteTimeout is the deadline for a single socket write.
	WriteTimeout time.Duration
	// MaxFailures consecutive delivery failures close the session.
	MaxFailures int
	// RateLimit caps inbound events per second. Zero disables the limiter.
	RateLimit float64
	// RateBurst is the limiter's bucket size; defaults to max(1, RateLimit).
	RateBurst int
	// IdleTimeout closes a session that sends nothing for this long. Zero
	// disables it.
	IdleTimeout time.Duration
	// ReadOnly sessions receive traffic but their inbound events are dropped.
	ReadOnly bool
	// MaxElementSize is passed to the framer.
	MaxElementSize int
	// ReadBufferSize is the size of each socket read.
	ReadBufferSize int
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:      DefaultQueueSize,
		WriteTimeout:   DefaultWriteTimeout,
		MaxFailures:    DefaultMaxFailures,
		MaxElementSize: cot.DefaultMaxElementSize,
		ReadBufferSize: DefaultReadBufferSize,
	}
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = DefaultReadBufferSize
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = max(1, int(c.RateLimit))
	}
	return c
}

// Deps holds runtime dependencies.
type Deps struct {
	Logger  *slog.Logger
	Metrics *Metrics
}

// Info is a point-in-time view of a session for the admin surface.
type Info struct {
	ID          string    `json:"id"`
	RemoteAddr  string    `json:"remote_addr"`
	UID         string    `json:"uid,omitempty"`
	Callsign    string    `json:"callsign,omitempty"`
	PeerCN      string    `json:"peer_cn,omitempty"`
	ReadOnly    bool      `json:"read_only"`
	ConnectedAt time.Time `json:"connected_at"`
	EventsIn    uint64    `json:"events_in"`
	EventsOut   uint64    `json:"events_out"`
	QueueDepth  int       `json:"queue_depth"`
}

// Session is one connected client.
type Session struct {
	id          string
	conn        net.Conn
	remote      string
	peerCN      string
	connectedAt time.Time

	cfg     Config
	handler Handler
	framer  *cot.Framer
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	uid      string
	callsign string

	// sendMu guards outbound against close while a sender enqueues.
	sendMu   sync.RWMutex
	outbound chan []byte

	failures  atomic.Int32
	eventsIn  atomic.Uint64
	eventsOut atomic.Uint64

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	writeDone chan struct{}
}

// New wraps conn and starts its writer. A TLS conn must have completed its
// handshake so the peer certificate is available.
func New(conn net.Conn, handler Handler, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()

	s := &Session{
		id:          uuid.New().String(),
		conn:        conn,
		remote:      conn.RemoteAddr().String(),
		peerCN:      peerCommonName(conn),
		connectedAt: time.Now(),
		cfg:         cfg,
		handler:     handler,
		framer:      cot.NewFramer(cot.WithMaxElementSize(cfg.MaxElementSize)),
		metrics:     deps.Metrics,
		outbound:    make(chan []byte, cfg.QueueSize),
		done:        make(chan struct{}),
		writeDone:   make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "session")
	}
	s.logger = logger.With("session_id", s.id, "remote", s.remote)

	s.metrics.opened()
	go s.writeLoop()
	return s
}

func peerCommonName(conn net.Conn) string {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return ""
	}
	if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
		return certs[0].Subject.CommonName
	}
	return ""
}

// ID returns the session's stable id.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.remote }

// PeerCN returns the verified client certificate common name, if any.
func (s *Session) PeerCN() string { return s.peerCN }

// ReadOnly reports whether inbound events are dropped.
func (s *Session) ReadOnly() bool { return s.cfg.ReadOnly }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Identity returns the bound uid and callsign.
func (s *Session) Identity() (uid, callsign string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.uid, s.callsign
}

// BindIdentity binds uid on the first call. Later calls with the same uid
// update the callsign; a different uid is ignored.
func (s *Session) BindIdentity(uid, callsign string) {
	if uid == "" {
		return
	}

	s.mu.Lock()
	switch s.uid {
	case "":
		s.uid, s.callsign = uid, callsign
		s.mu.Unlock()
		s.logger.Info("Client identified", "uid", uid, "callsign", callsign)
		return
	case uid:
		s.callsign = callsign
	default:
		s.logger.Debug("Ignoring identity rebind", "bound_uid", s.uid, "uid", uid)
	}
	s.mu.Unlock()
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	uid, callsign := s.Identity()
	return Info{
		ID:          s.id,
		RemoteAddr:  s.remote,
		UID:         uid,
		Callsign:    callsign,
		PeerCN:      s.peerCN,
		ReadOnly:    s.cfg.ReadOnly,
		ConnectedAt: s.connectedAt,
		EventsIn:    s.eventsIn.Load(),
		EventsOut:   s.eventsOut.Load(),
		QueueDepth:  len(s.outbound),
	}
}

// Send encodes ev and queues it for the writer. It never blocks: a full
// queue is reported as ErrSlowConsumer and counts towards MaxFailures.
func (s *Session) Send(ev *cot.Event) error {
	data, err := cot.Encode(ev)
	if err != nil {
		return errors.WrapInvalid(err, "Session", "Send", "encode event")
	}
	return s.SendRaw(data)
}

// SendRaw queues already encoded bytes.
func (s *Session) SendRaw(data []byte) error {
	err := s.enqueue(data)
	if errors.Is(err, errors.ErrSlowConsumer) {
		s.metrics.drop("slow_consumer")
		if s.recordFailure() {
			s.logger.Warn("Closing slow client", "queue_size", s.cfg.QueueSize)
			s.Close()
		}
	}
	return err
}

// SendReplay queues a presence replay event. A full queue drops it without
// counting towards MaxFailures; the client has not had a chance to read yet.
func (s *Session) SendReplay(ev *cot.Event) error {
	data, err := cot.Encode(ev)
	if err != nil {
		return errors.WrapInvalid(err, "Session", "SendReplay", "encode event")
	}
	err = s.enqueue(data)
	if errors.Is(err, errors.ErrSlowConsumer) {
		s.metrics.drop("replay_overflow")
	}
	return err
}

func (s *Session) enqueue(data []byte) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.closed.Load() {
		return errors.WrapTransient(errors.ErrSessionClosed, "Session", "Send", "enqueue")
	}
	select {
	case s.outbound <- data:
		return nil
	default:
		return errors.WrapTransient(errors.ErrSlowConsumer, "Session", "Send", "enqueue")
	}
}

// recordFailure counts a delivery failure and reports whether the limit
// was reached.
func (s *Session) recordFailure() bool {
	return int(s.failures.Add(1)) >= s.cfg.MaxFailures
}

func (s *Session) writeLoop() {
	defer close(s.writeDone)

	for data := range s.outbound {
		if s.closed.Load() {
			continue
		}
		if !s.write(data) {
			s.Close()
		}
	}
}

// write delivers one payload. Only a timeout that wrote nothing is retried;
// anything else would leave a torn element on the wire.
func (s *Session) write(data []byte) bool {
	for {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		n, err := s.conn.Write(data)
		if err == nil {
			s.failures.Store(0)
			s.eventsOut.Add(1)
			s.metrics.sent(n)
			return true
		}
		if s.closed.Load() {
			return false
		}

		s.metrics.writeFailure()
		var netErr net.Error
		if n == 0 && errors.As(err, &netErr) && netErr.Timeout() {
			if s.recordFailure() {
				s.logger.Warn("Closing unresponsive client", "failures", s.failures.Load())
				return false
			}
			s.logger.Debug("Write timed out, retrying", "failures", s.failures.Load())
			continue
		}

		s.logger.Info("Write failed, closing session", "written", n, "size", len(data), "error", err)
		return false
	}
}

// Serve runs the read loop until the peer disconnects, ctx ends or the
// session is closed. It closes the session before returning. A clean
// disconnect returns nil.
func (s *Session) Serve(ctx context.Context) error {
	defer s.Close()
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	buf := make([]byte, s.cfg.ReadBufferSize)
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			s.metrics.received(n)
			if werr := s.handleChunk(ctx, buf[:n]); werr != nil {
				return nil
			}
		}
		if err != nil {
			if s.closed.Load() || ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.logger.Info("Closing idle client", "idle_timeout", s.cfg.IdleTimeout)
				return nil
			}
			return errors.WrapTransient(err, "Session", "Serve", "read")
		}
	}
}

func (s *Session) handleChunk(ctx context.Context, chunk []byte) error {
	for _, fr := range s.framer.Feed(chunk) {
		if fr.Err != nil {
			s.metrics.frameError(fr.Err)
			s.logger.Warn("Dropped malformed element", "error", fr.Err, "size", len(fr.Raw))
			continue
		}

		ev := fr.Event
		s.eventsIn.Add(1)
		s.metrics.decoded()

		if err := ev.CheckTimes(); err != nil {
			s.metrics.timeOrderViolation()
			s.logger.Debug("Event times out of order", "uid", ev.UID, "error", err)
		}

		if s.cfg.ReadOnly {
			s.metrics.drop("read_only")
			continue
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		s.handler.HandleEvent(s, ev)
	}
	return nil
}

// Close is idempotent. It closes the socket, which unblocks any pending read
// or write, and the outbound queue.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed.Store(true)
		close(s.outbound)
		s.sendMu.Unlock()

		_ = s.conn.Close()
		close(s.done)
		s.metrics.closed()

		uid, _ := s.Identity()
		s.logger.Info("Session closed", "uid", uid)
	})
}

// Wait blocks until the writer has exited or the timeout elapses.
func (s *Session) Wait(timeout time.Duration) bool {
	select {
	case <-s.writeDone:
		return true
	case <-time.After(timeout):
		return false
	}
}

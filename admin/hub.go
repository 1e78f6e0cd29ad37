package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/metric"
	"github.com/c360/cotrelay/trafficlog"
)

// DefaultSendTimeout bounds one websocket write. A client that cannot keep
// up is disconnected.
const DefaultSendTimeout = 5 * time.Second

var _ trafficlog.Sink = (*Hub)(nil)

// Hub streams traffic records to websocket clients as JSON text messages.
// It is a trafficlog.Sink and an http.Handler.
type Hub struct {
	upgrader    websocket.Upgrader
	sendTimeout time.Duration
	logger      *slog.Logger
	metrics     *hubMetrics

	mu      sync.RWMutex
	clients map[*websocket.Conn]*hubClient
	closed  bool
	wg      sync.WaitGroup
}

type hubClient struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	connectedAt time.Time
	closeOnce   sync.Once
	closed      atomic.Bool
}

// NewHub creates a hub. sendTimeout <= 0 uses DefaultSendTimeout.
func NewHub(sendTimeout time.Duration, logger *slog.Logger, registry *metric.MetricsRegistry) (*Hub, error) {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	m, err := newHubMetrics(registry)
	if err != nil {
		return nil, errors.Wrap(err, "Hub", "NewHub", "register metrics")
	}

	return &Hub{
		upgrader: websocket.Upgrader{
			// Admin surface binds to loopback by default; browsers on other
			// origins are allowed to watch.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		sendTimeout: sendTimeout,
		logger:      logger.With("component", "ws-hub"),
		metrics:     m,
		clients:     make(map[*websocket.Conn]*hubClient),
	}, nil
}

// Name implements trafficlog.Sink.
func (h *Hub) Name() string { return "websocket" }

// ServeHTTP upgrades the request and registers the client until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := &hubClient{conn: conn, connectedAt: time.Now()}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[conn] = c
	n := len(h.clients)
	h.wg.Add(1)
	h.mu.Unlock()

	h.metrics.setClients(n)
	h.logger.Info("Websocket client connected", "remote_addr", r.RemoteAddr, "clients", n)

	go h.readLoop(c)
}

// readLoop discards inbound messages and notices disconnects.
func (h *Hub) readLoop(c *hubClient) {
	defer h.wg.Done()
	defer h.remove(c, "disconnect")

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *hubClient, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		h.mu.Lock()
		delete(h.clients, c.conn)
		n := len(h.clients)
		h.mu.Unlock()

		_ = c.conn.Close()
		h.metrics.recordRemoved(reason)
		h.metrics.setClients(n)
		h.logger.Debug("Websocket client removed", "reason", reason,
			"connected_for", time.Since(c.connectedAt).Round(time.Millisecond))
	})
}

func (h *Hub) snapshot() []*hubClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*hubClient, 0, len(h.clients))
	for _, c := range h.clients {
		if !c.closed.Load() {
			out = append(out, c)
		}
	}
	return out
}

// Write implements trafficlog.Sink. Each record is marshalled once and sent
// to every client concurrently; a client whose write fails or times out is
// dropped. Client failures are not returned.
func (h *Hub) Write(ctx context.Context, records []trafficlog.Record) error {
	clients := h.snapshot()
	if len(clients) == 0 || len(records) == 0 {
		return nil
	}

	payloads := make([][]byte, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return errors.WrapInvalid(err, "Hub", "Write", "marshal record")
		}
		payloads = append(payloads, data)
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.sendAll(ctx, c, payloads)
		}()
	}
	wg.Wait()
	return nil
}

func (h *Hub) sendAll(ctx context.Context, c *hubClient, payloads [][]byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, data := range payloads {
		if c.closed.Load() || ctx.Err() != nil {
			return
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(h.sendTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("Dropping websocket client", "error", err)
			h.remove(c, "send_failed")
			return
		}
		h.metrics.recordSent(len(data))
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close sends a close frame to every client and waits for their read loops.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down")
	for _, c := range h.snapshot() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.writeMu.Unlock()
		h.remove(c, "shutdown")
	}
	h.wg.Wait()
	return nil
}

type hubMetrics struct {
	clients  prometheus.Gauge
	messages prometheus.Counter
	bytes    prometheus.Counter
	removed  *prometheus.CounterVec
}

func newHubMetrics(registry *metric.MetricsRegistry) (*hubMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &hubMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "admin_ws",
			Name:      "clients",
			Help:      "Connected live feed websocket clients",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "admin_ws",
			Name:      "messages_sent_total",
			Help:      "Records sent to websocket clients",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "admin_ws",
			Name:      "bytes_sent_total",
			Help:      "Bytes sent to websocket clients",
		}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "admin_ws",
			Name:      "clients_removed_total",
			Help:      "Websocket clients removed by reason",
		}, []string{"reason"}),
	}

	if err := registry.RegisterGauge("admin_ws", "clients", m.clients); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("admin_ws", "messages_sent", m.messages); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("admin_ws", "bytes_sent", m.bytes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("admin_ws", "clients_removed", m.removed); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *hubMetrics) setClients(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}

func (m *hubMetrics) recordSent(size int) {
	if m != nil {
		m.messages.Inc()
		m.bytes.Add(float64(size))
	}
}

func (m *hubMetrics) recordRemoved(reason string) {
	if m != nil {
		m.removed.WithLabelValues(reason).Inc()
	}
}

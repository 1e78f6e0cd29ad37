package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/metric"
)

// Metrics is shared by every session of a server.
type Metrics struct {
	eventsIn      prometheus.Counter
	eventsOut     prometheus.Counter
	bytesIn       prometheus.Counter
	bytesOut      prometheus.Counter
	frameErrors   *prometheus.CounterVec
	timeOrder     prometheus.Counter
	dropped       *prometheus.CounterVec
	writeFailures prometheus.Counter
	active        prometheus.Gauge
}

// NewMetrics registers session metrics. A nil registry returns nil, which
// disables recording.
func NewMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		eventsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "events_received_total",
			Help:      "Events decoded from client streams",
		}),
		eventsOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "events_sent_total",
			Help:      "Events written to client sockets",
		}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "bytes_received_total",
			Help:      "Bytes read from client sockets",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to client sockets",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "frame_errors_total",
			Help:      "Dropped inbound elements by reason",
		}, []string{"reason"}),
		timeOrder: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "time_order_violations_total",
			Help:      "Accepted events whose time, start and stale are out of order",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "dropped_total",
			Help:      "Events not delivered or not routed, by reason",
		}, []string{"reason"}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "write_failures_total",
			Help:      "Socket writes that timed out or failed",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Open client sessions",
		}),
	}

	for name, c := range map[string]prometheus.Counter{
		"events_in":      m.eventsIn,
		"events_out":     m.eventsOut,
		"bytes_in":       m.bytesIn,
		"bytes_out":      m.bytesOut,
		"time_order":     m.timeOrder,
		"write_failures": m.writeFailures,
	} {
		if err := registry.RegisterCounter("session", name, c); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterCounterVec("session", "frame_errors", m.frameErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("session", "dropped", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("session", "active", m.active); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) received(n int) {
	if m != nil {
		m.bytesIn.Add(float64(n))
	}
}

func (m *Metrics) decoded() {
	if m != nil {
		m.eventsIn.Inc()
	}
}

func (m *Metrics) sent(n int) {
	if m != nil {
		m.eventsOut.Inc()
		m.bytesOut.Add(float64(n))
	}
}

func (m *Metrics) frameError(err error) {
	if m != nil {
		m.frameErrors.WithLabelValues(frameErrorReason(err)).Inc()
	}
}

func (m *Metrics) timeOrderViolation() {
	if m != nil {
		m.timeOrder.Inc()
	}
}

func (m *Metrics) drop(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) writeFailure() {
	if m != nil {
		m.writeFailures.Inc()
	}
}

func (m *Metrics) opened() {
	if m != nil {
		m.active.Inc()
	}
}

func (m *Metrics) closed() {
	if m != nil {
		m.active.Dec()
	}
}

func frameErrorReason(err error) string {
	switch {
	case errors.Is(err, errors.ErrElementTooLarge):
		return "too_large"
	case errors.Is(err, errors.ErrIncompleteElement):
		return "incomplete"
	case errors.Is(err, errors.ErrStrayData):
		return "stray_data"
	case errors.Is(err, errors.ErrUnexpectedElement):
		return "unexpected_element"
	case errors.Is(err, errors.ErrParsingFailed):
		return "parse"
	case errors.Is(err, errors.ErrMalformedEvent):
		return "malformed"
	default:
		return "other"
	}
}

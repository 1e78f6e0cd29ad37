package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cotrelay/metric"
)

type serverMetrics struct {
	accepted      *prometheus.CounterVec
	acceptErrors  prometheus.Counter
	handshakes    *prometheus.CounterVec
	handshakeTime prometheus.Histogram
	panics        prometheus.Counter
	datagrams     *prometheus.CounterVec
}

func newServerMetrics(registry *metric.MetricsRegistry) (*serverMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &serverMetrics{
		accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "server",
			Name:      "connections_accepted_total",
			Help:      "Accepted TCP connections by listener (cot, monitor)",
		}, []string{"listener"}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "server",
			Name:      "accept_errors_total",
			Help:      "Accept failures that were retried",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "server",
			Name:      "tls_handshakes_total",
			Help:      "TLS handshakes by result",
		}, []string{"result"}),
		handshakeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "server",
			Name:      "tls_handshake_seconds",
			Help:      "TLS handshake duration",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "server",
			Name:      "panics_recovered_total",
			Help:      "Panics recovered in connection and datagram handlers",
		}),
		datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "server",
			Name:      "udp_datagrams_total",
			Help:      "UDP datagrams by result (routed, dropped, overload)",
		}, []string{"result"}),
	}

	if err := registry.RegisterCounterVec("server", "accepted", m.accepted); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("server", "accept_errors", m.acceptErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("server", "handshakes", m.handshakes); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram("server", "handshake_seconds", m.handshakeTime); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("server", "panics", m.panics); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("server", "datagrams", m.datagrams); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *serverMetrics) recordAccept(listener string) {
	if m != nil {
		m.accepted.WithLabelValues(listener).Inc()
	}
}

func (m *serverMetrics) recordAcceptError() {
	if m != nil {
		m.acceptErrors.Inc()
	}
}

func (m *serverMetrics) recordHandshake(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.handshakes.WithLabelValues(result).Inc()
	m.handshakeTime.Observe(d.Seconds())
}

func (m *serverMetrics) recordPanic() {
	if m != nil {
		m.panics.Inc()
	}
}

func (m *serverMetrics) recordDatagram(result string) {
	if m != nil {
		m.datagrams.WithLabelValues(result).Inc()
	}
}

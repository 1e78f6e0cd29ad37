package router

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cotrelay/metric"
)

type routerMetrics struct {
	routed         *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	replayed       prometheus.Counter
	presenceErrors *prometheus.CounterVec
	clients        prometheus.Gauge
}

func newRouterMetrics(registry *metric.MetricsRegistry) (*routerMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &routerMetrics{
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "events_routed_total",
			Help:      "Routed events by mode (broadcast, directed)",
		}, []string{"mode"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "deliveries_total",
			Help:      "Per-recipient deliveries by result",
		}, []string{"result"}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "presence_replayed_total",
			Help:      "Presence entries replayed to joining clients",
		}),
		presenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "presence_errors_total",
			Help:      "Presence store failures by operation",
		}, []string{"op"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "router",
			Name:      "clients",
			Help:      "Clients in the live set",
		}),
	}

	if err := registry.RegisterCounterVec("router", "routed", m.routed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("router", "deliveries", m.deliveries); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("router", "replayed", m.replayed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("router", "presence_errors", m.presenceErrors); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("router", "clients", m.clients); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *routerMetrics) recordRouted(mode string) {
	if m != nil {
		m.routed.WithLabelValues(mode).Inc()
	}
}

func (m *routerMetrics) recordDelivery(result string) {
	if m != nil {
		m.deliveries.WithLabelValues(result).Inc()
	}
}

func (m *routerMetrics) recordReplay(n int) {
	if m != nil && n > 0 {
		m.replayed.Add(float64(n))
	}
}

func (m *routerMetrics) recordPresenceError(op string) {
	if m != nil {
		m.presenceErrors.WithLabelValues(op).Inc()
	}
}

func (m *routerMetrics) setClients(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}

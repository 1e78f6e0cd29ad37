package metric

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cotrelay/errors"
)

func gathered(t *testing.T, r *MetricsRegistry, name string) bool {
	t.Helper()
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return true
		}
	}
	return false
}

func TestMetricsRegistry_Register(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_test_counter", Help: "test"})
	require.NoError(t, registry.RegisterCounter("router", "relay_test_counter", counter))
	counter.Inc()
	assert.True(t, gathered(t, registry, "relay_test_counter"))

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_test_gauge", Help: "test"})
	require.NoError(t, registry.RegisterGauge("router", "relay_test_gauge", gauge))
	gauge.Set(3)
	assert.True(t, gathered(t, registry, "relay_test_gauge"))

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_test_vec", Help: "test"}, []string{"kind"})
	require.NoError(t, registry.RegisterCounterVec("router", "relay_test_vec", vec))
	vec.WithLabelValues("chat").Inc()
	assert.True(t, gathered(t, registry, "relay_test_vec"))
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "test"})
	require.NoError(t, registry.RegisterCounter("session", "dup", first))

	err := registry.RegisterCounter("session", "dup", first)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	// Same prometheus name under a different key is a prometheus conflict.
	second := prometheus.NewCounter(prometheus.CounterOpts{Name: "dup_counter", Help: "test"})
	err = registry.RegisterCounter("other", "dup", second)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "gone_gauge", Help: "test"})
	require.NoError(t, registry.RegisterGauge("presence", "gone", gauge))

	assert.True(t, registry.Unregister("presence", "gone"))
	assert.False(t, registry.Unregister("presence", "gone"))
	assert.False(t, gathered(t, registry, "gone_gauge"))

	// Name is free again
	require.NoError(t, registry.RegisterGauge("presence", "gone", gauge))
}

func TestMetricsRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{
				Name:        "concurrent_counter",
				Help:        "test",
				ConstLabels: prometheus.Labels{"idx": string(rune('a' + i))},
			})
			errs <- registry.RegisterCounter("svc", string(rune('a'+i)), c)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestCoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	m := registry.CoreMetrics()

	m.RecordServiceStatus("server", StatusRunning)
	m.RecordError("session", "transient")
	m.RecordError("session", "transient")
	m.RecordHealthStatus("presence", true)
	m.RecordNATSStatus(true)
	m.RecordNATSRTT(15 * time.Millisecond)
	m.RecordNATSReconnect()
	m.RecordCircuitBreakerState(1)

	assert.Equal(t, float64(StatusRunning), testutil.ToFloat64(m.ServiceStatus.WithLabelValues("server")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("session", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthCheckStatus.WithLabelValues("presence")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.NATSRTT))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSReconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSCircuitBreaker))
}

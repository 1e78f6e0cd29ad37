// Package presence keeps the last identity-bearing event of every uid so
// late joiners can be brought up to date. Entries expire at the event's
// stale time, optionally capped by a persistence ceiling.
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cotrelay/cot"
	"github.com/c360/cotrelay/metric"
)

// Store is the presence contract. Expired entries are never returned.
type Store interface {
	// Upsert records ev under ev.UID if it is identity-bearing. It reports
	// whether the event was accepted.
	Upsert(ctx context.Context, ev *cot.Event) (bool, error)
	Get(ctx context.Context, uid string) (*cot.Event, bool, error)
	// List returns all live entries ordered by uid.
	List(ctx context.Context) ([]*cot.Event, error)
	// PurgeExpired physically drops expired entries and returns how many.
	PurgeExpired(ctx context.Context) (int, error)
	// Purge drops every entry and returns how many were removed.
	Purge(ctx context.Context) (int, error)
	Len(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// ExpiresAt returns min(stale, now+ceiling) when ceiling > 0, else stale.
func ExpiresAt(ev *cot.Event, now time.Time, ceiling time.Duration) time.Time {
	if ceiling > 0 {
		if limit := now.Add(ceiling); limit.Before(ev.Stale) {
			return limit
		}
	}
	return ev.Stale
}

// Config selects and tunes the backend.
type Config struct {
	// Ceiling caps how long an entry is kept past now. Zero or negative means
	// entries live until their stale time.
	Ceiling time.Duration
	// SweepInterval is how often the memory backend drops expired entries.
	SweepInterval time.Duration
	// Redis is empty for the in-process backend, "true" for a local server,
	// or a redis:// URL.
	Redis string
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string
}

// Deps holds runtime dependencies.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// New builds the backend selected by cfg. The memory backend's sweeper runs
// until ctx is cancelled or the store is closed.
func New(ctx context.Context, cfg Config, deps Deps) (Store, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "presence")

	metrics, err := newMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, err
	}

	if cfg.Redis == "" {
		s := NewMemoryStore(cfg.Ceiling, WithLogger(logger), withMetrics(metrics))
		if cfg.SweepInterval > 0 {
			s.Start(ctx, cfg.SweepInterval)
		}
		logger.Info("Using in-memory presence store", "ceiling", cfg.Ceiling)
		return s, nil
	}

	client, err := NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	logger.Info("Using redis presence store", "ceiling", cfg.Ceiling, "prefix", cfg.KeyPrefix)
	return NewRedisStore(client, cfg.Ceiling, cfg.KeyPrefix,
		WithLogger(logger), withMetrics(metrics), withOwnedClient()), nil
}

// Option configures a store.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	now         func() time.Time
	metrics     *presenceMetrics
	ownedClient bool
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func withMetrics(m *presenceMetrics) Option {
	return func(o *options) { o.metrics = m }
}

func withOwnedClient() Option {
	return func(o *options) { o.ownedClient = true }
}

func applyOptions(opts []Option) options {
	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type presenceMetrics struct {
	upserts   *prometheus.CounterVec
	evictions prometheus.Counter
	entries   prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) (*presenceMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &presenceMetrics{
		upserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "presence",
			Name:      "upserts_total",
			Help:      "Presence upserts by result (stored, ignored, expired)",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "presence",
			Name:      "evictions_total",
			Help:      "Expired presence entries removed",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "presence",
			Name:      "entries",
			Help:      "Presence entries currently held",
		}),
	}

	if err := registry.RegisterCounterVec("presence", "upserts", m.upserts); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("presence", "evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("presence", "entries", m.entries); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *presenceMetrics) recordUpsert(result string) {
	if m != nil {
		m.upserts.WithLabelValues(result).Inc()
	}
}

func (m *presenceMetrics) recordEvictions(n int) {
	if m != nil && n > 0 {
		m.evictions.Add(float64(n))
	}
}

func (m *presenceMetrics) setEntries(n int) {
	if m != nil {
		m.entries.Set(float64(n))
	}
}

package worker

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/metric"
)

// Defaults applied by NewPool for non-positive arguments.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 1024
)

// Pool runs a fixed number of goroutines over a bounded queue of T.
type Pool[T any] struct {
	workers   int
	queueSize int
	process   func(context.Context, T) error
	logger    *slog.Logger

	work    chan T
	metrics *poolMetrics
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64

	registry  *metric.MetricsRegistry
	subsystem string
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers the pool's metrics under subsystem.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, subsystem string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.subsystem = subsystem
	}
}

// WithLogger sets the logger used for recovered panics.
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a pool. It does not start any goroutines.
func NewPool[T any](workers, queueSize int, process func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if process == nil {
		return nil, errors.WrapFatal(ErrNilProcessor, "Pool", "NewPool", "processor check")
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		process:   process,
		logger:    slog.Default(),
		work:      make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.registry != nil && p.subsystem != "" {
		m, err := newPoolMetrics(p.registry, p.subsystem)
		if err != nil {
			return nil, errors.Wrap(err, "Pool", "NewPool", "register metrics")
		}
		p.metrics = m
	}
	p.logger = p.logger.With("component", "worker-pool", "pool", p.subsystem)
	return p, nil
}

// Submit queues work without blocking.
func (p *Pool[T]) Submit(work T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.work <- work:
		p.submitted.Add(1)
		p.metrics.recordSubmitted(len(p.work))
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.recordDropped()
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx ends or Stop is called.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	for range p.workers {
		p.wg.Add(1)
		go p.run(ctx)
	}
	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for the workers. Items
// still queued are processed unless the start context has ended.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.work)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(ErrStopTimeout, "Pool", "Stop", "wait for workers")
	}
}

// Stats is a point-in-time snapshot of the pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Panics     int64 `json:"panics"`
}

// Stats returns the current counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.work),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		Panics:     p.panics.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.work:
			if !ok {
				return
			}
			p.handle(ctx, item)
		}
	}
}

// handle processes one item. A panicking processor costs only that item.
func (p *Pool[T]) handle(ctx context.Context, item T) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			err = errors.New("panic in processor")
			p.logger.Error("Recovered from panic in worker", "panic", r, "stack", string(debug.Stack()))
		}
		p.processed.Add(1)
		if err != nil {
			p.failed.Add(1)
		}
		p.metrics.recordProcessed(err == nil, time.Since(start), len(p.work))
	}()

	err = p.process(ctx, item)
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	submitted  prometheus.Counter
	dropped    prometheus.Counter
	processed  *prometheus.CounterVec
	duration   prometheus.Histogram
}

func newPoolMetrics(registry *metric.MetricsRegistry, subsystem string) (*poolMetrics, error) {
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Items waiting in the worker queue",
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: subsystem,
			Name:      "submitted_total",
			Help:      "Items accepted into the worker queue",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: subsystem,
			Name:      "dropped_total",
			Help:      "Items dropped because the worker queue was full",
		}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: subsystem,
			Name:      "processed_total",
			Help:      "Items processed by result (ok, error)",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: subsystem,
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing one item",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}

	if err := registry.RegisterGauge(subsystem, "queue_depth", m.queueDepth); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(subsystem, "submitted", m.submitted); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(subsystem, "dropped", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(subsystem, "processed", m.processed); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram(subsystem, "processing_duration", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *poolMetrics) recordSubmitted(depth int) {
	if m != nil {
		m.submitted.Inc()
		m.queueDepth.Set(float64(depth))
	}
}

func (m *poolMetrics) recordDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *poolMetrics) recordProcessed(ok bool, d time.Duration, depth int) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.processed.WithLabelValues(result).Inc()
	m.duration.Observe(d.Seconds())
	m.queueDepth.Set(float64(depth))
}

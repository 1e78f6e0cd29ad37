package trafficlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/c360/cotrelay/cot"
	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/metric"
	"github.com/c360/cotrelay/pkg/buffer"
	"github.com/c360/cotrelay/router"
)

// Config tunes the recorder.
type Config struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns the recorder defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:    8192,
		BatchSize:     256,
		FlushInterval: 500 * time.Millisecond,
	}
}

// Deps holds runtime dependencies.
type Deps struct {
	Logger          *slog.Logger
	MetricsRegistry *metric.MetricsRegistry
}

// Recorder implements router.TrafficRecorder.
type Recorder struct {
	cfg    Config
	buf    *buffer.CircularBuffer[Record]
	sinks  []Sink
	logger *slog.Logger
	now    func() time.Time

	metrics *recorderMetrics

	flushMu   sync.Mutex
	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	shutdown  chan struct{}
	done      chan struct{}
}

var _ router.TrafficRecorder = (*Recorder)(nil)

// New creates a recorder feeding sinks.
func New(cfg Config, sinks []Sink, deps Deps) (*Recorder, error) {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "trafficlog")

	metrics, err := newRecorderMetrics(deps.MetricsRegistry)
	if err != nil {
		return nil, err
	}

	opts := []buffer.Option[Record]{
		buffer.WithOverflowPolicy[Record](buffer.DropOldest),
		buffer.WithDropCallback[Record](func(Record) { metrics.recordDrop() }),
	}
	if deps.MetricsRegistry != nil {
		opts = append(opts, buffer.WithMetrics[Record](deps.MetricsRegistry, "trafficlog"))
	}
	buf, err := buffer.NewCircularBuffer(cfg.BufferSize, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "Recorder", "New", "create buffer")
	}

	return &Recorder{
		cfg:      cfg,
		buf:      buf,
		sinks:    sinks,
		logger:   logger,
		now:      time.Now,
		metrics:  metrics,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Record captures ev without blocking. When the buffer is full the oldest
// record is dropped.
func (r *Recorder) Record(from router.Client, ev *cot.Event) {
	data, err := cot.Encode(ev)
	if err != nil {
		r.logger.Debug("Skipping unencodable event", "uid", ev.UID, "error", err)
		return
	}
	if err := r.buf.Write(NewRecord(r.now(), from, ev, data)); err != nil {
		r.logger.Debug("Traffic buffer closed", "uid", ev.UID)
	}
}

// Start runs the flush loop until ctx ends or Close is called.
func (r *Recorder) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.started.Store(true)
		go r.loop(ctx)
	})
}

func (r *Recorder) loop(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.shutdown:
			return
		case <-ticker.C:
			r.Flush(ctx)
		}
	}
}

// Flush drains the buffer into every sink and returns the number of records
// handed out. Sinks run in parallel; their errors are logged and counted.
func (r *Recorder) Flush(ctx context.Context) int {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	total := 0
	for {
		batch := r.buf.ReadBatch(r.cfg.BatchSize)
		if len(batch) == 0 {
			return total
		}
		total += len(batch)

		g, gctx := errgroup.WithContext(ctx)
		for _, sink := range r.sinks {
			g.Go(func() error {
				if err := sink.Write(gctx, batch); err != nil {
					r.metrics.recordSinkError(sink.Name())
					r.logger.Warn("Traffic sink write failed", "sink", sink.Name(), "records", len(batch), "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
		r.metrics.recordFlushed(len(batch))
	}
}

// Close stops the loop, flushes what is left and closes the sinks.
func (r *Recorder) Close(ctx context.Context) error {
	var errs []error
	r.closeOnce.Do(func() {
		close(r.shutdown)
		if r.started.Load() {
			select {
			case <-r.done:
			case <-ctx.Done():
				errs = append(errs, errors.Wrap(ctx.Err(), "Recorder", "Close", "wait for flush loop"))
			}
		}

		r.Flush(ctx)
		_ = r.buf.Close()

		for _, sink := range r.sinks {
			if err := sink.Close(); err != nil {
				errs = append(errs, errors.Wrap(err, "Recorder", "Close", "close sink "+sink.Name()))
			}
		}
	})
	return errors.Join(errs...)
}

// Stats returns buffer statistics.
func (r *Recorder) Stats() buffer.Stats {
	return r.buf.Stats()
}

type recorderMetrics struct {
	flushed    prometheus.Counter
	dropped    prometheus.Counter
	sinkErrors *prometheus.CounterVec
}

func newRecorderMetrics(registry *metric.MetricsRegistry) (*recorderMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &recorderMetrics{
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "trafficlog",
			Name:      "records_flushed_total",
			Help:      "Records handed to sinks",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "trafficlog",
			Name:      "records_dropped_total",
			Help:      "Records overwritten before they were flushed",
		}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "trafficlog",
			Name:      "sink_errors_total",
			Help:      "Failed sink writes by sink",
		}, []string{"sink"}),
	}

	if err := registry.RegisterCounter("trafficlog", "flushed", m.flushed); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("trafficlog", "dropped", m.dropped); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("trafficlog", "sink_errors", m.sinkErrors); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *recorderMetrics) recordFlushed(n int) {
	if m != nil {
		m.flushed.Add(float64(n))
	}
}

func (m *recorderMetrics) recordDrop() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *recorderMetrics) recordSinkError(sink string) {
	if m != nil {
		m.sinkErrors.WithLabelValues(sink).Inc()
	}
}

// Package buffer provides a generic, thread-safe ring buffer with an overflow
// policy. Statistics are always collected; Prometheus export is optional.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/metric"
)

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota
	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with each dropped item.
type DropCallback[T any] func(item T)

// Option configures a CircularBuffer.
type Option[T any] func(*options[T])

type options[T any] struct {
	policy        OverflowPolicy
	dropCallback  DropCallback[T]
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *options[T]) { o.policy = policy }
}

// WithDropCallback sets a callback invoked for every dropped item.
func WithDropCallback[T any](cb DropCallback[T]) Option[T] {
	return func(o *options[T]) { o.dropCallback = cb }
}

// WithMetrics exports buffer statistics under the given component label.
// A nil registry or empty prefix disables export.
func WithMetrics[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(o *options[T]) {
		if registry != nil && prefix != "" {
			o.metricsReg = registry
			o.metricsPrefix = prefix
		}
	}
}

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	Writes  int64
	Reads   int64
	Drops   int64
	Size    int
	MaxSize int
}

// CircularBuffer is a fixed-capacity FIFO ring.
type CircularBuffer[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int // next write
	tail    int // next read
	size    int
	maxSize int
	closed  bool
	opts    options[T]

	writes  atomic.Int64
	reads   atomic.Int64
	drops   atomic.Int64
	metrics *bufferMetrics
}

// NewCircularBuffer creates a ring with the given capacity (minimum 1).
func NewCircularBuffer[T any](capacity int, opts ...Option[T]) (*CircularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	cb := &CircularBuffer[T]{items: make([]T, capacity)}
	for _, opt := range opts {
		if opt != nil {
			opt(&cb.opts)
		}
	}

	if cb.opts.metricsReg != nil {
		m, err := newBufferMetrics(cb.opts.metricsReg, cb.opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "NewCircularBuffer", "metrics registration")
		}
		cb.metrics = m
	}

	return cb, nil
}

// Write adds an item, applying the overflow policy when full.
func (cb *CircularBuffer[T]) Write(item T) error {
	cb.mu.Lock()

	if cb.closed {
		cb.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "buffer", "Write", "buffer closed")
	}

	var dropped T
	didDrop := false
	if cb.size == len(cb.items) {
		if cb.opts.policy == DropNewest {
			cb.drops.Add(1)
			cb.metrics.recordDrop()
			cb.mu.Unlock()
			if cb.opts.dropCallback != nil {
				cb.opts.dropCallback(item)
			}
			return nil
		}
		dropped = cb.items[cb.tail]
		didDrop = true
		cb.tail = (cb.tail + 1) % len(cb.items)
		cb.size--
		cb.drops.Add(1)
		cb.metrics.recordDrop()
	}

	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % len(cb.items)
	cb.size++
	if cb.size > cb.maxSize {
		cb.maxSize = cb.size
	}
	cb.writes.Add(1)
	cb.metrics.recordWrite(cb.size, len(cb.items))
	cb.mu.Unlock()

	if didDrop && cb.opts.dropCallback != nil {
		cb.opts.dropCallback(dropped)
	}
	return nil
}

// Read removes and returns the oldest item.
func (cb *CircularBuffer[T]) Read() (T, bool) {
	batch := cb.ReadBatch(1)
	if len(batch) == 0 {
		var zero T
		return zero, false
	}
	return batch[0], true
}

// ReadBatch removes and returns up to max items, oldest first.
func (cb *CircularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := min(max, cb.size)
	if n == 0 {
		return nil
	}

	var zero T
	out := make([]T, n)
	for i := range out {
		out[i] = cb.items[cb.tail]
		cb.items[cb.tail] = zero
		cb.tail = (cb.tail + 1) % len(cb.items)
	}
	cb.size -= n
	cb.reads.Add(int64(n))
	cb.metrics.updateSize(cb.size, len(cb.items))
	return out
}

// Size returns the current number of items.
func (cb *CircularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the fixed capacity.
func (cb *CircularBuffer[T]) Capacity() int {
	return len(cb.items)
}

// Stats returns a snapshot of the counters.
func (cb *CircularBuffer[T]) Stats() Stats {
	cb.mu.Lock()
	size, maxSize := cb.size, cb.maxSize
	cb.mu.Unlock()
	return Stats{
		Writes:  cb.writes.Load(),
		Reads:   cb.reads.Load(),
		Drops:   cb.drops.Load(),
		Size:    size,
		MaxSize: maxSize,
	}
}

// Close rejects further writes. Buffered items stay readable.
func (cb *CircularBuffer[T]) Close() error {
	cb.mu.Lock()
	cb.closed = true
	cb.mu.Unlock()
	return nil
}

type bufferMetrics struct {
	writes      prometheus.Counter
	drops       prometheus.Counter
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, prefix string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	m := &bufferMetrics{
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "writes_total",
			ConstLabels: labels,
			Help:        "Total number of buffer writes",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Total number of items dropped due to overflow",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "utilization",
			ConstLabels: labels,
			Help:        "Buffer utilization (0.0 to 1.0)",
		}),
	}

	if err := registry.RegisterCounter(prefix, "buffer_writes", m.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "buffer_utilization", m.utilization); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	if m == nil {
		return
	}
	m.writes.Inc()
	m.utilization.Set(float64(size) / float64(capacity))
}

func (m *bufferMetrics) recordDrop() {
	if m == nil {
		return
	}
	m.drops.Inc()
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	if m == nil {
		return
	}
	m.utilization.Set(float64(size) / float64(capacity))
}

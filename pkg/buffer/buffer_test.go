package buffer

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cotrelay/metric"
)

func TestCircularBuffer_FIFO(t *testing.T) {
	cb, err := NewCircularBuffer[int](4)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, cb.Write(i))
	}
	assert.Equal(t, 3, cb.Size())
	assert.Equal(t, 4, cb.Capacity())

	v, ok := cb.Read()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, []int{2, 3}, cb.ReadBatch(10))

	_, ok = cb.Read()
	assert.False(t, ok)
	assert.Nil(t, cb.ReadBatch(0))
}

func TestCircularBuffer_OverflowPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   OverflowPolicy
		expected []int
		dropped  []int
	}{
		{"drop oldest", DropOldest, []int{3, 4, 5}, []int{1, 2}},
		{"drop newest", DropNewest, []int{1, 2, 3}, []int{4, 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dropped []int
			cb, err := NewCircularBuffer(3,
				WithOverflowPolicy[int](tt.policy),
				WithDropCallback(func(v int) { dropped = append(dropped, v) }),
			)
			require.NoError(t, err)

			for i := 1; i <= 5; i++ {
				require.NoError(t, cb.Write(i))
			}

			assert.Equal(t, tt.expected, cb.ReadBatch(10))
			assert.Equal(t, tt.dropped, dropped)

			stats := cb.Stats()
			assert.Equal(t, int64(2), stats.Drops)
			assert.Equal(t, 3, stats.MaxSize)
			assert.Equal(t, int64(3), stats.Reads)
		})
	}
}

func TestCircularBuffer_Close(t *testing.T) {
	cb, err := NewCircularBuffer[string](2)
	require.NoError(t, err)
	require.NoError(t, cb.Write("a"))
	require.NoError(t, cb.Close())

	assert.Error(t, cb.Write("b"))
	assert.Equal(t, []string{"a"}, cb.ReadBatch(5))
}

func TestCircularBuffer_ConcurrentWriters(t *testing.T) {
	cb, err := NewCircularBuffer[int](1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = cb.Write(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, cb.Size())
	assert.Equal(t, int64(1000), cb.Stats().Writes)
}

func TestCircularBuffer_Metrics(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	cb, err := NewCircularBuffer(2, WithMetrics[int](reg, "traffic"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Write(i))
	}

	require.NotNil(t, cb.metrics)
	assert.Equal(t, 3.0, testutil.ToFloat64(cb.metrics.writes))
	assert.Equal(t, 1.0, testutil.ToFloat64(cb.metrics.drops))
	assert.Equal(t, 1.0, testutil.ToFloat64(cb.metrics.utilization))

	// A second buffer with the same prefix collides.
	_, err = NewCircularBuffer(2, WithMetrics[int](reg, "traffic"))
	assert.Error(t, err)
}

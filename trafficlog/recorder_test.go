package trafficlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cotrelay/cot"
	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/metric"
	"github.com/c360/cotrelay/session"
)

type memorySink struct {
	name string
	err  error

	mu      sync.Mutex
	records []Record
	closed  bool
}

func (m *memorySink) Name() string { return m.name }

func (m *memorySink) Write(_ context.Context, batch []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, batch...)
	return m.err
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) uids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.records))
	for i, r := range m.records {
		out[i] = r.UID
	}
	return out
}

type stubClient struct {
	id, uid, callsign string
}

func (s stubClient) ID() string { return s.id }
func (s stubClient) Send(*cot.Event) error { return nil }
func (s stubClient) Identity() (string, string) { return s.uid, s.callsign }
func (s stubClient) BindIdentity(string, string) {}
func (s stubClient) Info() session.Info { return session.Info{ID: s.id} }

func event(uid string) *cot.Event {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &cot.Event{
		Version: cot.Version, UID: uid, Type: "a-f-G-U-C", How: "m-g",
		Time: now, Start: now, Stale: now.Add(time.Minute), Point: cot.UnknownPoint(),
	}
}

func TestNewRecord(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	ev := event("ANDROID-deadbeef")

	rec := NewRecord(now, stubClient{id: "s1", uid: "ANDROID-deadbeef", callsign: "JENNY"}, ev, []byte("<event/>"))
	assert.Equal(t, now.UTC(), rec.Time)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, "ANDROID-deadbeef", rec.SourceUID)
	assert.Equal(t, "JENNY", rec.Callsign)
	assert.Equal(t, "none", rec.Kind)
	assert.Equal(t, "<event/>", rec.XML)

	server := NewRecord(now, nil, ev, nil)
	assert.Empty(t, server.SessionID)
}

func TestRecord_Source(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
		want string
	}{
		{"bound identity", Record{SessionID: "s1", SourceUID: "uid-1"}, "uid-1"},
		{"anonymous session", Record{SessionID: "s1"}, "session-s1"},
		{"server", Record{}, "relay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.Source())
		})
	}
}

func TestRecorder_FlushFansOutToSinks(t *testing.T) {
	a, b := &memorySink{name: "a"}, &memorySink{name: "b"}
	r, err := New(Config{BatchSize: 2}, []Sink{a, b}, Deps{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		r.Record(nil, event(fmt.Sprintf("u%d", i)))
	}

	assert.Equal(t, 5, r.Flush(context.Background()))
	want := []string{"u0", "u1", "u2", "u3", "u4"}
	assert.Equal(t, want, a.uids())
	assert.Equal(t, want, b.uids())
	assert.Zero(t, r.Flush(context.Background()))
}

func TestRecorder_DropsOldestWhenFull(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	sink := &memorySink{name: "mem"}
	r, err := New(Config{BufferSize: 3}, []Sink{sink}, Deps{MetricsRegistry: reg})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		r.Record(nil, event(fmt.Sprintf("u%d", i)))
	}
	r.Flush(context.Background())

	assert.Equal(t, []string{"u2", "u3", "u4"}, sink.uids())
	assert.Equal(t, int64(2), r.Stats().Drops)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.metrics.dropped))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.metrics.flushed))
}

func TestRecorder_SinkErrorsAreIsolated(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	bad := &memorySink{name: "bad", err: errors.New("disk full")}
	good := &memorySink{name: "good"}
	r, err := New(Config{}, []Sink{bad, good}, Deps{MetricsRegistry: reg})
	require.NoError(t, err)

	r.Record(nil, event("u0"))
	r.Flush(context.Background())

	assert.Equal(t, []string{"u0"}, good.uids())
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.sinkErrors.WithLabelValues("bad")))
}

func TestRecorder_LoopAndClose(t *testing.T) {
	sink := &memorySink{name: "mem"}
	r, err := New(Config{FlushInterval: 10 * time.Millisecond}, []Sink{sink}, Deps{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	r.Record(stubClient{id: "s1"}, event("u0"))
	assert.Eventually(t, func() bool { return len(sink.uids()) == 1 }, time.Second, 5*time.Millisecond)

	r.Record(nil, event("u1"))
	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, []string{"u0", "u1"}, sink.uids())
	assert.True(t, sink.closed)

	// Records after close are discarded.
	r.Record(nil, event("u2"))
	require.NoError(t, r.Close(context.Background()))
	assert.Len(t, sink.uids(), 2)
}

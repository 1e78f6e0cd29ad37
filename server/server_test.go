package server

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cotrelay/cot"
	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/metric"
	"github.com/c360/cotrelay/pkg/retry"
	"github.com/c360/cotrelay/pkg/security"
	"github.com/c360/cotrelay/pkg/tlsutil"
	"github.com/c360/cotrelay/presence"
	"github.com/c360/cotrelay/router"
	"github.com/c360/cotrelay/testutil"
)

type fixture struct {
	server *Server
	router *router.Router
	store  presence.Store
}

func startServer(t *testing.T, cfg Config, deps Deps, rdeps router.Deps) *fixture {
	t.Helper()

	store := presence.NewMemoryStore(0)
	r, err := router.New(store, rdeps)
	require.NoError(t, err)

	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv, err := New(cfg, r, deps)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(2 * time.Second) })

	return &fixture{server: srv, router: r, store: store}
}

func storeLen(s presence.Store) int {
	n, err := s.Len(context.Background())
	if err != nil {
		return -1
	}
	return n
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// waitClients blocks until the router has n clients, so that events sent
// afterwards are not racing the join.
func waitClients(t *testing.T, r *router.Router, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Len() == n }, 2*time.Second, 5*time.Millisecond)
}

func readEvents(t *testing.T, conn net.Conn, n int) []*cot.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	framer := cot.NewFramer()
	var out []*cot.Event
	buf := make([]byte, 8192)
	for len(out) < n {
		m, err := conn.Read(buf)
		require.NoError(t, err)
		for _, fr := range framer.Feed(buf[:m]) {
			require.NoError(t, fr.Err)
			out = append(out, fr.Event)
		}
	}
	return out
}

// expectSilence asserts nothing arrives on conn for a short while.
func expectSilence(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	assert.Zero(t, n)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "expected timeout, got %v", err)
}

func TestPortFor(t *testing.T) {
	tests := []struct {
		name string
		port int
		tls  bool
		want int
	}{
		{"plain default", 0, false, 8087},
		{"tls default", 0, true, 8089},
		{"configured plain", 9000, false, 9000},
		{"configured tls", 9000, true, 9000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PortFor(tt.port, tt.tls))
		})
	}
}

func TestNew_Validation(t *testing.T) {
	r, err := router.New(presence.NewMemoryStore(0), router.Deps{})
	require.NoError(t, err)

	_, err = New(Config{Addr: "127.0.0.1:0"}, nil, Deps{})
	assert.True(t, errors.IsFatal(err))

	_, err = New(Config{}, r, Deps{})
	assert.True(t, errors.IsFatal(err))
}

func TestServer_RelaysBetweenClients(t *testing.T) {
	f := startServer(t, Config{}, Deps{}, router.Deps{})

	c1 := dial(t, f.server.Addr())
	c2 := dial(t, f.server.Addr())
	waitClients(t, f.router, 2)

	_, err := c1.Write(testutil.MustEncode(t, testutil.IdentityEvent("ANDROID-1", "ALPHA")))
	require.NoError(t, err)
	_, err = c1.Write(testutil.MustEncode(t, testutil.PingEvent("ping-1")))
	require.NoError(t, err)

	got := readEvents(t, c2, 2)
	assert.Equal(t, "ANDROID-1", got[0].UID)
	assert.Equal(t, "ALPHA", got[0].Callsign())
	assert.Equal(t, "ping-1", got[1].UID)

	expectSilence(t, c1)
	assert.Equal(t, 2, f.server.ActiveConnections())
}

func TestServer_ReplaysPresenceOnConnect(t *testing.T) {
	f := startServer(t, Config{}, Deps{}, router.Deps{})

	c1 := dial(t, f.server.Addr())
	_, err := c1.Write(testutil.MustEncode(t, testutil.IdentityEvent("ANDROID-1", "ALPHA")))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return storeLen(f.store) == 1 }, 2*time.Second, 5*time.Millisecond)

	c2 := dial(t, f.server.Addr())
	got := readEvents(t, c2, 1)
	assert.Equal(t, "ANDROID-1", got[0].UID)
}

func TestServer_DisconnectRemovesClient(t *testing.T) {
	f := startServer(t, Config{}, Deps{}, router.Deps{})

	c1 := dial(t, f.server.Addr())
	waitClients(t, f.router, 1)

	require.NoError(t, c1.Close())
	waitClients(t, f.router, 0)
	require.Eventually(t, func() bool { return f.server.ActiveConnections() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_MonitorIsReadOnly(t *testing.T) {
	f := startServer(t, Config{MonitorAddr: "127.0.0.1:0"}, Deps{}, router.Deps{})
	require.NotNil(t, f.server.MonitorAddr())

	client := dial(t, f.server.Addr())
	monitor := dial(t, f.server.MonitorAddr())
	waitClients(t, f.router, 2)

	_, err := client.Write(testutil.MustEncode(t, testutil.PingEvent("from-client")))
	require.NoError(t, err)
	got := readEvents(t, monitor, 1)
	assert.Equal(t, "from-client", got[0].UID)

	_, err = monitor.Write(testutil.MustEncode(t, testutil.IdentityEvent("ANDROID-MON", "MONITOR")))
	require.NoError(t, err)
	expectSilence(t, client)
	assert.Zero(t, storeLen(f.store))
}

func TestServer_UDPIngest(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	f := startServer(t, Config{UDPAddr: "127.0.0.1:0", UDPWorkers: 2}, Deps{MetricsRegistry: registry}, router.Deps{})
	require.NotNil(t, f.server.UDPAddr())

	client := dial(t, f.server.Addr())
	waitClients(t, f.router, 1)

	udp, err := net.Dial("udp", f.server.UDPAddr().String())
	require.NoError(t, err)
	defer udp.Close()

	payload := append(testutil.MustEncode(t, testutil.IdentityEvent("ANDROID-MESH", "MESH")), []byte("<event uid=")...)
	_, err = udp.Write(payload)
	require.NoError(t, err)

	got := readEvents(t, client, 1)
	assert.Equal(t, "ANDROID-MESH", got[0].UID)
	require.Eventually(t, func() bool { return storeLen(f.store) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(f.server.metrics.datagrams.WithLabelValues("dropped")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.server.metrics.datagrams.WithLabelValues("routed")))
	assert.Equal(t, int64(1), f.server.pool.Stats().Submitted)
}

func TestServer_TLS(t *testing.T) {
	pki := tlsutil.NewTestPKI(t)
	tlsCfg, err := tlsutil.LoadServerTLSConfigWithMTLS(
		security.ServerTLSConfig{Enabled: true, CertFile: pki.CertFile, KeyFile: pki.KeyFile},
		security.ServerMTLSConfig{
			Enabled: true, ClientCAFiles: []string{pki.CAFile}, RequireClientCert: true,
			AllowedClientCNs: []string{"ANDROID-1", "ANDROID-2"},
		},
	)
	require.NoError(t, err)

	registry := metric.NewMetricsRegistry()
	f := startServer(t, Config{TLS: tlsCfg, HandshakeTimeout: time.Second}, Deps{MetricsRegistry: registry}, router.Deps{})

	dialTLS := func(cn string) (*tls.Conn, error) {
		d := &net.Dialer{Timeout: 2 * time.Second}
		conn, err := tls.DialWithDialer(d, "tcp", f.server.Addr().String(), pki.ClientConfig(t, cn))
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { _ = conn.Close() })
		// TLS 1.3 reports client certificate rejection on first read.
		_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		_, rerr := conn.Read(make([]byte, 1))
		_ = conn.SetReadDeadline(time.Time{})
		var netErr net.Error
		if rerr != nil && !(errors.As(rerr, &netErr) && netErr.Timeout()) {
			return nil, rerr
		}
		return conn, nil
	}

	_, err = dialTLS("intruder")
	require.Error(t, err)
	_, err = dialTLS("")
	require.Error(t, err)

	c1, err := dialTLS("ANDROID-1")
	require.NoError(t, err)
	c2, err := dialTLS("ANDROID-2")
	require.NoError(t, err)
	waitClients(t, f.router, 2)

	cns := map[string]bool{}
	for _, c := range f.router.Clients() {
		cns[c.Info().PeerCN] = true
	}
	assert.Equal(t, map[string]bool{"ANDROID-1": true, "ANDROID-2": true}, cns)

	_, err = c1.Write(testutil.MustEncode(t, testutil.PingEvent("over-tls")))
	require.NoError(t, err)
	got := readEvents(t, c2, 1)
	assert.Equal(t, "over-tls", got[0].UID)

	assert.Equal(t, 2.0, promtest.ToFloat64(f.server.metrics.handshakes.WithLabelValues("failed")))
	assert.Equal(t, 2.0, promtest.ToFloat64(f.server.metrics.handshakes.WithLabelValues("ok")))
}

func TestServer_HandshakeTimeout(t *testing.T) {
	pki := tlsutil.NewTestPKI(t)
	tlsCfg, err := tlsutil.LoadServerTLSConfig(security.ServerTLSConfig{
		Enabled: true, CertFile: pki.CertFile, KeyFile: pki.KeyFile,
	})
	require.NoError(t, err)

	f := startServer(t, Config{TLS: tlsCfg, HandshakeTimeout: 50 * time.Millisecond}, Deps{}, router.Deps{})

	// A plain TCP client that never speaks TLS is cut off.
	silent := dial(t, f.server.Addr())
	_ = silent.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = silent.Read(make([]byte, 1))
	require.Error(t, err)
	var netErr net.Error
	assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "server should close, got %v", err)
	assert.Zero(t, f.router.Len())
}

type panicRecorder struct{}

func (panicRecorder) Record(_ router.Client, ev *cot.Event) {
	if ev.UID == "boom" {
		panic("recorder exploded")
	}
}

func TestServer_RecoversFromHandlerPanic(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	f := startServer(t, Config{}, Deps{MetricsRegistry: registry}, router.Deps{Recorder: panicRecorder{}})

	bad := dial(t, f.server.Addr())
	waitClients(t, f.router, 1)
	_, err := bad.Write(testutil.MustEncode(t, testutil.PingEvent("boom")))
	require.NoError(t, err)

	waitClients(t, f.router, 0)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.server.metrics.panics))

	c1 := dial(t, f.server.Addr())
	c2 := dial(t, f.server.Addr())
	waitClients(t, f.router, 2)
	_, err = c1.Write(testutil.MustEncode(t, testutil.PingEvent("fine")))
	require.NoError(t, err)
	assert.Equal(t, "fine", readEvents(t, c2, 1)[0].UID)
}

func TestServer_Lifecycle(t *testing.T) {
	r, err := router.New(presence.NewMemoryStore(0), router.Deps{})
	require.NoError(t, err)
	srv, err := New(Config{Addr: "127.0.0.1:0", MonitorAddr: "127.0.0.1:0"}, r, Deps{})
	require.NoError(t, err)

	assert.NoError(t, srv.Stop(time.Second), "stop before start")
	assert.Nil(t, srv.Addr())

	require.NoError(t, srv.Start(context.Background()))
	err = srv.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	c := dial(t, srv.Addr())
	waitClients(t, r, 1)

	require.NoError(t, srv.Stop(2*time.Second))
	require.NoError(t, srv.Stop(2*time.Second))

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = c.Read(make([]byte, 1))
	require.Error(t, err)
	assert.Zero(t, r.Len())

	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServer_BindConflict(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	r, err := router.New(presence.NewMemoryStore(0), router.Deps{})
	require.NoError(t, err)
	srv, err := New(Config{
		Addr:      taken.Addr().String(),
		BindRetry: fastRetry(),
	}, r, Deps{})
	require.NoError(t, err)

	err = srv.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	r, err := router.New(presence.NewMemoryStore(0), router.Deps{})
	require.NoError(t, err)
	srv, err := New(Config{Addr: "127.0.0.1:0"}, r, Deps{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, time.Second) }()

	require.Eventually(t, func() bool { return srv.Addr() != nil }, 2*time.Second, 5*time.Millisecond)
	dial(t, srv.Addr())
	waitClients(t, r, 1)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Zero(t, r.Len())
}

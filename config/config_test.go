package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/natsclient"
	"github.com/c360/cotrelay/pkg/tlsutil"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func isolatedLoader(t *testing.T, env map[string]string) *Loader {
	t.Helper()
	l := NewLoader()
	l.SetSearchPaths(filepath.Join(t.TempDir(), "missing.yaml"))
	l.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return l
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := isolatedLoader(t, nil).Load("")
	require.NoError(t, err)

	wd, err := os.Getwd()
	require.NoError(t, err)

	assert.Empty(t, cfg.Path)
	assert.Equal(t, DefaultNodeID, cfg.NodeID)
	assert.Equal(t, filepath.Join(wd, "cotrelay-data"), cfg.RootDir)
	assert.Equal(t, 8087, cfg.CotServer.Port)
	assert.Equal(t, -1, cfg.CotServer.MaxPersistTTL)
	assert.True(t, cfg.SSL.ClientCertRequired)

	assert.Equal(t, ":8087", cfg.CoTAddr())
	assert.Empty(t, cfg.MonitorAddr(), "monitor disabled without ssl")
	assert.Empty(t, cfg.UDPAddr())
	assert.Equal(t, "127.0.0.1:8090", cfg.AdminAddr())
	assert.Equal(t, filepath.Join(wd, "cotrelay-data", "crash.log"), cfg.CrashLogPath())

	assert.Zero(t, cfg.PresenceConfig().Ceiling)
	assert.False(t, cfg.ServerTLS().Enabled)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
node_id: RELAY-1
bind_ip: 127.0.0.1
root_dir: data
redis: true
cot_server:
  port: 9000
  udp_port: 9001
  log_cot: cot-logs
  max_persist_ttl: 300
session:
  queue_size: 64
  write_timeout: 2s
  rate_limit: 10
  idle_timeout: 1m
traffic_log:
  flush_interval: 250ms
nats:
  url: nats://127.0.0.1:4222
admin:
  port: 0
`)

	cfg, err := isolatedLoader(t, nil).Load(path)
	require.NoError(t, err)

	root := filepath.Join(dir, "data")
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, "RELAY-1", cfg.NodeID)
	assert.Equal(t, root, cfg.RootDir)
	assert.Equal(t, filepath.Join(root, "cot-logs"), cfg.CotServer.LogCot)
	assert.Equal(t, "true", cfg.Redis)

	assert.Equal(t, "127.0.0.1:9000", cfg.CoTAddr())
	assert.Equal(t, "127.0.0.1:9001", cfg.UDPAddr())
	assert.Empty(t, cfg.AdminAddr(), "port 0 disables admin")

	sess := cfg.SessionConfig()
	assert.Equal(t, 64, sess.QueueSize)
	assert.Equal(t, 2*time.Second, sess.WriteTimeout)
	assert.Equal(t, 10.0, sess.RateLimit)
	assert.Equal(t, time.Minute, sess.IdleTimeout)
	assert.Positive(t, sess.MaxFailures, "unset fields keep defaults")

	pc := cfg.PresenceConfig()
	assert.Equal(t, 300*time.Second, pc.Ceiling)
	assert.Equal(t, "true", pc.Redis)
	assert.Equal(t, "cotrelay:presence:RELAY-1:", pc.KeyPrefix)

	assert.Equal(t, 250*time.Millisecond, cfg.TrafficLogConfig().FlushInterval)
	assert.Equal(t, DefaultNATSSubject, cfg.NATS.Subject)

	srv := cfg.ServerConfig()
	assert.Equal(t, "127.0.0.1:9000", srv.Addr)
	assert.Empty(t, srv.MonitorAddr)
	assert.Nil(t, srv.TLS)
}

func TestLoad_SearchOrder(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	secondPath := writeConfig(t, second, "node_id: SECOND\n")

	l := isolatedLoader(t, nil)
	l.SetSearchPaths(filepath.Join(first, DefaultFileName), secondPath)

	cfg, err := l.Load("")
	require.NoError(t, err)
	assert.Equal(t, "SECOND", cfg.NodeID)

	firstPath := writeConfig(t, first, "node_id: FIRST\n")
	cfg, err = l.Load("")
	require.NoError(t, err)
	assert.Equal(t, "FIRST", cfg.NodeID)
	assert.Equal(t, firstPath, cfg.Path)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	_, err := isolatedLoader(t, nil).Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "cot_server: [unterminated\n")
	_, err := isolatedLoader(t, nil).Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
node_id: FROM-FILE
cot_server:
  port: 9000
`)

	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "strings and ints",
			env: map[string]string{
				"COTRELAY_NODE_ID":    "FROM-ENV",
				"COTRELAY_COT_PORT":   "9100",
				"COTRELAY_ADMIN_PORT": "9190",
				"COTRELAY_NATS_URL":   "nats://nats:4222",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "FROM-ENV", cfg.NodeID)
				assert.Equal(t, 9100, cfg.CotServer.Port)
				assert.Equal(t, "127.0.0.1:9190", cfg.AdminAddr())
				assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
			},
		},
		{
			name: "empty values are ignored",
			env:  map[string]string{"COTRELAY_NODE_ID": ""},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "FROM-FILE", cfg.NodeID)
			},
		},
		{
			name:    "bad integer",
			env:     map[string]string{"COTRELAY_COT_PORT": "eighty"},
			wantErr: true,
		},
		{
			name:    "bad boolean",
			env:     map[string]string{"COTRELAY_SSL_ENABLED": "perhaps"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := isolatedLoader(t, tt.env).Load(path)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrInvalidConfig)
				assert.True(t, errors.IsFatal(err))
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_ProcessEnvironment(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "node_id: FILE\n")
	t.Setenv("COTRELAY_NODE_ID", "PROCESS")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "PROCESS", cfg.NodeID)
}

func TestLoad_SSL(t *testing.T) {
	pki := tlsutil.NewTestPKI(t)
	dir := t.TempDir()

	// Relative ssl paths resolve against the config file's directory.
	for src, dst := range map[string]string{pki.CAFile: "ca.crt", pki.CertFile: "server.crt", pki.KeyFile: "server.key"} {
		data, err := os.ReadFile(src)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, dst), data, 0o600))
	}

	path := writeConfig(t, dir, `
ssl:
  enabled: true
  ca: ca.crt
  cert: server.crt
  key: server.key
  allowed_cns: [ANDROID-1]
  min_version: "1.3"
`)
	cfg, err := isolatedLoader(t, nil).Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8089, cfg.CotServer.Port)
	assert.Equal(t, 8087, cfg.CotServer.MonPort)
	assert.Equal(t, ":8087", cfg.MonitorAddr())
	assert.Equal(t, filepath.Join(dir, "server.crt"), cfg.SSL.Cert)

	tlsCfg := cfg.ServerTLS()
	assert.True(t, tlsCfg.Enabled)
	assert.Equal(t, "1.3", tlsCfg.MinVersion)
	assert.True(t, tlsCfg.MTLS.Enabled)
	assert.True(t, tlsCfg.MTLS.RequireClientCert)
	assert.Equal(t, []string{filepath.Join(dir, "ca.crt")}, tlsCfg.MTLS.ClientCAFiles)
	assert.Equal(t, []string{"ANDROID-1"}, tlsCfg.MTLS.AllowedClientCNs)

	loaded, err := tlsutil.LoadServerTLSConfig(tlsCfg)
	require.NoError(t, err)
	require.NotNil(t, loaded)
}

func TestValidate(t *testing.T) {
	pki := tlsutil.NewTestPKI(t)

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{"defaults", func(*Config) {}, nil},
		{"empty node id", func(c *Config) { c.NodeID = " " }, errors.ErrInvalidConfig},
		{"bad bind ip", func(c *Config) { c.BindIP = "localhost" }, errors.ErrInvalidConfig},
		{"port too large", func(c *Config) { c.CotServer.Port = 65535 }, errors.ErrInvalidConfig},
		{"negative port", func(c *Config) { c.CotServer.Port = -1 }, errors.ErrInvalidConfig},
		{"monitor clashes", func(c *Config) { c.CotServer.MonPort = c.CotServer.Port }, errors.ErrInvalidConfig},
		{"negative rate", func(c *Config) { c.Session.RateLimit = -1 }, errors.ErrInvalidConfig},
		{"ssl without cert", func(c *Config) { c.SSL.Enabled = true }, errors.ErrMissingConfig},
		{"ssl missing file", func(c *Config) {
			c.SSL = SSLConfig{Enabled: true, Cert: "/nonexistent.crt", Key: pki.KeyFile}
		}, errors.ErrInvalidConfig},
		{"ssl bad version", func(c *Config) {
			c.SSL = SSLConfig{Enabled: true, Cert: pki.CertFile, Key: pki.KeyFile, MinVersion: "1.1"}
		}, errors.ErrInvalidConfig},
		{"ssl without client ca", func(c *Config) {
			c.SSL = SSLConfig{Enabled: true, Cert: pki.CertFile, Key: pki.KeyFile}
		}, nil},
		{"ssl requires ca for client certs", func(c *Config) {
			c.SSL = SSLConfig{Enabled: true, ClientCertRequired: true, Cert: pki.CertFile, Key: pki.KeyFile}
		}, errors.ErrMissingConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.resolve())
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestString_MasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.NATS.Token = "s3cret"
	cfg.NATS.Password = "hunter2"
	out := cfg.String()
	assert.NotContains(t, out, "s3cret")
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "node_id: COTRELAY")
	assert.Equal(t, "s3cret", cfg.NATS.Token)
	assert.Equal(t, "hunter2", cfg.NATS.Password)
}

func TestLoad_NATS(t *testing.T) {
	pki := tlsutil.NewTestPKI(t)
	dir := t.TempDir()
	for src, dst := range map[string]string{pki.CAFile: "nats-ca.crt", pki.CertFile: "relay.crt", pki.KeyFile: "relay.key"} {
		data, err := os.ReadFile(src)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, dst), data, 0o600))
	}

	path := writeConfig(t, dir, `
nats:
  url: tls://nats:4222
  subject: cot.mirror
  user: relay
  password: secret
  ca: nats-ca.crt
  cert: relay.crt
  key: relay.key
  connect_timeout: 2s
  reconnect_wait: 500ms
  drain_timeout: 3s
`)
	cfg, err := isolatedLoader(t, map[string]string{"COTRELAY_NATS_PING_INTERVAL": "15s"}).Load(path)
	require.NoError(t, err)

	n := cfg.NATS
	assert.Equal(t, "cot.mirror", n.Subject)
	assert.Equal(t, filepath.Join(dir, "nats-ca.crt"), n.CA)
	assert.Equal(t, filepath.Join(dir, "relay.crt"), n.Cert)
	assert.Equal(t, 2*time.Second, n.ConnectTimeout)
	assert.Equal(t, 500*time.Millisecond, n.ReconnectWait)
	assert.Equal(t, 15*time.Second, n.PingInterval)
	assert.Equal(t, 3*time.Second, n.DrainTimeout)

	opts := cfg.NATSOptions()
	assert.Len(t, opts, 6)
	nc, err := natsclient.NewClient(n.URL, opts...)
	require.NoError(t, err)
	assert.Equal(t, "tls://nats:4222", nc.URL())
}

func TestLoad_NATSInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
	}{
		{"missing ca", "nats:\n  url: nats://n:4222\n  ca: /nonexistent/ca.crt\n", nil},
		{"cert without key", "nats:\n  url: nats://n:4222\n  cert: relay.crt\n", nil},
		{"user without password", "nats:\n  url: nats://n:4222\n  user: relay\n", nil},
		{"negative drain", "nats:\n  url: nats://n:4222\n  drain_timeout: -1s\n", nil},
		{"bad duration env", "nats:\n  url: nats://n:4222\n", map[string]string{"COTRELAY_NATS_RECONNECT_WAIT": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), tt.body)
			_, err := isolatedLoader(t, tt.env).Load(path)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsFatal(err))
		})
	}
}

func TestNATSOptions_Defaults(t *testing.T) {
	cfg := Default()
	cfg.NATS.URL = "nats://n:4222"
	require.NoError(t, cfg.Validate())

	// Only the four durations, all zero, so the client defaults apply.
	assert.Len(t, cfg.NATSOptions(), 4)
	_, err := natsclient.NewClient(cfg.NATS.URL, cfg.NATSOptions()...)
	assert.NoError(t, err)
}

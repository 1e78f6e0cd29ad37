package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/natsclient"
	"github.com/c360/cotrelay/pkg/security"
	"github.com/c360/cotrelay/pkg/tlsutil"
	"github.com/c360/cotrelay/presence"
	"github.com/c360/cotrelay/server"
	"github.com/c360/cotrelay/session"
	"github.com/c360/cotrelay/trafficlog"
)

// Defaults
const (
	DefaultNodeID         = "COTRELAY"
	DefaultFileName       = "cotrelay.yaml"
	DefaultSystemPath     = "/etc/cotrelay/cotrelay.yaml"
	DefaultRootDir        = "./cotrelay-data"
	DefaultAdminBind      = "127.0.0.1"
	DefaultAdminPort      = 8090
	DefaultNATSSubject    = "cot.traffic"
	DefaultRedisKeyPrefix = "cotrelay:presence:"
	DefaultEnvPrefix      = "COTRELAY"
)

// Config is the relay configuration. Field names follow the file's sections.
type Config struct {
	NodeID  string `yaml:"node_id"`
	BindIP  string `yaml:"bind_ip"`
	RootDir string `yaml:"root_dir"`
	// Redis selects the presence backend: empty for in-process, "true" for
	// a local server, or a redis:// URL.
	Redis string `yaml:"redis"`

	CotServer  CotServerConfig  `yaml:"cot_server"`
	SSL        SSLConfig        `yaml:"ssl"`
	Session    SessionConfig    `yaml:"session"`
	TrafficLog TrafficLogConfig `yaml:"traffic_log"`
	NATS       NATSConfig       `yaml:"nats"`
	Admin      AdminConfig      `yaml:"admin"`

	// Path is the file the configuration was read from, empty for defaults.
	Path string `yaml:"-"`
}

// CotServerConfig holds the listener settings.
type CotServerConfig struct {
	// Port 0 selects 8089 with SSL and 8087 without.
	Port    int    `yaml:"port"`
	MonIP   string `yaml:"mon_ip"`
	MonPort int    `yaml:"mon_port"`
	// UDPPort enables plaintext datagram ingest when non-zero.
	UDPPort int `yaml:"udp_port"`
	// LogCot is a directory for per-source raw traffic files; empty disables.
	LogCot string `yaml:"log_cot"`
	// MaxPersistTTL caps presence lifetime in seconds; <= 0 means none.
	MaxPersistTTL int `yaml:"max_persist_ttl"`
}

// SSLConfig enables TLS on the main listener.
type SSLConfig struct {
	Enabled            bool     `yaml:"enabled"`
	ClientCertRequired bool     `yaml:"client_cert_required"`
	CA                 string   `yaml:"ca"`
	Cert               string   `yaml:"cert"`
	Key                string   `yaml:"key"`
	AllowedCNs         []string `yaml:"allowed_cns"`
	MinVersion         string   `yaml:"min_version"`
	Reload             bool     `yaml:"reload"`
}

// SessionConfig tunes per-connection behaviour.
type SessionConfig struct {
	QueueSize        int           `yaml:"queue_size"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	MaxFailures      int           `yaml:"max_failures"`
	RateLimit        float64       `yaml:"rate_limit"`
	RateBurst        int           `yaml:"rate_burst"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	MaxElementSize   int           `yaml:"max_element_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// TrafficLogConfig tunes the traffic recorder buffer.
type TrafficLogConfig struct {
	BufferSize    int           `yaml:"buffer_size"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// NATSConfig enables the traffic mirror when URL is set. Zero durations keep
// the client defaults.
type NATSConfig struct {
	URL      string `yaml:"url"`
	Subject  string `yaml:"subject"`
	Token    string `yaml:"token"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// CA verifies the server; Cert and Key present a client certificate.
	CA   string `yaml:"ca"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
}

// AdminConfig places the operator HTTP surface. Port 0 disables it.
type AdminConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	sess := session.DefaultConfig()
	tl := trafficlog.DefaultConfig()
	return &Config{
		NodeID:  DefaultNodeID,
		RootDir: DefaultRootDir,
		CotServer: CotServerConfig{
			MaxPersistTTL: -1,
		},
		SSL: SSLConfig{
			ClientCertRequired: true,
		},
		Session: SessionConfig{
			QueueSize:        sess.QueueSize,
			WriteTimeout:     sess.WriteTimeout,
			MaxFailures:      sess.MaxFailures,
			MaxElementSize:   sess.MaxElementSize,
			HandshakeTimeout: server.DefaultHandshakeTimeout,
		},
		TrafficLog: TrafficLogConfig{
			BufferSize:    tl.BufferSize,
			BatchSize:     tl.BatchSize,
			FlushInterval: tl.FlushInterval,
		},
		NATS: NATSConfig{
			Subject: DefaultNATSSubject,
		},
		Admin: AdminConfig{
			Bind: DefaultAdminBind,
			Port: DefaultAdminPort,
		},
	}
}

// Loader reads configuration in layers: defaults, then the file, then
// environment overrides.
type Loader struct {
	envPrefix   string
	searchPaths []string
	lookupEnv   func(string) (string, bool)
}

// NewLoader creates a loader with the standard search paths.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:   DefaultEnvPrefix,
		searchPaths: []string{DefaultFileName, DefaultSystemPath},
		lookupEnv:   os.LookupEnv,
	}
}

// SetSearchPaths replaces the paths tried when Load is given no path.
func (l *Loader) SetSearchPaths(paths ...string) {
	l.searchPaths = paths
}

// Load is shorthand for NewLoader().Load(path).
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load reads path, or the first existing search path when path is empty.
// An explicit path must exist. With no file at all the defaults are used
// with root_dir resolved to ./cotrelay-data.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = l.search()
	} else if _, err := os.Stat(path); err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "stat config file")
	}

	if path != "" {
		if err := l.loadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) search() string {
	for _, p := range l.searchPaths {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

func (l *Loader) loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WrapFatal(err, "Loader", "loadFile", "read config file")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.WrapFatal(
			fmt.Errorf("%w: %s: %v", errors.ErrInvalidConfig, path, err),
			"Loader", "loadFile", "parse config file")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.WrapFatal(err, "Loader", "loadFile", "resolve config path")
	}
	cfg.Path = abs
	return nil
}

func (l *Loader) env(name string) (string, bool) {
	v, ok := l.lookupEnv(l.envPrefix + "_" + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// applyEnvOverrides applies COTRELAY_* variables on top of the file.
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"NODE_ID", &cfg.NodeID},
		{"BIND_IP", &cfg.BindIP},
		{"ROOT_DIR", &cfg.RootDir},
		{"REDIS", &cfg.Redis},
		{"LOG_COT", &cfg.CotServer.LogCot},
		{"SSL_CA", &cfg.SSL.CA},
		{"SSL_CERT", &cfg.SSL.Cert},
		{"SSL_KEY", &cfg.SSL.Key},
		{"NATS_URL", &cfg.NATS.URL},
		{"NATS_SUBJECT", &cfg.NATS.Subject},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"NATS_USER", &cfg.NATS.User},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_CA", &cfg.NATS.CA},
		{"NATS_CERT", &cfg.NATS.Cert},
		{"NATS_KEY", &cfg.NATS.Key},
		{"ADMIN_BIND", &cfg.Admin.Bind},
	}
	for _, s := range strs {
		if v, ok := l.env(s.name); ok {
			*s.dst = v
		}
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"COT_PORT", &cfg.CotServer.Port},
		{"MON_PORT", &cfg.CotServer.MonPort},
		{"UDP_PORT", &cfg.CotServer.UDPPort},
		{"MAX_PERSIST_TTL", &cfg.CotServer.MaxPersistTTL},
		{"ADMIN_PORT", &cfg.Admin.Port},
	}
	for _, i := range ints {
		v, ok := l.env(i.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.WrapFatal(
				fmt.Errorf("%w: %s_%s=%q", errors.ErrInvalidConfig, l.envPrefix, i.name, v),
				"Loader", "applyEnvOverrides", "parse integer")
		}
		*i.dst = n
	}

	bools := []struct {
		name string
		dst  *bool
	}{
		{"SSL_ENABLED", &cfg.SSL.Enabled},
		{"SSL_CLIENT_CERT_REQUIRED", &cfg.SSL.ClientCertRequired},
	}
	for _, b := range bools {
		v, ok := l.env(b.name)
		if !ok {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return errors.WrapFatal(
				fmt.Errorf("%w: %s_%s=%q", errors.ErrInvalidConfig, l.envPrefix, b.name, v),
				"Loader", "applyEnvOverrides", "parse boolean")
		}
		*b.dst = parsed
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"NATS_CONNECT_TIMEOUT", &cfg.NATS.ConnectTimeout},
		{"NATS_RECONNECT_WAIT", &cfg.NATS.ReconnectWait},
		{"NATS_PING_INTERVAL", &cfg.NATS.PingInterval},
		{"NATS_DRAIN_TIMEOUT", &cfg.NATS.DrainTimeout},
	}
	for _, d := range durations {
		v, ok := l.env(d.name)
		if !ok {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return errors.WrapFatal(
				fmt.Errorf("%w: %s_%s=%q", errors.ErrInvalidConfig, l.envPrefix, d.name, v),
				"Loader", "applyEnvOverrides", "parse duration")
		}
		*d.dst = parsed
	}
	return nil
}

// resolve anchors relative paths and applies the port conventions.
func (c *Config) resolve() error {
	base := "."
	if c.Path != "" {
		base = filepath.Dir(c.Path)
	}

	var err error
	if c.RootDir, err = absFrom(base, c.RootDir); err != nil {
		return errors.WrapFatal(err, "Config", "resolve", "resolve root_dir")
	}
	// Traffic logs live under root_dir unless given absolutely.
	if c.CotServer.LogCot, err = absFrom(c.RootDir, c.CotServer.LogCot); err != nil {
		return errors.WrapFatal(err, "Config", "resolve", "resolve log_cot")
	}

	if c.CotServer.Port == 0 {
		c.CotServer.Port = server.PortFor(0, c.SSL.Enabled)
	}

	if c.SSL.Enabled {
		if c.CotServer.MonPort == 0 {
			c.CotServer.MonPort = server.DefaultPort
		}
		for _, p := range []*string{&c.SSL.CA, &c.SSL.Cert, &c.SSL.Key} {
			if *p, err = absFrom(base, *p); err != nil {
				return errors.WrapFatal(err, "Config", "resolve", "resolve ssl path")
			}
		}
	} else {
		c.CotServer.MonIP = ""
		c.CotServer.MonPort = 0
	}

	for _, p := range []*string{&c.NATS.CA, &c.NATS.Cert, &c.NATS.Key} {
		if *p, err = absFrom(base, *p); err != nil {
			return errors.WrapFatal(err, "Config", "resolve", "resolve nats path")
		}
	}
	return nil
}

func absFrom(base, p string) (string, error) {
	if p == "" || filepath.IsAbs(p) {
		return p, nil
	}
	return filepath.Abs(filepath.Join(base, p))
}

// Validate checks ranges and that the referenced files exist.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return invalid("node_id is required")
	}
	if c.BindIP != "" && net.ParseIP(c.BindIP) == nil {
		return invalid("bind_ip %q is not an IP address", c.BindIP)
	}

	ports := []struct {
		name     string
		port     int
		optional bool
	}{
		{"cot_server.port", c.CotServer.Port, false},
		{"cot_server.mon_port", c.CotServer.MonPort, true},
		{"cot_server.udp_port", c.CotServer.UDPPort, true},
		{"admin.port", c.Admin.Port, true},
	}
	for _, p := range ports {
		if p.optional && p.port == 0 {
			continue
		}
		if p.port <= 0 || p.port >= 65535 {
			return invalid("%s: invalid port %d", p.name, p.port)
		}
	}
	if c.CotServer.MonPort != 0 && c.CotServer.MonPort == c.CotServer.Port {
		return invalid("cot_server.mon_port must differ from cot_server.port")
	}

	if c.Session.QueueSize < 0 || c.Session.MaxFailures < 0 || c.Session.RateBurst < 0 {
		return invalid("session: sizes must not be negative")
	}
	if c.Session.RateLimit < 0 {
		return invalid("session.rate_limit must not be negative")
	}

	if c.SSL.Enabled {
		if err := c.validateSSL(); err != nil {
			return err
		}
	}
	if c.NATS.URL != "" {
		if err := c.validateNATS(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateNATS() error {
	n := c.NATS
	if (n.Cert == "") != (n.Key == "") {
		return invalid("nats.cert and nats.key must be set together")
	}
	if (n.User == "") != (n.Password == "") {
		return invalid("nats.user and nats.password must be set together")
	}
	for _, f := range []struct{ name, path string }{
		{"nats.ca", n.CA},
		{"nats.cert", n.Cert},
		{"nats.key", n.Key},
	} {
		if f.path == "" {
			continue
		}
		if _, err := os.Stat(f.path); err != nil {
			return invalid("%s: %v", f.name, err)
		}
	}
	for _, d := range []struct {
		name string
		d    time.Duration
	}{
		{"nats.connect_timeout", n.ConnectTimeout},
		{"nats.reconnect_wait", n.ReconnectWait},
		{"nats.ping_interval", n.PingInterval},
		{"nats.drain_timeout", n.DrainTimeout},
	} {
		if d.d < 0 {
			return invalid("%s must not be negative", d.name)
		}
	}
	return nil
}

func (c *Config) validateSSL() error {
	files := []struct{ name, path string }{
		{"ssl.cert", c.SSL.Cert},
		{"ssl.key", c.SSL.Key},
	}
	if c.SSL.ClientCertRequired || len(c.SSL.AllowedCNs) > 0 || c.SSL.CA != "" {
		files = append(files, struct{ name, path string }{"ssl.ca", c.SSL.CA})
	}
	for _, f := range files {
		if f.path == "" {
			return errors.WrapFatal(
				fmt.Errorf("%w: %s is required when ssl is enabled", errors.ErrMissingConfig, f.name),
				"Config", "Validate", "check ssl")
		}
		if _, err := os.Stat(f.path); err != nil {
			return invalid("%s: %v", f.name, err)
		}
	}
	if !tlsutil.ValidTLSVersion(c.SSL.MinVersion) {
		return invalid("ssl.min_version %q must be 1.2 or 1.3", c.SSL.MinVersion)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapFatal(
		fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...)),
		"Config", "Validate", "validate")
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// CoTAddr is the main listener address.
func (c *Config) CoTAddr() string {
	return hostPort(c.BindIP, c.CotServer.Port)
}

// MonitorAddr is the read-only listener address, empty when disabled.
func (c *Config) MonitorAddr() string {
	if c.CotServer.MonPort == 0 {
		return ""
	}
	ip := c.CotServer.MonIP
	if ip == "" {
		ip = c.BindIP
	}
	return hostPort(ip, c.CotServer.MonPort)
}

// UDPAddr is the datagram listener address, empty when disabled.
func (c *Config) UDPAddr() string {
	if c.CotServer.UDPPort == 0 {
		return ""
	}
	return hostPort(c.BindIP, c.CotServer.UDPPort)
}

// AdminAddr is the admin HTTP address, empty when disabled.
func (c *Config) AdminAddr() string {
	if c.Admin.Port == 0 {
		return ""
	}
	return hostPort(c.Admin.Bind, c.Admin.Port)
}

// CrashLogPath is where unrecovered panics are appended.
func (c *Config) CrashLogPath() string {
	return filepath.Join(c.RootDir, "crash.log")
}

// ServerTLS maps the ssl section onto the TLS loader's types.
func (c *Config) ServerTLS() security.ServerTLSConfig {
	tlsCfg := security.ServerTLSConfig{
		Enabled:    c.SSL.Enabled,
		CertFile:   c.SSL.Cert,
		KeyFile:    c.SSL.Key,
		MinVersion: c.SSL.MinVersion,
		Reload:     c.SSL.Reload,
	}
	if c.SSL.Enabled && c.SSL.CA != "" {
		tlsCfg.MTLS = security.ServerMTLSConfig{
			Enabled:           true,
			ClientCAFiles:     []string{c.SSL.CA},
			RequireClientCert: c.SSL.ClientCertRequired,
			AllowedClientCNs:  c.SSL.AllowedCNs,
		}
	}
	return tlsCfg
}

// PresenceConfig maps redis and max_persist_ttl onto the store config.
func (c *Config) PresenceConfig() presence.Config {
	var ceiling time.Duration
	if c.CotServer.MaxPersistTTL > 0 {
		ceiling = time.Duration(c.CotServer.MaxPersistTTL) * time.Second
	}
	return presence.Config{
		Ceiling:   ceiling,
		Redis:     c.Redis,
		KeyPrefix: DefaultRedisKeyPrefix + c.NodeID + ":",
	}
}

// SessionConfig returns the per-connection settings.
func (c *Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	s := c.Session
	if s.QueueSize > 0 {
		cfg.QueueSize = s.QueueSize
	}
	if s.WriteTimeout > 0 {
		cfg.WriteTimeout = s.WriteTimeout
	}
	if s.MaxFailures > 0 {
		cfg.MaxFailures = s.MaxFailures
	}
	if s.MaxElementSize > 0 {
		cfg.MaxElementSize = s.MaxElementSize
	}
	cfg.RateLimit = s.RateLimit
	cfg.RateBurst = s.RateBurst
	cfg.IdleTimeout = s.IdleTimeout
	return cfg
}

// ServerConfig returns the listener configuration without TLS; the caller
// loads certificates and sets TLS.
func (c *Config) ServerConfig() server.Config {
	return server.Config{
		Addr:             c.CoTAddr(),
		MonitorAddr:      c.MonitorAddr(),
		UDPAddr:          c.UDPAddr(),
		HandshakeTimeout: c.Session.HandshakeTimeout,
		Session:          c.SessionConfig(),
	}
}

// TrafficLogConfig returns the recorder settings.
func (c *Config) TrafficLogConfig() trafficlog.Config {
	cfg := trafficlog.DefaultConfig()
	if c.TrafficLog.BufferSize > 0 {
		cfg.BufferSize = c.TrafficLog.BufferSize
	}
	if c.TrafficLog.BatchSize > 0 {
		cfg.BatchSize = c.TrafficLog.BatchSize
	}
	if c.TrafficLog.FlushInterval > 0 {
		cfg.FlushInterval = c.TrafficLog.FlushInterval
	}
	return cfg
}

// NATSOptions maps the nats section onto client options. The caller adds
// logging, metrics and the connection name.
func (c *Config) NATSOptions() []natsclient.ClientOption {
	n := c.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithTimeout(n.ConnectTimeout),
		natsclient.WithReconnectWait(n.ReconnectWait),
		natsclient.WithPingInterval(n.PingInterval),
		natsclient.WithDrainTimeout(n.DrainTimeout),
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if n.User != "" {
		opts = append(opts, natsclient.WithCredentials(n.User, n.Password))
	}
	if n.CA != "" || n.Cert != "" {
		opts = append(opts, natsclient.WithTLS(n.Cert, n.Key, n.CA))
	}
	return opts
}

// String renders the effective configuration as YAML with secrets masked.
func (c *Config) String() string {
	masked := *c
	for _, secret := range []*string{&masked.NATS.Token, &masked.NATS.Password} {
		if *secret != "" {
			*secret = "****"
		}
	}
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(data)
}

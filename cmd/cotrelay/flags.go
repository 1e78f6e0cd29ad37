package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// Sub-commands
const (
	cmdServe    = "serve"
	cmdStatus   = "status"
	cmdPurge    = "purge-persist"
	cmdValidate = "validate"
)

var commands = []string{cmdServe, cmdStatus, cmdPurge, cmdValidate}

// CLIConfig holds command-line configuration
type CLIConfig struct {
	Command         string
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	AdminURL        string
	ShowVersion     bool
	ShowHelp        bool

	usage func(io.Writer)
}

// parseFlags parses args (without the program name). getenv supplies the
// COTRELAY_* fallbacks for flag defaults.
func parseFlags(args []string, getenv func(string) string, stderr io.Writer) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	fs := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVarP(&cfg.ConfigPath, "config", "c",
		envString(getenv, "COTRELAY_CONFIG", ""),
		"Path to configuration file (env: COTRELAY_CONFIG)")
	fs.StringVar(&cfg.LogLevel, "log-level",
		envString(getenv, "COTRELAY_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: COTRELAY_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		envString(getenv, "COTRELAY_LOG_FORMAT", "json"),
		"Log format: json, text (env: COTRELAY_LOG_FORMAT)")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		envDuration(getenv, "COTRELAY_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: COTRELAY_SHUTDOWN_TIMEOUT)")
	fs.StringVar(&cfg.AdminURL, "admin-url", "",
		"Admin endpoint for status and purge-persist (default: from config)")
	debug := fs.Bool("debug", envBool(getenv, "COTRELAY_DEBUG", false),
		"Shorthand for --log-level=debug (env: COTRELAY_DEBUG)")
	fs.BoolVarP(&cfg.ShowVersion, "version", "v", false, "Show version information")
	fs.BoolVarP(&cfg.ShowHelp, "help", "h", false, "Show help information")

	cfg.usage = func(w io.Writer) { printHelp(w, fs) }
	fs.Usage = func() { cfg.usage(stderr) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch rest := fs.Args(); len(rest) {
	case 0:
		cfg.Command = cmdServe
	case 1:
		cfg.Command = rest[0]
	default:
		return nil, fmt.Errorf("unexpected argument: %s", rest[1])
	}

	if *debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}
	if !slices.Contains(commands, cfg.Command) {
		return fmt.Errorf("unknown command: %s", cfg.Command)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %v", cfg.ShutdownTimeout)
	}
	return nil
}

func printHelp(w io.Writer, fs *pflag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - Cursor-on-Target relay

Usage: %s [command] [options]

Commands:
  serve          Run the relay (default)
  status         Show health, connected clients and presence from a running relay
  purge-persist  Clear the presence table of a running relay
  validate       Load and validate the configuration, then exit

Options:
`, appName, appName)
	_, _ = fmt.Fprint(w, fs.FlagUsages())
	_, _ = fmt.Fprintf(w, `
Configuration is read from --config, else ./cotrelay.yaml, else
/etc/cotrelay/cotrelay.yaml, else built-in defaults.

Examples:
  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Query a running relay
  %s status -c /etc/cotrelay/cotrelay.yaml

Version: %s
`, appName, appName, Version)
}

func envString(getenv func(string) string, key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(getenv func(string) string, key string, def bool) bool {
	if v := getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(getenv func(string) string, key string, def time.Duration) time.Duration {
	if v := getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		wantErr bool
		check   func(t *testing.T, c *CLIConfig)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, c *CLIConfig) {
				assert.Equal(t, cmdServe, c.Command)
				assert.Empty(t, c.ConfigPath)
				assert.Equal(t, "info", c.LogLevel)
				assert.Equal(t, "json", c.LogFormat)
				assert.Equal(t, 10*time.Second, c.ShutdownTimeout)
			},
		},
		{
			name: "short config flag and command",
			args: []string{"status", "-c", "/etc/relay.yaml"},
			check: func(t *testing.T, c *CLIConfig) {
				assert.Equal(t, cmdStatus, c.Command)
				assert.Equal(t, "/etc/relay.yaml", c.ConfigPath)
			},
		},
		{
			name: "flags before command",
			args: []string{"--log-format=text", "--admin-url", "http://relay:8090", "purge-persist"},
			check: func(t *testing.T, c *CLIConfig) {
				assert.Equal(t, cmdPurge, c.Command)
				assert.Equal(t, "text", c.LogFormat)
				assert.Equal(t, "http://relay:8090", c.AdminURL)
			},
		},
		{
			name: "environment fallbacks",
			env: map[string]string{
				"COTRELAY_CONFIG":           "/srv/cotrelay.yaml",
				"COTRELAY_LOG_LEVEL":        "warn",
				"COTRELAY_SHUTDOWN_TIMEOUT": "3s",
			},
			check: func(t *testing.T, c *CLIConfig) {
				assert.Equal(t, "/srv/cotrelay.yaml", c.ConfigPath)
				assert.Equal(t, "warn", c.LogLevel)
				assert.Equal(t, 3*time.Second, c.ShutdownTimeout)
			},
		},
		{
			name: "flag beats environment",
			args: []string{"--log-level", "error"},
			env:  map[string]string{"COTRELAY_LOG_LEVEL": "warn"},
			check: func(t *testing.T, c *CLIConfig) {
				assert.Equal(t, "error", c.LogLevel)
			},
		},
		{
			name: "debug shorthand",
			args: []string{"--debug"},
			check: func(t *testing.T, c *CLIConfig) {
				assert.Equal(t, "debug", c.LogLevel)
			},
		},
		{
			name: "version and help",
			args: []string{"-v", "-h"},
			check: func(t *testing.T, c *CLIConfig) {
				assert.True(t, c.ShowVersion)
				assert.True(t, c.ShowHelp)
			},
		},
		{name: "unknown flag", args: []string{"--bogus"}, wantErr: true},
		{name: "two commands", args: []string{"status", "serve"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stderr bytes.Buffer
			c, err := parseFlags(tt.args, envMap(tt.env), &stderr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, c)
		})
	}
}

func TestValidateFlags(t *testing.T) {
	valid := func() *CLIConfig {
		return &CLIConfig{Command: cmdServe, LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}
	}

	tests := []struct {
		name    string
		mutate  func(c *CLIConfig)
		wantErr string
	}{
		{"valid", func(*CLIConfig) {}, ""},
		{"unknown command", func(c *CLIConfig) { c.Command = "reboot" }, "unknown command"},
		{"bad level", func(c *CLIConfig) { c.LogLevel = "trace" }, "invalid log level"},
		{"bad format", func(c *CLIConfig) { c.LogFormat = "xml" }, "invalid log format"},
		{"zero timeout", func(c *CLIConfig) { c.ShutdownTimeout = 0 }, "invalid shutdown timeout"},
		{"version skips checks", func(c *CLIConfig) { c.Command, c.ShowVersion = "reboot", true }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := validateFlags(c)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRun_VersionAndHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"--version"}, envMap(nil), &stdout, &stderr))
	assert.Contains(t, stdout.String(), "cotrelay version "+Version)

	stdout.Reset()
	require.NoError(t, run([]string{"--help"}, envMap(nil), &stdout, &stderr))
	assert.Contains(t, stdout.String(), "purge-persist")
	assert.Contains(t, stdout.String(), "--config")
}

func TestRun_InvalidFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run([]string{"--log-level", "loud"}, envMap(nil), &stdout, &stderr)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid flags")
}

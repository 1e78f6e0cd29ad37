// Package main implements the cotrelay command: a Cursor-on-Target relay
// that accepts TAK clients over TCP or TLS and fans their events out to
// each other, plus management commands that talk to a running relay.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/cotrelay/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "cotrelay"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Getenv, os.Stdout, os.Stderr); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, getenv func(string) string, stdout, stderr io.Writer) error {
	cli, err := parseFlags(args, getenv, stderr)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cli); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}
	if cli.ShowHelp {
		cli.usage(stdout)
		return nil
	}

	// Management commands keep stdout for their own output.
	logOut := stdout
	if cli.Command != cmdServe {
		logOut = stderr
	}
	logger := setupLogger(logOut, cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = logger.With("node_id", cfg.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cli.Command {
	case cmdValidate:
		_, _ = fmt.Fprint(stdout, cfg.String())
		logger.Info("Configuration is valid", "config_path", cfg.Path)
		return nil
	case cmdStatus, cmdPurge:
		client, err := newAdminClient(cli.AdminURL, cfg)
		if err != nil {
			return err
		}
		if cli.Command == cmdStatus {
			return runStatus(ctx, client, stdout)
		}
		return runPurge(ctx, client, stdout)
	default:
		logger.Info("Starting cotrelay",
			"version", Version,
			"build_time", BuildTime,
			"config_path", cfg.Path)
		return runServe(ctx, cfg, logger, cli.ShutdownTimeout)
	}
}

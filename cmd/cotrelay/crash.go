package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"
)

// writeCrashReport appends one report to path, creating it if needed.
func writeCrashReport(path string, r any, stack []byte, now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create crash log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open crash log: %w", err)
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "--- %s %s crashed at %s\npanic: %v\n\n%s\n",
		appName, Version, now.UTC().Format(time.RFC3339), r, stack)
	if err != nil {
		return fmt.Errorf("write crash log: %w", err)
	}
	return nil
}

// recoverToCrashLog must be deferred directly. It turns a panic into an
// error after recording it in the crash log.
func recoverToCrashLog(path string, logger *slog.Logger, errp *error) {
	r := recover()
	if r == nil {
		return
	}
	stack := debug.Stack()
	if err := writeCrashReport(path, r, stack, time.Now()); err != nil {
		logger.Error("Failed to write crash log", "path", path, "error", err)
	}
	logger.Error("Relay crashed", "panic", r, "crash_log", path)
	*errp = fmt.Errorf("panic: %v", r)
}

package trafficlog

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/c360/cotrelay/errors"
)

// FileSink appends the raw XML of every record to one file per source
// under a directory, one event per line.
type FileSink struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

var _ Sink = (*FileSink)(nil)

// NewFileSink creates dir if needed.
func NewFileSink(dir string, logger *slog.Logger) (*FileSink, error) {
	if dir == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "FileSink", "NewFileSink", "directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "FileSink", "NewFileSink", "create directory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{
		dir:    dir,
		logger: logger.With("sink", "file"),
		files:  make(map[string]*os.File),
	}, nil
}

// Name implements Sink.
func (f *FileSink) Name() string { return "file" }

// Write implements Sink.
func (f *FileSink) Write(_ context.Context, batch []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for _, rec := range batch {
		file, err := f.open(rec.Source())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := file.WriteString(rec.XML + "\n"); err != nil {
			errs = append(errs, errors.WrapTransient(err, "FileSink", "Write", "append record"))
		}
	}
	return errors.Join(errs...)
}

func (f *FileSink) open(source string) (*os.File, error) {
	name := sanitizeFilename(source) + ".cot"
	if file, ok := f.files[name]; ok {
		return file, nil
	}

	path := filepath.Join(f.dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.WrapTransient(err, "FileSink", "open", "open "+path)
	}
	f.files[name] = file
	f.logger.Debug("Opened traffic log", "path", path)
	return file, nil
}

// Close implements Sink.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for name, file := range f.files {
		if err := file.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "FileSink", "Close", "close "+name))
		}
	}
	f.files = make(map[string]*os.File)
	return errors.Join(errs...)
}

// sanitizeFilename keeps a uid usable as a file name.
func sanitizeFilename(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
	s = strings.TrimLeft(s, ".")
	if s == "" {
		return "unknown"
	}
	return s
}

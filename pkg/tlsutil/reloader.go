package tlsutil

import (
	"context"
	"crypto/tls"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/c360/cotrelay/errors"
)

// CertReloader serves a certificate/key pair that is re-read whenever either
// file changes. A pair that fails to load leaves the previous certificate in
// place, so a renewal tool writing cert and key in two steps never takes the
// listener down.
type CertReloader struct {
	certFile string
	keyFile  string
	logger   *slog.Logger

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher   *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewCertReloader loads the initial pair. The error is fatal: a listener
// without a certificate cannot start.
func NewCertReloader(certFile, keyFile string, logger *slog.Logger) (*CertReloader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &CertReloader{
		certFile: filepath.Clean(certFile),
		keyFile:  filepath.Clean(keyFile),
		logger:   logger.With("component", "tls-reloader"),
		done:     make(chan struct{}),
	}
	if err := r.Reload(); err != nil {
		return nil, errors.WrapFatal(err, "CertReloader", "NewCertReloader", "load initial certificate")
	}
	return r, nil
}

// Reload re-reads the pair from disk.
func (r *CertReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certFile, r.keyFile)
	if err != nil {
		return errors.WrapInvalid(err, "CertReloader", "Reload", "load certificate pair")
	}

	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

// GetCertificate implements tls.Config.GetCertificate.
func (r *CertReloader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cert, nil
}

// Watch starts a goroutine that reloads the pair on file changes until ctx
// is cancelled or Close is called. The parent directories are watched so
// that atomic rename-into-place updates are seen.
func (r *CertReloader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.WrapTransient(err, "CertReloader", "Watch", "create watcher")
	}

	dirs := map[string]struct{}{
		filepath.Dir(r.certFile): {},
		filepath.Dir(r.keyFile):  {},
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return errors.WrapTransient(err, "CertReloader", "Watch", "watch "+dir)
		}
	}
	r.watcher = w

	r.wg.Add(1)
	go r.loop(ctx, w)
	return nil
}

func (r *CertReloader) loop(ctx context.Context, w *fsnotify.Watcher) {
	defer r.wg.Done()
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !r.relevant(ev) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warn("Certificate reload failed, keeping previous certificate",
					"file", ev.Name, "error", err)
				continue
			}
			r.logger.Info("Certificate reloaded", "file", ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Warn("Certificate watcher error", "error", err)
		case <-ctx.Done():
			return
		case <-r.done:
			return
		}
	}
}

func (r *CertReloader) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == r.certFile || name == r.keyFile
}

// Close stops the watcher. Safe to call more than once.
func (r *CertReloader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		if r.watcher != nil {
			err = r.watcher.Close()
		}
	})
	return err
}

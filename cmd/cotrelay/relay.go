package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/cotrelay/admin"
	"github.com/c360/cotrelay/config"
	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/health"
	"github.com/c360/cotrelay/metric"
	"github.com/c360/cotrelay/natsclient"
	"github.com/c360/cotrelay/pkg/retry"
	"github.com/c360/cotrelay/pkg/tlsutil"
	"github.com/c360/cotrelay/presence"
	"github.com/c360/cotrelay/router"
	"github.com/c360/cotrelay/server"
	"github.com/c360/cotrelay/trafficlog"
)

// relay owns every long-lived component of the serve command.
type relay struct {
	cfg       *config.Config
	logger    *slog.Logger
	serverCfg server.Config
	adminAddr string

	registry   *metric.MetricsRegistry
	store      presence.Store
	nats       *natsclient.Client
	hub        *admin.Hub
	recorder   *trafficlog.Recorder
	router     *router.Router
	server     *server.Server
	admin      *admin.Server
	tlsCleanup func()

	closeOnce sync.Once
	closeErr  error
}

func newRelay(cfg *config.Config, logger *slog.Logger) *relay {
	return &relay{
		cfg:       cfg,
		logger:    logger,
		serverCfg: cfg.ServerConfig(),
		adminAddr: cfg.AdminAddr(),
	}
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger, shutdownTimeout time.Duration) (err error) {
	defer recoverToCrashLog(cfg.CrashLogPath(), logger, &err)

	r := newRelay(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := r.close(closeCtx); cerr != nil {
			logger.Warn("Shutdown incomplete", "error", cerr)
		}
	}()

	if err := r.open(ctx); err != nil {
		return err
	}
	if err := r.run(ctx, shutdownTimeout); err != nil {
		return err
	}
	logger.Info("cotrelay shutdown complete")
	return nil
}

// open builds the components in dependency order. On error the caller
// still calls close.
func (r *relay) open(ctx context.Context) error {
	if err := os.MkdirAll(r.cfg.RootDir, 0o755); err != nil {
		return errors.WrapFatal(err, "relay", "open", "create root_dir")
	}

	r.registry = metric.NewMetricsRegistry()

	store, err := presence.New(ctx, r.cfg.PresenceConfig(), presence.Deps{
		Logger:          r.logger,
		MetricsRegistry: r.registry,
	})
	if err != nil {
		return fmt.Errorf("create presence store: %w", err)
	}
	r.store = store

	sinks, err := r.openSinks()
	if err != nil {
		return err
	}

	// Leave the router's recorder a nil interface when nothing consumes it.
	var rec router.TrafficRecorder
	if len(sinks) > 0 {
		r.recorder, err = trafficlog.New(r.cfg.TrafficLogConfig(), sinks, trafficlog.Deps{
			Logger:          r.logger,
			MetricsRegistry: r.registry,
		})
		if err != nil {
			return fmt.Errorf("create traffic recorder: %w", err)
		}
		rec = r.recorder
	}

	r.router, err = router.New(store, router.Deps{
		Logger:          r.logger,
		MetricsRegistry: r.registry,
		Recorder:        rec,
	})
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	tlsCfg, cleanup, err := tlsutil.LoadServerTLSConfigWithReload(ctx, r.cfg.ServerTLS(), r.logger)
	if err != nil {
		return fmt.Errorf("load TLS config: %w", err)
	}
	r.tlsCleanup = cleanup
	r.serverCfg.TLS = tlsCfg

	r.server, err = server.New(r.serverCfg, r.router, server.Deps{
		Logger:          r.logger,
		MetricsRegistry: r.registry,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	if r.adminAddr != "" {
		checkers := []health.Checker{admin.StoreChecker(store)}
		if r.nats != nil {
			checkers = append(checkers, admin.NATSChecker(r.nats))
		}
		r.admin, err = admin.New(r.adminAddr, admin.Deps{
			Logger:          r.logger,
			MetricsRegistry: r.registry,
			Router:          r.router,
			Hub:             r.hub,
			Checkers:        checkers,
			NodeID:          r.cfg.NodeID,
		})
		if err != nil {
			return fmt.Errorf("create admin server: %w", err)
		}
	}
	return nil
}

func (r *relay) openSinks() ([]trafficlog.Sink, error) {
	var sinks []trafficlog.Sink

	if dir := r.cfg.CotServer.LogCot; dir != "" {
		fs, err := trafficlog.NewFileSink(dir, r.logger)
		if err != nil {
			return nil, fmt.Errorf("create traffic file sink: %w", err)
		}
		sinks = append(sinks, fs)
		r.logger.Info("Logging CoT traffic to files", "dir", dir)
	}

	if url := r.cfg.NATS.URL; url != "" {
		opts := append(r.cfg.NATSOptions(),
			natsclient.WithLogger(r.logger),
			natsclient.WithMetrics(r.registry),
			natsclient.WithName(appName+"-"+r.cfg.NodeID),
		)
		nc, err := natsclient.NewClient(url, opts...)
		if err != nil {
			return nil, fmt.Errorf("create NATS client: %w", err)
		}
		r.nats = nc

		ns, err := trafficlog.NewNATSSink(nc, r.cfg.NATS.Subject, r.cfg.NodeID)
		if err != nil {
			return nil, fmt.Errorf("create NATS sink: %w", err)
		}
		sinks = append(sinks, ns)
		r.logger.Info("Mirroring CoT traffic to NATS", "url", url, "subject", ns.Subject())
	}

	if r.adminAddr != "" {
		hub, err := admin.NewHub(admin.DefaultSendTimeout, r.logger, r.registry)
		if err != nil {
			return nil, fmt.Errorf("create websocket hub: %w", err)
		}
		r.hub = hub
		sinks = append(sinks, hub)
	}
	return sinks, nil
}

// run starts everything and blocks until ctx is cancelled or a component
// fails.
func (r *relay) run(ctx context.Context, stopTimeout time.Duration) error {
	if r.admin != nil {
		if err := r.admin.Start(ctx); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if r.recorder != nil {
		r.recorder.Start(gctx)
	}

	if r.nats != nil {
		g.Go(func() error {
			r.connectNATS(gctx)
			return nil
		})
	}

	if r.admin != nil {
		g.Go(func() error {
			<-gctx.Done()
			return r.admin.Stop(stopTimeout)
		})
	}

	g.Go(func() error {
		return r.server.Run(gctx, stopTimeout)
	})

	return g.Wait()
}

// connectNATS keeps trying in the background; routing never waits on it.
func (r *relay) connectNATS(ctx context.Context) {
	err := retry.Do(ctx, retry.Persistent(), func() error {
		return r.nats.Connect(ctx)
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Error("NATS traffic mirror unavailable", "url", r.nats.URL(), "error", err)
	}
}

// close tears down in reverse order. The recorder flushes and closes its
// sinks, including the websocket hub, before the NATS connection goes.
func (r *relay) close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		var errs []error
		if r.recorder != nil {
			errs = append(errs, r.recorder.Close(ctx))
		}
		if r.nats != nil {
			errs = append(errs, r.nats.Close(ctx))
		}
		if r.tlsCleanup != nil {
			r.tlsCleanup()
		}
		if r.store != nil {
			errs = append(errs, r.store.Close())
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

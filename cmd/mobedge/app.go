package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vyrodovalexey/mobedge/internal/admission"
	"github.com/vyrodovalexey/mobedge/internal/cache"
	"github.com/vyrodovalexey/mobedge/internal/config"
	"github.com/vyrodovalexey/mobedge/internal/gateway"
	"github.com/vyrodovalexey/mobedge/internal/observability"
	"github.com/vyrodovalexey/mobedge/internal/upstream"
)

// shutdownTimeout bounds the drain of in-flight requests on exit.
const shutdownTimeout = 30 * time.Second

// app wires the edge proxy components together and owns their
// lifecycles.
type app struct {
	cfg     *config.Config
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	cache   cache.Cache
	ctrl    *admission.Controller
	gateway *gateway.Gateway
	watcher *config.Watcher
}

// newApp builds the full component graph from configuration. configPath
// may be empty, in which case hot reload is disabled.
func newApp(cfg *config.Config, configPath string, logger observability.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
	}

	a.metrics = observability.NewMetrics(cfg.Observability.Metrics.Namespace)

	tracer, err := observability.NewTracer(cfg.Observability.Tracing)
	if err != nil {
		return nil, err
	}
	a.tracer = tracer

	backend, err := cache.New(&cfg.Cache, logger, a.metrics)
	if err != nil {
		a.close()
		return nil, err
	}
	a.cache = backend

	a.ctrl = admission.NewController(cfg.RateLimit, cfg.ConnectionLimit,
		admission.WithLogger(logger))

	proxy := upstream.NewProxy(cfg, a.metrics, logger)

	a.gateway = gateway.New(cfg, a.ctrl, a.cache, proxy, proxy.BreakerState,
		a.tracer, a.metrics, logger)

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath, a.applyRuntimeConfig,
			observability.Zap(logger))
		if err != nil {
			// Hot reload is a convenience; a broken watcher should not
			// keep the proxy from serving.
			logger.Warn("config hot reload unavailable",
				observability.String("path", configPath),
				observability.Error(err),
			)
		} else {
			a.watcher = watcher
		}
	}

	return a, nil
}

// applyRuntimeConfig picks up the runtime-safe settings from a freshly
// loaded configuration. Listener, upstream and cache topology changes
// require a restart.
func (a *app) applyRuntimeConfig(cfg *config.Config) {
	a.ctrl.UpdateLimits(cfg.RateLimit, cfg.ConnectionLimit)
	a.logger.Info("admission limits updated",
		observability.Bool("rate_enabled", cfg.RateLimit.Enabled),
		observability.Int("requests_per_second", cfg.RateLimit.RequestsPerSecond),
		observability.Int("burst", cfg.RateLimit.Burst),
		observability.Bool("conn_enabled", cfg.ConnectionLimit.Enabled),
		observability.Int("max_per_client", cfg.ConnectionLimit.MaxPerClient),
	)
}

// run starts the server and blocks until a termination signal arrives,
// then drains and shuts everything down.
func (a *app) run() error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.gateway.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		a.close()
		return err
	case sig := <-sigCh:
		a.logger.Info("received signal, shutting down",
			observability.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := a.gateway.Shutdown(ctx)
	a.close()
	return err
}

// close releases component resources in reverse construction order.
func (a *app) close() {
	if a.watcher != nil {
		_ = a.watcher.Close()
	}
	if a.ctrl != nil {
		_ = a.ctrl.Close()
	}
	if a.cache != nil {
		_ = a.cache.Close()
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.tracer.Shutdown(ctx)
		cancel()
	}
	_ = a.logger.Sync()
}

// Package gateway assembles the middleware pipeline and runs the HTTP
// server.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/vyrodovalexey/mobedge/internal/admission"
	"github.com/vyrodovalexey/mobedge/internal/cache"
	"github.com/vyrodovalexey/mobedge/internal/config"
	"github.com/vyrodovalexey/mobedge/internal/filter"
	"github.com/vyrodovalexey/mobedge/internal/health"
	"github.com/vyrodovalexey/mobedge/internal/middleware"
	"github.com/vyrodovalexey/mobedge/internal/observability"
)

// Gateway owns the HTTP server and the assembled handler chain.
type Gateway struct {
	cfg     *config.Config
	server  *http.Server
	handler http.Handler
	logger  observability.Logger
}

// New assembles the full pipeline around the given components. The
// proxy handler is usually *upstream.Proxy; tests substitute their own.
func New(
	cfg *config.Config,
	ctrl *admission.Controller,
	backend cache.Cache,
	proxy http.Handler,
	upstreamState health.StateFunc,
	tracer *observability.Tracer,
	metrics *observability.Metrics,
	logger observability.Logger,
) *Gateway {
	g := &Gateway{
		cfg:    cfg,
		logger: logger,
	}

	// The API pipeline behind the routing decision, outermost first.
	// Cache sits inside admission and filtering so denied requests
	// never touch stored responses, but outside the proxy so hits skip
	// the upstream entirely.
	pipelineMWs := []func(http.Handler) http.Handler{
		admission.Middleware(ctrl, cfg.RateLimit.Sensitive.Paths, metrics, logger),
		filter.Middleware(filter.NewPolicy(cfg.Filter.GetDeniedPatterns()),
			cfg.Limits.MaxBodyBytes, metrics, logger),
	}
	if cfg.Cache.Enabled {
		cm := cache.NewMiddleware(backend, &cfg.Cache, metrics, logger)
		pipelineMWs = append(pipelineMWs, cm.Handler)
	}
	pipeline := chain(proxy, pipelineMWs...)

	router := g.route(pipeline, upstreamState, metrics)

	decorator := middleware.NewDecorator(cfg.Security, cfg.CORS)

	// Outermost first. Recovery wraps everything; decoration sits
	// outside routing so every branch, denials included, is decorated.
	outer := []func(http.Handler) http.Handler{
		middleware.Recovery(logger),
		middleware.RequestID(),
		middleware.ClientIP(middleware.NewClientIPExtractor(cfg.TrustedProxies)),
	}
	if tracer != nil {
		outer = append(outer, observability.TracingMiddleware(tracer))
	}
	outer = append(outer,
		decorator.Handler(),
		middleware.Logging(logger),
		middleware.Metrics(metrics),
	)

	g.handler = chain(router, outer...)

	g.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           g.handler,
		ReadHeaderTimeout: cfg.Limits.HeaderTimeout.Duration(),
		ReadTimeout:       cfg.Limits.ReadTimeout.Duration(),
		WriteTimeout:      cfg.Limits.WriteTimeout.Duration(),
		IdleTimeout:       cfg.Limits.IdleTimeout.Duration(),
	}

	return g
}

// route dispatches between the operational endpoints, the proxied API
// surface and the fixed deny for everything else.
func (g *Gateway) route(
	pipeline http.Handler,
	upstreamState health.StateFunc,
	metrics *observability.Metrics,
) http.Handler {
	healthHandler := health.NewHandler(upstreamState, g.logger)

	metricsPath := ""
	var metricsHandler http.Handler
	if g.cfg.Observability.Metrics.Enabled {
		metricsPath = g.cfg.Observability.Metrics.Path
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		metricsHandler = metrics.Handler()
	}

	prefix := g.cfg.API.Prefix

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/health":
			healthHandler.ServeHTTP(w, r)
		case metricsHandler != nil && r.URL.Path == metricsPath:
			metricsHandler.ServeHTTP(w, r)
		case strings.HasPrefix(r.URL.Path, prefix):
			pipeline.ServeHTTP(w, r)
		default:
			w.Header().Set(middleware.HeaderContentType, middleware.ContentTypeJSON)
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, middleware.ErrNotFound)
		}
	})
}

// chain wraps h in the given middlewares, first listed outermost.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Handler returns the assembled handler chain.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Start runs the HTTP server until it is shut down.
func (g *Gateway) Start() error {
	g.logger.Info("edge proxy listening",
		observability.String("addr", g.cfg.Listen),
		observability.String("api_prefix", g.cfg.API.Prefix),
		observability.String("upstream", g.cfg.Upstream.Address()),
	)

	if err := g.server.ListenAndServe(); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down edge proxy")
	return g.server.Shutdown(ctx)
}

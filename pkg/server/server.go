// Package server assembles the configured endpoints into a running HTTP
// server: it builds the node type registry, compiles every declared pipeline,
// binds routes and serves them through the dispatcher alongside the
// operational endpoints (/healthz, /metrics).
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/freeflowlabs/flowapi/pkg/config"
	"github.com/freeflowlabs/flowapi/pkg/engine"
	"github.com/freeflowlabs/flowapi/pkg/telemetry"
)

// Server owns the dispatcher and the http.Server wrapping it. Reload swaps in
// a freshly compiled route table without interrupting in-flight requests.
type Server struct {
	dispatcher *engine.Dispatcher
	metrics    *telemetry.DispatchMetrics
	logger     *slog.Logger
	httpServer *http.Server
	ssl        config.SSLConfig
	addr       string
}

// New compiles every pipeline in cfg and returns a server ready to Start.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	table, err := buildTable(cfg, logger)
	if err != nil {
		return nil, err
	}

	metrics := telemetry.NewDispatchMetrics()
	dispatcher := engine.NewDispatcher(engine.DispatcherConfig{
		Table:   table,
		Logger:  logger,
		Metrics: metrics,
	})

	s := &Server{
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
		ssl:        cfg.SSL,
		addr:       cfg.ListenAddr(),
	}
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

// buildTable runs the full compile path: registry (builtins plus requested
// extensions), one compiled pipeline per endpoint, then route binding.
func buildTable(cfg *config.Config, logger *slog.Logger) (*engine.RouteTable, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	registry, err := engine.BuildRegistry(cfg.Ext, logger)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}

	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, fmt.Errorf("resolve endpoints: %w", err)
	}

	compiled := make(map[string]*engine.CompiledPipeline, len(endpoints))
	for _, ep := range endpoints {
		pipeline, err := engine.Compile(ep.Pipeline, registry)
		if err != nil {
			return nil, fmt.Errorf("compile pipeline %q: %w", ep.Pipeline.Name, err)
		}
		compiled[ep.Pipeline.Name] = pipeline
		logger.Info("pipeline compiled",
			"pipeline", ep.Pipeline.Name,
			"nodes", len(pipeline.Nodes),
			"route", engine.ExternalRoute(ep.Version, ep.Route))
	}

	table, err := engine.BuildRouteTable(endpoints, compiled)
	if err != nil {
		return nil, fmt.Errorf("bind routes: %w", err)
	}
	return table, nil
}

// Handler returns the root handler: operational endpoints bypass telemetry,
// everything else goes through the OpenTelemetry-instrumented dispatcher.
func (s *Server) Handler() http.Handler {
	dispatch := otelhttp.NewHandler(s.dispatcher, "flowapi.dispatch")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		case "/metrics":
			s.metrics.Handler().ServeHTTP(w, r)
		default:
			dispatch.ServeHTTP(w, r)
		}
	})
}

// Start binds the listener and serves until Shutdown. It returns once the
// listener is bound; serve errors are reported on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", s.addr, err)
	}

	s.logger.Info("server listening", "addr", listener.Addr().String(), "tls", s.ssl.Enabled)

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if s.ssl.Enabled {
			serveErr = s.httpServer.ServeTLS(listener, s.ssl.Cert, s.ssl.Key)
		} else {
			serveErr = s.httpServer.Serve(listener)
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
		close(errCh)
	}()
	return errCh, nil
}

// Reload recompiles cfg and atomically swaps the route table. In-flight
// requests keep the table they resolved against; a compile failure leaves the
// current table untouched.
func (s *Server) Reload(cfg *config.Config) error {
	table, err := buildTable(cfg, s.logger)
	if err != nil {
		return err
	}
	s.dispatcher.Swap(table)
	s.logger.Info("route table reloaded", "routes", table.Len())
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

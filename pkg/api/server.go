package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/InetIntel/dynamic-telescope/pkg/config"
	"github.com/InetIntel/dynamic-telescope/pkg/controller"
	"github.com/InetIntel/dynamic-telescope/pkg/logging"
)

// Config configures the API server.
type Config struct {
	Addr       string
	Auth       *AuthConfig // nil = no authentication
	Controller *controller.Controller
	EventBuf   *logging.EventBuffer
	Config     *config.Config
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	ctrl       *controller.Controller
	eventBuf   *logging.EventBuffer
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		ctrl:      cfg.Controller,
		eventBuf:  cfg.EventBuf,
		cfg:       cfg.Config,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// REST API v1
	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/inactive", s.inactiveHandler)
	mux.HandleFunc("GET /api/v1/addresses/{addr}", s.addressHandler)
	mux.HandleFunc("GET /api/v1/blocks", s.blocksHandler)
	mux.HandleFunc("GET /api/v1/rates", s.ratesHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/config", s.configHandler)

	// SSE streaming
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil && len(cfg.Auth.APIKeys) > 0 {
		handler = authMiddleware(*cfg.Auth, mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

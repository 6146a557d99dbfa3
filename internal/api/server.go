// Package api provides the HTTP interface of radon-monitor: the collector
// ingest endpoint and the JSON API used by the web dashboard.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"procodus.dev/radon-monitor/internal/account"
	"procodus.dev/radon-monitor/internal/auth"
	"procodus.dev/radon-monitor/internal/sensor"
	"procodus.dev/radon-monitor/pkg/logger"
	"procodus.dev/radon-monitor/pkg/metrics"
)

// Server is the HTTP API server.
type Server struct {
	logger     *slog.Logger
	httpServer *http.Server
	handler    http.Handler
	ingester   sensor.Ingester
	accounts   *account.Service
	tokens     *auth.TokenIssuer
	metrics    *metrics.APIMetrics    // Optional metrics
	ingestM    *metrics.IngestMetrics // Optional metrics
	config     *ServerConfig
}

// ServerConfig holds the configuration for the Server.
type ServerConfig struct {
	Logger   *slog.Logger
	Ingester sensor.Ingester
	Accounts *account.Service
	Tokens   *auth.TokenIssuer

	// CollectorAPIKey authenticates POST /api/readings/ingest/.
	CollectorAPIKey string

	// AllowedOrigins lists the CORS origins of the web dashboard.
	AllowedOrigins []string

	Metrics       *metrics.APIMetrics
	IngestMetrics *metrics.IngestMetrics

	// HTTP server configuration
	HTTPPort int
}

// NewServer creates a new Server instance.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}

	if cfg.Accounts == nil {
		return nil, errors.New("account service cannot be nil")
	}

	if cfg.Tokens == nil {
		return nil, errors.New("token issuer cannot be nil")
	}

	if cfg.CollectorAPIKey == "" {
		return nil, errors.New("collector API key cannot be empty")
	}

	if cfg.HTTPPort <= 0 {
		return nil, errors.New("HTTP port must be positive")
	}

	s := &Server{
		logger:   logger.Component(cfg.Logger, "api"),
		ingester: cfg.Ingester,
		accounts: cfg.Accounts,
		tokens:   cfg.Tokens,
		metrics:  cfg.Metrics,
		ingestM:  cfg.IngestMetrics,
		config:   cfg,
	}
	s.handler = s.setupRoutes()

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts listening in the background. The returned channel receives
// at most one error and is closed when the server stops.
func (s *Server) Start() <-chan error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "address", s.httpServer.Addr)

	httpErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("HTTP server error: %w", err)
		}
		close(httpErr)
	}()

	return httpErr
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("stopping HTTP server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

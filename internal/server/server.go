// Package server provides the HTTP server setup for the topology API.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/config"
	"github.com/helicondb/helicon/internal/handler"
	"github.com/helicondb/helicon/internal/health"
	"github.com/helicondb/helicon/internal/metrics"
	"github.com/helicondb/helicon/internal/middleware"
)

// Server represents the topology HTTP server.
type Server struct {
	config     *config.Config
	router     *mux.Router
	httpServer *http.Server
	handlers   *handler.Handlers
	checker    *health.HealthChecker
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// NewServer creates a new HTTP server instance.
func NewServer(
	cfg *config.Config,
	handlers *handler.Handlers,
	checker *health.HealthChecker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	s := &Server{
		config:   cfg,
		router:   mux.NewRouter(),
		handlers: handlers,
		checker:  checker,
		metrics:  m,
		logger:   logger,
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes and middleware.
func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Instrument(s.metrics))

	// Health check endpoints (no rate limiting).
	s.router.HandleFunc("/health", s.checker.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.checker.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	// Node-ops protocol endpoint, called by coordinators. Not rate
	// limited: throttling heartbeats would trip peer watchdogs.
	v1.HandleFunc("/node-ops", s.handlers.NodeOps).Methods(http.MethodPost)

	// Admin topology operations.
	admin := v1.PathPrefix("/topology").Subrouter()
	if s.config.RateLimiter.Enabled {
		rl := middleware.NewRateLimiter(s.config.RateLimiter.RequestsPerSecond, s.config.RateLimiter.BurstSize, s.logger)
		admin.Use(rl.Limit)
	}
	admin.HandleFunc("/decommission", s.handlers.Decommission).Methods(http.MethodPost)
	admin.HandleFunc("/removenode", s.handlers.RemoveNode).Methods(http.MethodPost)
	admin.HandleFunc("/rebuild", s.handlers.Rebuild).Methods(http.MethodPost)
	admin.HandleFunc("/drain", s.handlers.Drain).Methods(http.MethodPost)
	admin.HandleFunc("/ring", s.handlers.Ring).Methods(http.MethodGet)
	admin.HandleFunc("/ownership", s.handlers.Ownership).Methods(http.MethodGet)
	admin.HandleFunc("/mode", s.handlers.Mode).Methods(http.MethodGet)

	// A 404/405 tells callers the verb is unknown on this build, which
	// peers treat differently from a command failure.
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"ok":false,"error":"endpoint not found"}`))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		w.Write([]byte(`{"ok":false,"error":"method not allowed"}`))
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("Starting topology HTTP server",
		zap.String("addr", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// StartAsync starts the HTTP server in a goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Fatal("Server failed", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Router exposes the configured router, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

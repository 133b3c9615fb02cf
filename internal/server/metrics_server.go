package server

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/helicondb/helicon/internal/config"
)

// MetricsServer serves Prometheus metrics on a dedicated port.
type MetricsServer struct {
	httpServer *http.Server
	logger     *zap.Logger
	stopChan   chan struct{}
}

// NewMetricsServer creates a new metrics server backed by the given
// registry.
func NewMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry, logger *zap.Logger) *MetricsServer {
	serveMux := http.NewServeMux()

	ms := &MetricsServer{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      serveMux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	serveMux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	return ms
}

// Start starts the metrics server.
func (s *MetricsServer) Start() error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))

	go s.logRuntimeStats()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	s.logger.Info("Stopping metrics server")

	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

// logRuntimeStats periodically logs process-level stats. Go runtime
// metrics themselves come from the registry's GoCollector.
func (s *MetricsServer) logRuntimeStats() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			s.logger.Debug("runtime stats",
				zap.Uint64("heap_alloc_bytes", memStats.HeapAlloc),
				zap.Int("goroutines", runtime.NumGoroutine()))
		case <-s.stopChan:
			return
		}
	}
}

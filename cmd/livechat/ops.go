package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/live-gateway/internal/observability"
)

// opsServer serves health, readiness, and metrics next to the main work
type opsServer struct {
	server *http.Server
	logger zerolog.Logger
}

// newOpsMux registers the health endpoints plus any extra routes
func newOpsMux(checks map[string]observability.HealthCheckFunc, routes map[string]http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", observability.HealthCheckHandler(version))
	mux.HandleFunc("/ready", observability.ReadinessHandler(version, checks))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	for pattern, h := range routes {
		mux.Handle(pattern, h)
	}
	return mux
}

func startOpsServer(addr string, mux *http.ServeMux, logger zerolog.Logger) *opsServer {
	s := &opsServer{
		server: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 15 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		logger: logger,
	}

	go func() {
		logger.Info().Str("addr", addr).Bool("metrics_enabled", cfg.MetricsEnabled).Msg("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return s
}

func (s *opsServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server forced to shutdown")
	}
}

func metricsAddr() string {
	return fmt.Sprintf(":%s", cfg.MetricsPort)
}

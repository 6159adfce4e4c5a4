package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moolen/lochness/internal/logging"
)

// Server exposes the Prometheus registry over HTTP on /metrics.
// It implements lifecycle.Component.
type Server struct {
	port     int
	registry *prometheus.Registry
	server   *http.Server
	logger   *logging.Logger
}

// NewServer creates a metrics server for the given registry.
func NewServer(port int, registry *prometheus.Registry) *Server {
	return &Server{
		port:     port,
		registry: registry,
		logger:   logging.GetLogger("metrics"),
	}
}

// Start begins serving /metrics in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("Metrics server listening on :%d", s.port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the metrics server, allowing in-flight scrapes to finish
// within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Name implements lifecycle.Component.
func (s *Server) Name() string {
	return "Metrics Server"
}

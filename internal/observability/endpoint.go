package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tphakala/audiomixer/internal/conf"
	"github.com/tphakala/audiomixer/internal/errors"
	"github.com/tphakala/audiomixer/internal/logging"
	metricspkg "github.com/tphakala/audiomixer/internal/observability/metrics"
)

// Endpoint serves Prometheus metrics over HTTP.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
	logger        *slog.Logger
}

// NewEndpoint creates a new metrics Endpoint.
//
// It returns an error if metrics are not enabled in the settings. The
// function does not create new metrics but serves the provided registry.
func NewEndpoint(settings *conf.MetricsSettings, metrics *Metrics) (*Endpoint, error) {
	if !settings.Enabled {
		return nil, errors.Newf("metrics endpoint not enabled in settings").
			Component("observability").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if metrics == nil {
		return nil, errors.Newf("metrics instance is nil").
			Component("observability").
			Category(errors.CategoryValidation).
			Build()
	}

	logger := logging.ForService("observability")
	if logger == nil {
		logger = slog.Default()
	}

	return &Endpoint{
		listenAddress: settings.Listen,
		metrics:       metrics,
		logger:        logger.With("component", "endpoint"),
	}, nil
}

// Start binds the listener and serves until ctx is cancelled, then shuts the
// server down within metrics.ShutdownTimeout. The returned channel yields the
// serve error, if any, and is closed once the server has stopped.
func (e *Endpoint) Start(ctx context.Context) (<-chan error, error) {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	listener, err := net.Listen("tcp", e.listenAddress)
	if err != nil {
		return nil, errors.New(err).
			Component("observability").
			Category(errors.CategoryNetwork).
			Context("address", e.listenAddress).
			Build()
	}

	e.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		defer close(done)
		e.logger.Info("metrics endpoint starting", "address", listener.Addr().String())
		if err := e.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			e.logger.Error("metrics HTTP server error", "error", err)
			done <- err
		}
	}()

	go e.gracefulShutdown(ctx)

	return done, nil
}

// gracefulShutdown waits for ctx and shuts down the server gracefully.
func (e *Endpoint) gracefulShutdown(ctx context.Context) {
	<-ctx.Done()
	e.logger.Info("stopping metrics endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricspkg.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(shutdownCtx); err != nil {
		e.logger.Error("metrics endpoint shutdown error", "error", err)
	}
}

// GetMetrics returns the Metrics instance associated with this Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}

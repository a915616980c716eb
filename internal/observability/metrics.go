// Package observability owns the Prometheus registry shared by the mixer components.
package observability

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fbasar/kms-core/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry *prometheus.Registry
	MixerBin *metrics.MixerBinMetrics
}

// NewMetrics creates a registry and initializes all metric collectors.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	mixerBinMetrics, err := metrics.NewMixerBinMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create mixer bin metrics: %w", err)
	}

	return &Metrics{
		registry: registry,
		MixerBin: mixerBinMetrics,
	}, nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

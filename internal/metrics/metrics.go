// Package metrics exposes Prometheus instrumentation for the sandbox. A
// private registry keeps the scrape surface to exactly what is declared here.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	ValidationFailures *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_executions_total",
			Help: "Executions by provider and outcome.",
		}, []string{"provider", "status"}),
		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sandbox_execution_duration_seconds",
			Help:    "Wall-clock execution time as reported by the backend.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"provider"}),
		ValidationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sandbox_validation_failures_total",
			Help: "Rejected submissions by reason.",
		}, []string{"reason"}),
	}
}

// ObserveExecution records one finished run.
func (m *Metrics) ObserveExecution(provider string, success bool, duration float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.ExecutionsTotal.WithLabelValues(provider, status).Inc()
	m.ExecutionDuration.WithLabelValues(provider).Observe(duration)
}

// Handler serves the scrape endpoint for this registry only.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

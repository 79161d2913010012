package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/shipper/deploy"
)

// Metrics wraps the Prometheus instruments exposed by the service.
type Metrics struct {
	registry *prometheus.Registry

	DeploymentsTotal   *prometheus.CounterVec
	DeploymentDuration prometheus.Histogram
	RollbacksTotal     prometheus.Counter
	FetchRetriesTotal  prometheus.Counter
}

// NewMetrics creates and registers the service metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		DeploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipper",
			Name:      "deployments_total",
			Help:      "Deployments by terminal status.",
		}, []string{"status"}),
		DeploymentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shipper",
			Name:      "deployment_duration_seconds",
			Help:      "End-to-end deployment duration.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		RollbacksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shipper",
			Name:      "rollbacks_total",
			Help:      "Deployments that ended in a rollback.",
		}),
		FetchRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shipper",
			Name:      "fetch_retries_total",
			Help:      "Artifact download attempts retried after a transient failure.",
		}),
	}

	registry.MustRegister(m.DeploymentsTotal, m.DeploymentDuration, m.RollbacksTotal, m.FetchRetriesTotal)
	return m
}

// Observe records one terminal deployment result.
func (m *Metrics) Observe(result deploy.Result) {
	m.DeploymentsTotal.WithLabelValues(string(result.Status)).Inc()
	m.DeploymentDuration.Observe(float64(result.DurationMs) / 1000)
	if result.Status == deploy.StatusRolledBack {
		m.RollbacksTotal.Inc()
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

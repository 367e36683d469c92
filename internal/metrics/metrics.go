// Package metrics exposes the Prometheus instrumentation for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector on a private registry so tests can run
// side by side without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	PhaseDuration   *prometheus.HistogramVec
	ValidationScore prometheus.Histogram
	PromptSource    *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	QueueDepth      prometheus.Gauge
	InFlight        prometheus.Gauge
	PatternCount    *prometheus.GaugeVec
	EnrichmentCache *prometheus.CounterVec
}

// New creates the collector set.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finsight",
			Name:      "requests_total",
			Help:      "Pipeline requests by terminal outcome.",
		}, []string{"outcome"}),
		PhaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "finsight",
			Name:      "phase_duration_seconds",
			Help:      "Wall time per pipeline phase.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2.5, 10),
		}, []string{"phase"}),
		ValidationScore: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "finsight",
			Name:      "validation_score",
			Help:      "Overall validation scores.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		PromptSource: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finsight",
			Name:      "prompt_source_total",
			Help:      "Generated prompts by source.",
		}, []string{"source"}),
		Rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finsight",
			Name:      "rejections_total",
			Help:      "Requests rejected before completion, by reason.",
		}, []string{"reason"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "finsight",
			Name:      "queue_depth",
			Help:      "Requests waiting for an execution slot.",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "finsight",
			Name:      "in_flight",
			Help:      "Requests currently executing.",
		}),
		PatternCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "finsight",
			Name:      "patterns",
			Help:      "Learning substrate records per collection.",
		}, []string{"collection"}),
		EnrichmentCache: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finsight",
			Name:      "enrichment_cache_total",
			Help:      "Enrichment lookups by cache outcome.",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

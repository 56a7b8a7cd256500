package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for transcription_requests_total.
const (
	OutcomeSubmitted = "submitted"
	OutcomeCached    = "cached"
	OutcomeRejected  = "rejected"
)

// Metrics holds the service's Prometheus collectors. A single instance is
// created at startup and shared; collectors register against their own
// registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal *prometheus.CounterVec
	InProgress    prometheus.Gauge
	Duration      prometheus.Histogram
	QueueDepth    prometheus.Gauge
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
}

// New creates and registers the service collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcription_requests_total",
			Help: "Transcription requests by final outcome.",
		}, []string{"outcome"}),
		InProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transcription_in_progress",
			Help: "Jobs currently being transcribed.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcription_duration_seconds",
			Help:    "Wall-clock transcription time per completed job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Jobs waiting in the work queue.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Submissions answered from the result cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Submissions that required a transcription run.",
		}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.InProgress,
		m.Duration,
		m.QueueDepth,
		m.CacheHits,
		m.CacheMisses,
	)

	// Pre-create outcome series so scrapes see zeros instead of absent series
	for _, outcome := range []string{OutcomeSubmitted, OutcomeCached, OutcomeRejected} {
		m.RequestsTotal.WithLabelValues(outcome)
	}

	return m
}

// Handler returns the scrape endpoint handler for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors exposed on the control
// plane's /metrics route. It implements pipeline.MetricsRecorder.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	pipelineDuration prometheus.Histogram
	activeRateLimits prometheus.GaugeFunc
}

// NewMetrics registers the collectors on reg. activeLimits is polled
// lazily by the gauge on every scrape.
func NewMetrics(reg prometheus.Registerer, activeLimits func() int) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devproxy_requests_total",
			Help: "Total requests handled by the pipeline, by outcome.",
		}, []string{"outcome"}),
		pipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "devproxy_pipeline_duration_seconds",
			Help:    "Time spent in the pipeline per request, including suspensions.",
			Buckets: prometheus.DefBuckets,
		}),
		activeRateLimits: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "devproxy_active_rate_limits",
			Help: "Distinct rate-limit rule ids with at least one live bucket.",
		}, func() float64 { return float64(activeLimits()) }),
	}
}

// ObserveRequest implements pipeline.MetricsRecorder.
func (m *Metrics) ObserveRequest(outcome string, durationMS int64) {
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.pipelineDuration.Observe(float64(durationMS) / 1000.0)
}

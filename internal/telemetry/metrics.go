// Package telemetry provides observability primitives for the Heimdall gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveRequests    prometheus.Gauge
	QueueDepth        prometheus.Gauge
	UpstreamLatency   prometheus.Histogram
	TokensTotal       *prometheus.CounterVec
	RateLimitExceeded prometheus.Counter
	QueueRejected     prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "requests_total",
			Help:      "Total number of data-plane requests.",
		}, []string{"endpoint", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "heimdall",
			Name:                            "request_duration_seconds",
			Help:                            "Request duration in seconds, admission to final byte.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"endpoint"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heimdall",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heimdall",
			Name:      "queue_depth",
			Help:      "Number of admitted requests waiting for dispatch.",
		}),

		UpstreamLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "heimdall",
			Name:                            "upstream_latency_seconds",
			Help:                            "Upstream call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "tokens_total",
			Help:      "Total tokens accounted per API key.",
		}, []string{"key_id"}),

		RateLimitExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "ratelimit_exceeded_total",
			Help:      "Total requests rejected by the rate limiter.",
		}),

		QueueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "heimdall",
			Name:      "queue_rejected_total",
			Help:      "Total requests rejected because the queue was full.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.QueueDepth,
		m.UpstreamLatency,
		m.TokensTotal,
		m.RateLimitExceeded,
		m.QueueRejected,
	)

	return m
}

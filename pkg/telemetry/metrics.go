// Package telemetry wires the runtime's observability: Prometheus
// metrics for the dispatcher and pending-request tracker, OpenTelemetry
// spans around the dispatch/middleware chain exported via the stdout
// exporters for local debugging, and structured log lines via log/slog
// alongside each span.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the runtime exposes.
type Metrics struct {
	PendingRequests prometheus.Gauge
	HandlerLatency  *prometheus.HistogramVec
	DispatchErrors  *prometheus.CounterVec
}

// NewMetrics registers Metrics' collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		PendingRequests: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "lsprpc",
				Name:      "pending_requests",
				Help:      "Number of outbound requests awaiting a response.",
			},
		),
		HandlerLatency: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "lsprpc",
				Name:      "handler_latency_seconds",
				Help:      "Time spent inside a registered request handler.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		DispatchErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "lsprpc",
				Name:      "dispatch_errors_total",
				Help:      "Total handler errors and panics recovered by the dispatcher.",
			},
			[]string{"method", "kind"},
		),
	}
}

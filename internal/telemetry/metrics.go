// Package telemetry provides observability primitives for the gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the gateway exports.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	InflightRequests    prometheus.Gauge
	BackendErrorsTotal  *prometheus.CounterVec
	TokensTotal         *prometheus.CounterVec
}

// NewMetrics creates and registers every collector with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests, by path, method, status, and stream.",
		}, []string{"path", "method", "status", "stream"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:                        "gateway_http_request_duration_seconds",
			Help:                        "HTTP request duration in seconds, by path, method, and stream.",
			NativeHistogramBucketFactor: 1.1,
		}, []string{"path", "method", "stream"}),

		InflightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Number of requests currently being handled.",
		}),

		BackendErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_backend_errors_total",
			Help: "Total backend errors, by the pipeline stage that observed them.",
		}, []string{"stage"}),

		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total tokens accounted for, by kind (prompt, completion, or total).",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InflightRequests,
		m.BackendErrorsTotal,
		m.TokensTotal,
	)

	return m
}

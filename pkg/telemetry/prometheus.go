package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DispatchMetrics holds the Prometheus collectors for the request dispatcher.
// Each server owns its own registry so tests can run in parallel without
// collector name collisions.
type DispatchMetrics struct {
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	payloadRejections *prometheus.CounterVec
	pipelineFailures  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewDispatchMetrics creates a metrics instance with all dispatcher metrics
// registered against a fresh registry.
func NewDispatchMetrics() *DispatchMetrics {
	registry := prometheus.NewRegistry()

	m := &DispatchMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowapi_requests_total",
				Help: "Dispatched requests by route, method and status code",
			},
			[]string{"route", "method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flowapi_request_duration_seconds",
				Help:    "End-to-end dispatch latency including the pipeline walk",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		payloadRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowapi_payload_rejections_total",
				Help: "Requests rejected by the payload size admission gate",
			},
			[]string{"route", "reason"},
		),
		pipelineFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowapi_pipeline_failures_total",
				Help: "Pipeline walks aborted by an operator error",
			},
			[]string{"pipeline"},
		),
		registry: registry,
	}

	registry.MustRegister(m.requestsTotal, m.requestDuration, m.payloadRejections, m.pipelineFailures)
	return m
}

// RecordRequest records one completed dispatch.
func (m *DispatchMetrics) RecordRequest(route, method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordPayloadRejection records a size-gate rejection. Reason is "too_small"
// or "too_large".
func (m *DispatchMetrics) RecordPayloadRejection(route, reason string) {
	m.payloadRejections.WithLabelValues(route, reason).Inc()
}

// RecordPipelineFailure records an operator error aborting a walk.
func (m *DispatchMetrics) RecordPipelineFailure(pipeline string) {
	m.pipelineFailures.WithLabelValues(pipeline).Inc()
}

// Handler returns an http.Handler serving this registry in the Prometheus
// exposition format.
func (m *DispatchMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for test assertions.
func (m *DispatchMetrics) Gather() prometheus.Gatherer {
	return m.registry
}

// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// RemoteRequestDuration tracks calls to the remote assistants API.
	RemoteRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remote_request_duration_seconds",
			Help:    "Remote assistants API call duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"operation", "outcome"},
	)

	// RunDuration tracks run submission duration from drain to reply.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "run_duration_seconds",
			Help:    "Run submission duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"mode", "outcome"},
	)

	// RunsTotal tracks runs by mode and terminal outcome.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runs_total",
			Help: "Total runs submitted",
		},
		[]string{"mode", "outcome"},
	)

	// RunCancellationsTotal tracks stale runs cancelled before a new submit.
	RunCancellationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "run_cancellations_total",
			Help: "Stale runs cancelled before creating a new run",
		},
	)

	// StreamDeltasTotal tracks text deltas forwarded to streaming clients.
	StreamDeltasTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_deltas_total",
			Help: "Text deltas forwarded to streaming clients",
		},
	)

	// StreamFramesSkippedTotal tracks stream frames dropped as malformed or unknown.
	StreamFramesSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_frames_skipped_total",
			Help: "Stream frames skipped by the reconciler",
		},
		[]string{"reason"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// MessagesTotal tracks messages persisted locally.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"role"},
	)

	// FilesUploadedTotal tracks file uploads by outcome.
	FilesUploadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "files_uploaded_total",
			Help: "Total file uploads",
		},
		[]string{"outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordRemote records metrics for a remote API call.
func RecordRemote(operation string, err error, duration float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	RemoteRequestDuration.WithLabelValues(operation, outcome).Observe(duration)
}

// RecordRun records metrics for a finished run submission.
func RecordRun(mode, outcome string, duration float64) {
	RunDuration.WithLabelValues(mode, outcome).Observe(duration)
	RunsTotal.WithLabelValues(mode, outcome).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}

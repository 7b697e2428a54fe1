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

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// StreamsActive tracks backend event streams currently being consumed.
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "assistant_streams_active",
			Help: "Number of assistant event streams being consumed",
		},
	)

	// StreamDuration tracks how long a backend event stream stayed open.
	StreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "assistant_stream_duration_seconds",
			Help:    "Assistant event stream duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)

	// FramesTotal tracks decoded protocol frames by event type.
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_frames_total",
			Help: "Decoded assistant stream frames",
		},
		[]string{"type"},
	)

	// FrameErrorsTotal tracks frames that could not be applied.
	FrameErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_frame_errors_total",
			Help: "Assistant stream frames rejected by the decoder or state",
		},
		[]string{"kind"},
	)

	// ApprovalsTotal tracks tool call decisions.
	ApprovalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_approvals_total",
			Help: "Tool call approval decisions",
		},
		[]string{"decision", "outcome"},
	)

	// ConsentIssueDuration tracks consent issuance latency.
	ConsentIssueDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "consent_issue_duration_seconds",
			Help:    "Consent issuance duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"status"},
	)

	// ThreadsActive tracks conversation threads held in memory.
	ThreadsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conversation_threads_active",
			Help: "Conversation threads held in memory",
		},
	)

	// MessagesTotal tracks messages appended to threads.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages appended to threads",
		},
		[]string{"role"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStream records metrics for a finished backend event stream.
func RecordStream(outcome string, duration float64) {
	StreamDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordApproval records a tool call decision and its outcome.
func RecordApproval(decision, outcome string) {
	ApprovalsTotal.WithLabelValues(decision, outcome).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}

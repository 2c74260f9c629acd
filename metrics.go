package acp

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus collectors for the ambient metrics stack (SPEC_FULL.md §10.3),
// grounded on oubliette's internal/metrics/metrics.go: one counter/gauge/
// histogram set per concern, registered at package init via promauto so
// callers never juggle a registry.
var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acp_requests_total",
			Help: "Total number of JSON-RPC requests sent or received",
		},
		[]string{"method", "direction", "outcome"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acp_request_duration_seconds",
			Help:    "Outbound request round-trip latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "acp_active_sessions",
			Help: "Number of sessions currently active",
		},
	)

	sessionUpdateDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acp_session_update_drops_total",
			Help: "Total number of session updates dropped by the bounded history buffer",
		},
		[]string{"session_id"},
	)

	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acp_tool_calls_total",
			Help: "Total number of tool calls reaching a terminal state",
		},
		[]string{"kind", "status"},
	)

	terminalsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "acp_terminals_active",
			Help: "Number of live client-side terminal subprocesses",
		},
	)
)

// MetricsHandler returns the Prometheus scrape handler for /metrics
// (SPEC_FULL.md §10.3).
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// recordRequest records one request's outcome; direction is "outbound" or
// "inbound", outcome is "ok" or "error".
func recordRequest(method, direction, outcome string) {
	requestsTotal.WithLabelValues(method, direction, outcome).Inc()
}

func recordRequestDuration(method string, seconds float64) {
	requestDuration.WithLabelValues(method).Observe(seconds)
}

func recordSessionAdded()   { activeSessions.Inc() }
func recordSessionRemoved() { activeSessions.Dec() }

func recordSessionUpdateDrop(sessionID string) {
	sessionUpdateDrops.WithLabelValues(sessionID).Inc()
}

func recordToolCallTerminal(kind ToolCallKind, status ToolCallStatus) {
	toolCallsTotal.WithLabelValues(string(kind), string(status)).Inc()
}

func recordTerminalCreated()   { terminalsActive.Inc() }
func recordTerminalReleased()  { terminalsActive.Dec() }

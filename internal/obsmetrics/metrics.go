// Package obsmetrics defines the Prometheus metrics Decision Gate
// exposes on its /metrics endpoint: tool-call counts and latencies,
// evidence-provider error counts, and quota denials.
// Metrics are CounterVec/HistogramVec pairs registered with
// prometheus's default registry at init time.
package obsmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ToolCallsTotal counts every tool call the security pipeline
	// decided on, by method name and outcome ("allowed" or the
	// pipeline's own deny reason).
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisiongate_tool_calls_total",
			Help: "Total MCP tool calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	// ToolCallDurationSeconds is a histogram of end-to-end tool call
	// duration (pipeline decision plus handler execution) by method.
	ToolCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decisiongate_tool_call_duration_seconds",
			Help:    "Duration of MCP tool calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// EvidenceProviderErrorsTotal counts evidence queries that failed
	// at the adapter level, by provider id.
	EvidenceProviderErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisiongate_evidence_provider_errors_total",
			Help: "Total evidence queries that failed, by provider id.",
		},
		[]string{"provider"},
	)

	// QuotaDeniedTotal counts calls denied by usage/quota enforcement,
	// by tenant and usage counter.
	QuotaDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decisiongate_quota_denied_total",
			Help: "Total tool calls denied by quota enforcement, by tenant and counter.",
		},
		[]string{"tenant", "counter"},
	)
)

func init() {
	prometheus.MustRegister(
		ToolCallsTotal,
		ToolCallDurationSeconds,
		EvidenceProviderErrorsTotal,
		QuotaDeniedTotal,
	)
}

// RecordToolCall records one tool call's outcome and duration.
func RecordToolCall(method, outcome string, duration time.Duration) {
	ToolCallsTotal.WithLabelValues(method, outcome).Inc()
	ToolCallDurationSeconds.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordProviderError records one evidence provider query failure.
func RecordProviderError(providerID string) {
	EvidenceProviderErrorsTotal.WithLabelValues(providerID).Inc()
}

// RecordQuotaDenied records one quota-exhausted denial.
func RecordQuotaDenied(tenantID, counter string) {
	QuotaDeniedTotal.WithLabelValues(tenantID, counter).Inc()
}

// Package prometheus provides Prometheus collectors for turboclaude providers,
// retries, token usage, the control protocol and agent sessions.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "turboclaude"

var (
	// providerRequestDuration is a histogram of provider API call duration.
	providerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of provider API calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"provider", "endpoint"},
	)

	// providerRequestsTotal is a counter of provider API calls.
	providerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of provider API calls",
		},
		[]string{"provider", "endpoint", "status"}, // status: success or an error kind
	)

	// providerRetriesTotal counts retry attempts.
	providerRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Total number of retried provider calls",
		},
		[]string{"provider", "kind"},
	)

	// providerTokensTotal is a counter of tokens consumed.
	providerTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_tokens_total",
			Help:      "Total tokens consumed by provider calls",
		},
		[]string{"provider", "model", "type"}, // type: input, output, cache_creation, cache_read
	)

	// controlMessagesTotal counts control protocol messages by direction and type.
	controlMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Total control protocol messages",
		},
		[]string{"direction", "type"}, // direction: inbound, outbound
	)

	// controlPendingRequests is the size of the correlation table.
	controlPendingRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_pending_requests",
			Help:      "Number of outbound requests awaiting a response",
		},
	)

	// controlRequestDuration is the latency of correlated control requests.
	controlRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "control_request_duration_seconds",
			Help:      "Duration of correlated control requests in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"type", "status"},
	)

	// sessionsActive is a gauge of connected agent sessions.
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently connected agent sessions",
		},
	)

	// permissionDecisionsTotal counts permission callback outcomes.
	permissionDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_decisions_total",
			Help:      "Total permission decisions by mode and outcome",
		},
		[]string{"mode", "decision"}, // decision: allow, deny
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		providerRequestDuration,
		providerRequestsTotal,
		providerRetriesTotal,
		providerTokensTotal,
		controlMessagesTotal,
		controlPendingRequests,
		controlRequestDuration,
		sessionsActive,
		permissionDecisionsTotal,
	}
)

// Collectors returns every turboclaude collector.
func Collectors() []prometheus.Collector {
	out := make([]prometheus.Collector, len(allMetrics))
	copy(out, allMetrics)
	return out
}

// RecordProviderRequest records a provider API call.
func RecordProviderRequest(provider, endpoint, status string, durationSeconds float64) {
	providerRequestDuration.WithLabelValues(provider, endpoint).Observe(durationSeconds)
	providerRequestsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

// RecordRetry records a retried provider call.
func RecordRetry(provider, kind string) {
	providerRetriesTotal.WithLabelValues(provider, kind).Inc()
}

// RecordTokens records token consumption.
func RecordTokens(provider, model string, input, output, cacheCreation, cacheRead int) {
	add := func(typ string, n int) {
		if n > 0 {
			providerTokensTotal.WithLabelValues(provider, model, typ).Add(float64(n))
		}
	}
	add("input", input)
	add("output", output)
	add("cache_creation", cacheCreation)
	add("cache_read", cacheRead)
}

// RecordControlMessage records one control protocol message.
func RecordControlMessage(direction, msgType string) {
	controlMessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// SetPendingRequests sets the correlation table size.
func SetPendingRequests(n int) {
	controlPendingRequests.Set(float64(n))
}

// RecordControlRequest records the latency of a correlated request.
func RecordControlRequest(msgType, status string, durationSeconds float64) {
	controlRequestDuration.WithLabelValues(msgType, status).Observe(durationSeconds)
}

// RecordSessionStart records a connected session.
func RecordSessionStart() {
	sessionsActive.Inc()
}

// RecordSessionEnd records a closed or failed session.
func RecordSessionEnd() {
	sessionsActive.Dec()
}

// RecordPermissionDecision records a permission outcome.
func RecordPermissionDecision(mode string, allow bool) {
	decision := "deny"
	if allow {
		decision = "allow"
	}
	permissionDecisionsTotal.WithLabelValues(mode, decision).Inc()
}

package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routeguard_requests_total",
			Help: "Total number of routed requests",
		},
		[]string{"provider", "endpoint", "outcome"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routeguard_request_duration_seconds",
			Help:    "Provider invocation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "endpoint"},
	)

	SelectionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routeguard_selection_rejected_total",
			Help: "Total number of times an endpoint was rejected during selection",
		},
		[]string{"reason"},
	)

	EndpointActiveRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routeguard_endpoint_active_requests",
			Help: "In-flight requests per pool endpoint",
		},
		[]string{"pool", "endpoint"},
	)

	EndpointHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routeguard_endpoint_healthy",
			Help: "Health status per pool endpoint (1 = healthy, 0 = unhealthy)",
		},
		[]string{"pool", "endpoint"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "routeguard_circuit_state",
			Help: "Circuit breaker state per provider (0 = closed, 1 = open, 2 = half-open)",
		},
		[]string{"provider"},
	)

	CircuitTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routeguard_circuit_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"provider", "to"},
	)

	CircuitRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routeguard_circuit_rejected_total",
			Help: "Total number of calls rejected by an open or saturated circuit",
		},
		[]string{"provider"},
	)

	BudgetDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routeguard_budget_decisions_total",
			Help: "Total number of budget enforcement decisions",
		},
		[]string{"action"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routeguard_events_dropped_total",
			Help: "Total number of events dropped due to a full buffer",
		},
		[]string{"type"},
	)

	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routeguard_fallback_attempts_total",
			Help: "Total number of fallback-chain provider attempts",
		},
		[]string{"provider"},
	)
)

type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{
		enabled: enabled,
	}
}

func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) RecordRequest(provider, endpoint string, success bool, duration time.Duration) {
	if !m.isEnabled() {
		return
	}

	outcome := "success"
	if !success {
		outcome = "failure"
	}
	RequestsTotal.WithLabelValues(provider, endpoint, outcome).Inc()
	RequestDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

func (m *Metrics) UpdateEndpointActive(pool, endpoint string, active int64) {
	if !m.isEnabled() {
		return
	}
	EndpointActiveRequests.WithLabelValues(pool, endpoint).Set(float64(active))
}

func (m *Metrics) UpdateEndpointHealth(pool, endpoint string, healthy bool) {
	if !m.isEnabled() {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	EndpointHealthy.WithLabelValues(pool, endpoint).Set(value)
}

func (m *Metrics) UpdateCircuitState(provider string, state int) {
	if !m.isEnabled() {
		return
	}
	CircuitState.WithLabelValues(provider).Set(float64(state))
}

func (m *Metrics) RecordBudgetDecision(action string) {
	if !m.isEnabled() {
		return
	}
	BudgetDecisions.WithLabelValues(action).Inc()
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rentledger_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	leaseTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_lease_transitions_total",
		Help: "Count of lease lifecycle transitions by kind and result",
	}, []string{"transition", "result"})

	activeLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rentledger_active_leases",
		Help: "Number of leases currently in the active state",
	})

	paymentsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_payments_initiated_total",
		Help: "Count of payment initiation attempts by result",
	}, []string{"result"})

	paymentsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_payments_finalized_total",
		Help: "Count of payments reaching a terminal state by status",
	}, []string{"status"})

	callbackOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_callbacks_total",
		Help: "Count of gateway callbacks by processing outcome",
	}, []string{"outcome"})

	tokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_gateway_token_refreshes_total",
		Help: "Count of gateway access token refreshes by result",
	}, []string{"result"})

	gatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rentledger_gateway_request_duration_seconds",
		Help:    "Duration of outbound gateway requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "result"})

	sweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rentledger_expiry_sweep_runs_total",
		Help: "Count of lease expiry sweep runs by result",
	}, []string{"result"})

	sweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rentledger_expiry_sweep_leases_expired_total",
		Help: "Count of leases transitioned to expired by the sweep",
	})
)

// ObserveHTTPRequest records an HTTP request metric
func ObserveHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// ObserveLeaseTransition records a lease lifecycle transition attempt.
// Transition is one of create, terminate, expire; result is success or an
// error category.
func ObserveLeaseTransition(transition, result string) {
	leaseTransitions.WithLabelValues(transition, result).Inc()
}

// IncrementActiveLeases increments the active lease gauge
func IncrementActiveLeases() {
	activeLeases.Inc()
}

// DecrementActiveLeases decrements the active lease gauge
func DecrementActiveLeases() {
	activeLeases.Dec()
}

// ObservePaymentInitiated records a payment initiation attempt
func ObservePaymentInitiated(result string) {
	paymentsInitiated.WithLabelValues(result).Inc()
}

// ObservePaymentFinalized records a payment reaching a terminal state
func ObservePaymentFinalized(status string) {
	paymentsFinalized.WithLabelValues(status).Inc()
}

// ObserveCallback records a callback processing outcome: matched, unmatched,
// bad_signature, malformed.
func ObserveCallback(outcome string) {
	callbackOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveTokenRefresh records a gateway token refresh attempt
func ObserveTokenRefresh(result string) {
	tokenRefreshes.WithLabelValues(result).Inc()
}

// ObserveGatewayRequest records an outbound gateway request
func ObserveGatewayRequest(operation, result string, duration time.Duration) {
	gatewayRequestDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// ObserveSweep records an expiry sweep run and how many leases it expired
func ObserveSweep(result string, expired int) {
	sweepRuns.WithLabelValues(result).Inc()
	if expired > 0 {
		sweepExpired.Add(float64(expired))
	}
}

package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentInitiationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_initiations_total",
		Help: "Total number of push-to-pay initiations by result",
	}, []string{"result"})

	PaymentInitiationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_initiation_latency_seconds",
		Help:    "End-to-end latency of payment initiation",
		Buckets: prometheus.DefBuckets,
	})

	CallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Total number of provider callbacks by reconciliation outcome",
	}, []string{"outcome"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_settlements_total",
		Help: "Total number of orders settled, by channel",
	}, []string{"channel"})

	FulfillmentTriggersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fulfillment_triggers_total",
		Help: "Total number of fulfillment notifications triggered",
	})

	ReconciliationFlagsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_flags_total",
		Help: "Total number of reconciliation flags raised, by reason",
	}, []string{"reason"})

	FlagResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_flag_resolutions_total",
		Help: "Total number of manual flag resolutions, by decision",
	}, []string{"decision"})

	InvokerAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invoker_attempts_total",
		Help: "Total downstream call attempts by endpoint and result",
	}, []string{"endpoint", "result"})

	InvokerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "invoker_call_duration_seconds",
		Help:    "Duration of resilient downstream calls including retries",
		Buckets: []float64{.05, .1, .25, .5, 1, 2, 4, 8, 16},
	}, []string{"endpoint", "outcome"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state per endpoint (0=closed, 1=half-open, 2=open)",
	}, []string{"endpoint"})

	CircuitBreakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_transitions_total",
		Help: "Total circuit breaker transitions",
	}, []string{"endpoint", "from", "to"})

	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total requests routed by the gateway by class, partition and result",
	}, []string{"class", "partition", "result"})

	GatewayRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of gateway-routed requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"class", "partition"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)

// BreakerStateValue maps a breaker state name onto the gauge value
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}

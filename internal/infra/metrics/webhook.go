package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		webhookRequestsTotal,
		webhookDuration,
		gatewayCallsTotal,
		gatewayCallDuration,
	)
}

var (
	// result: processed|verification_failed|malformed|error
	webhookRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_requests_total",
			Help: "Gateway notifications received, by wire encoding and result.",
		},
		[]string{"encoding", "result"},
	)

	webhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_duration_seconds",
			Help:    "Duration of the notification handler in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"result"},
	)

	// op: create_order|query_status; result: ok|transient|rejected
	gatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_calls_total",
			Help: "Outbound gateway calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	gatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_duration_seconds",
			Help:    "Outbound gateway call latency in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
		[]string{"op"},
	)
)

func ObserveWebhook(encoding, result string, d time.Duration) {
	webhookRequestsTotal.WithLabelValues(norm(encoding), norm(result)).Inc()
	webhookDuration.WithLabelValues(norm(result)).Observe(d.Seconds())
}

func ObserveGatewayCall(op, result string, d time.Duration) {
	gatewayCallsTotal.WithLabelValues(norm(op), norm(result)).Inc()
	gatewayCallDuration.WithLabelValues(norm(op)).Observe(d.Seconds())
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		operatorAlertsTotal,
		rateLimitedTotal,
	)
}

var (
	operatorAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "operator_alerts_total",
			Help: "Operator alerts by kind and delivery status.",
		},
		[]string{"kind", "status"}, // status: 'sent', 'error', 'disabled'
	)

	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the per-user rate limiter.",
		},
		[]string{"route"},
	)
)

func IncOperatorAlert(kind, status string) {
	operatorAlertsTotal.WithLabelValues(norm(kind), norm(status)).Inc()
}

func IncRateLimited(route string) {
	rateLimitedTotal.WithLabelValues(norm(route)).Inc()
}

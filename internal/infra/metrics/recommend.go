package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(recommendationsTotal) }

var recommendationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "recommendations_total",
		Help: "Upgrade recommendations produced, by trigger, kind and urgency.",
	},
	[]string{"trigger", "kind", "urgency"},
)

func IncRecommendation(trigger, kind, urgency string) {
	recommendationsTotal.WithLabelValues(norm(trigger), norm(kind), norm(urgency)).Inc()
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		quotaDecisionsTotal,
		quotaBucketsSweptTotal,
	)
}

var (
	quotaDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_decisions_total",
			Help: "Quota consume attempts by dimension and decision (allowed/denied/unlimited).",
		},
		[]string{"dimension", "decision"},
	)

	quotaBucketsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_buckets_swept_total",
			Help: "Expired quota buckets removed by the cleanup worker.",
		},
	)
)

func IncQuotaDecision(dimension, decision string) {
	quotaDecisionsTotal.WithLabelValues(norm(dimension), norm(decision)).Inc()
}

func AddQuotaBucketsSwept(n int) {
	quotaBucketsSweptTotal.Add(float64(n))
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		pollSessionsTotal,
		eventDeliveriesTotal,
		workerTasksDroppedTotal,
	)
}

var (
	pollSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poll_sessions_total",
			Help: "Finished payment poll sessions, labeled by terminal state.",
		},
		[]string{"state"}, // 'succeeded', 'failed', 'expired'
	)

	eventDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_deliveries_total",
			Help: "State change deliveries per consumer and result.",
		},
		[]string{"handler", "result"},
	)

	workerTasksDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_tasks_overflow_total",
			Help: "Tasks that did not fit the worker queue and ran on their own goroutine.",
		},
	)
)

func IncPollSession(state string) {
	pollSessionsTotal.WithLabelValues(norm(state)).Inc()
}

func IncEventDelivery(handler, result string) {
	eventDeliveriesTotal.WithLabelValues(norm(handler), norm(result)).Inc()
}

func IncWorkerOverflow() {
	workerTasksDroppedTotal.Inc()
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		pushClients,
		pushMessagesTotal,
	)
}

var (
	pushClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "push_clients",
			Help: "Connected WebSocket clients.",
		},
	)

	pushMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_messages_total",
			Help: "State changes pushed to clients by result.",
		},
		[]string{"result"}, // 'sent', 'dropped'
	)
)

func SetPushClients(n int) {
	pushClients.Set(float64(n))
}

func IncPushMessage(result string) {
	pushMessagesTotal.WithLabelValues(norm(result)).Inc()
}

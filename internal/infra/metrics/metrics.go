// File: internal/infra/metrics/metrics.go
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		reconciliationsTotal,
		reconcileConflictsTotal,
	)
}

var (
	// outcome: applied|already_reconciled|unknown_order|still_pending|rejected|error
	reconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliations_total",
			Help: "Payment events applied by the reconciler, by producer and outcome.",
		},
		[]string{"source", "outcome"},
	)

	reconcileConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_conflicts_total",
			Help: "Optimistic concurrency conflicts seen while applying payment events.",
		},
		[]string{"source"},
	)
)

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func IncReconciliation(source, outcome string) {
	reconciliationsTotal.WithLabelValues(norm(source), norm(outcome)).Inc()
}

func IncReconcileConflict(source string) {
	reconcileConflictsTotal.WithLabelValues(norm(source)).Inc()
}

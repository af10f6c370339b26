package model

type ReconcileOutcome string

const (
	ReconcileApplied           ReconcileOutcome = "applied"
	ReconcileAlreadyReconciled ReconcileOutcome = "already_reconciled"
	ReconcileUnknownOrder      ReconcileOutcome = "unknown_order"
	ReconcileStillPending      ReconcileOutcome = "still_pending"
	// ReconcileRejected marks a success report that did not match the order
	// (amount or currency); the payment is failed and nothing is granted.
	ReconcileRejected ReconcileOutcome = "rejected"
)

// ReconciliationResult describes what Apply did. Payment and Subscription hold
// the state after the call and are nil for unknown orders.
type ReconciliationResult struct {
	Outcome      ReconcileOutcome
	Payment      *Payment
	Subscription *Subscription
}

// Terminal reports whether the order will not change again.
func (r *ReconciliationResult) Terminal() bool {
	if r == nil || r.Payment == nil {
		return false
	}
	return r.Payment.Status.IsTerminal()
}

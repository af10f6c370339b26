package model

import "time"

type ChangeKind string

const (
	ChangePaymentCompleted      ChangeKind = "payment_completed"
	ChangePaymentFailed         ChangeKind = "payment_failed"
	ChangePaymentCancelled      ChangeKind = "payment_cancelled"
	ChangeSubscriptionActivated ChangeKind = "subscription_activated"
	ChangeSubscriptionCancelled ChangeKind = "subscription_cancelled"
	ChangeSubscriptionExpired   ChangeKind = "subscription_expired"

	// Operator-facing kinds; nothing was mutated.
	ChangeUnknownOrder       ChangeKind = "unknown_order"
	ChangeVerificationFailed ChangeKind = "verification_failed"
	ChangeAmountMismatch     ChangeKind = "amount_mismatch"
)

// Operational reports whether the change is meant for operators rather than
// the user.
func (k ChangeKind) Operational() bool {
	switch k {
	case ChangeUnknownOrder, ChangeVerificationFailed, ChangeAmountMismatch:
		return true
	}
	return false
}

// StateChange is published after a committed transition. Delivery is
// at-least-once.
type StateChange struct {
	Kind           ChangeKind         `json:"kind"`
	UserID         string             `json:"userId,omitempty"`
	SubscriptionID string             `json:"subscriptionId,omitempty"`
	OrderID        string             `json:"orderId,omitempty"`
	PaymentStatus  PaymentStatus      `json:"paymentStatus,omitempty"`
	SubStatus      SubscriptionStatus `json:"subscriptionStatus,omitempty"`
	Tier           Tier               `json:"tier,omitempty"`
	Source         EventSource        `json:"source,omitempty"`
	Note           string             `json:"note,omitempty"`
	At             time.Time          `json:"at"`
}

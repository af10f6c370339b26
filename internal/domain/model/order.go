package model

import "time"

// Order is what the payer sees after choosing a plan.
type Order struct {
	OrderID        string    `json:"orderId"`
	QRCodeImage    string    `json:"qrCodeImage"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	PlanID         string    `json:"planId"`
	SubscriptionID string    `json:"subscriptionId"`
}

// OrderStatus is the polling view of an order. MessageKey selects the
// user-facing text; failed and pending map to different keys.
type OrderStatus struct {
	OrderID       string        `json:"orderId"`
	Status        PaymentStatus `json:"status"`
	MessageKey    string        `json:"-"`
	FailureReason string        `json:"failureReason,omitempty"`
	ExpiresAt     time.Time     `json:"expiresAt"`
}

// StatusOf builds the polling view of p.
func StatusOf(p *Payment) *OrderStatus {
	st := &OrderStatus{
		OrderID:    p.ID,
		Status:     p.Status,
		MessageKey: "payment." + string(p.Status),
		ExpiresAt:  p.ExpiresAt,
	}
	if p.FailureReason != nil {
		st.FailureReason = *p.FailureReason
	}
	return st
}

// Entitlement is the tier and limits a user holds right now.
type Entitlement struct {
	UserID         string      `json:"userId"`
	Tier           Tier        `json:"tier"`
	Quotas         QuotaLimits `json:"quotas"`
	SubscriptionID string      `json:"subscriptionId,omitempty"`
	ValidUntil     *time.Time  `json:"validUntil,omitempty"`
}

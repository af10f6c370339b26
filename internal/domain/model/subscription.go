package model

import (
	"time"

	"subscription-engine/internal/domain"
)

type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "pending"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusSuspended SubscriptionStatus = "suspended"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// Subscription is the authoritative entitlement record of a user.
type Subscription struct {
	ID              string
	UserID          string
	PlanID          string
	Tier            Tier
	Status          SubscriptionStatus
	StartDate       time.Time
	EndDate         time.Time  // zero until the first successful payment
	NextBillingDate *time.Time // nil once auto-renew is off
	CancelledAt     *time.Time
	PaymentMethod   string
	LastPaymentID   *string
	Period          BillingPeriod // snapshot of the plan period
	Quotas          QuotaLimits   // snapshot of the plan limits
	Metadata        map[string]string
	Version         int64 // optimistic concurrency token
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewPendingSubscription snapshots the plan into a subscription waiting for
// its first payment.
func NewPendingSubscription(id, userID string, plan *Plan, paymentMethod string, now time.Time) (*Subscription, error) {
	if id == "" || userID == "" || plan.IsZero() {
		return nil, domain.ErrInvalidArgument
	}
	return &Subscription{
		ID:            id,
		UserID:        userID,
		PlanID:        plan.ID,
		Tier:          plan.Tier,
		Status:        SubscriptionStatusPending,
		StartDate:     now,
		PaymentMethod: paymentMethod,
		Period:        plan.Period,
		Quotas:        plan.Quotas.Clone(),
		Metadata:      map[string]string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// IsUsable reports whether the subscription grants its tier at now.
// A cancelled subscription stays usable until EndDate.
func (s *Subscription) IsUsable(now time.Time) bool {
	if s == nil {
		return false
	}
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusCancelled:
		return now.Before(s.EndDate)
	}
	return false
}

// Outranks reports whether s should be the user's current subscription in
// preference to o: a usable one beats one that is not, then the higher tier
// wins, then the later EndDate.
func (s *Subscription) Outranks(o *Subscription, now time.Time) bool {
	if o == nil {
		return true
	}
	if su, ou := s.IsUsable(now), o.IsUsable(now); su != ou {
		return su
	}
	if sr, or := s.Tier.Rank(), o.Tier.Rank(); sr != or {
		return sr > or
	}
	return s.EndDate.After(o.EndDate)
}

// IsClosed reports whether only a fresh subscription can bring the user back.
func (s *Subscription) IsClosed() bool {
	return s.Status == SubscriptionStatusCancelled || s.Status == SubscriptionStatusExpired
}

// Activate applies one paid period. The new term starts at the later of now
// and the previous EndDate, so paying early never loses time.
func (s *Subscription) Activate(paymentID string, now time.Time) error {
	switch s.Status {
	case SubscriptionStatusPending, SubscriptionStatusActive, SubscriptionStatusSuspended:
	default:
		return domain.ErrInvalidTransition
	}
	base := now
	if s.EndDate.After(now) {
		base = s.EndDate
	}
	if s.Status == SubscriptionStatusPending || s.EndDate.Before(now) {
		s.StartDate = now
	}
	s.EndDate = s.Period.Advance(base)
	next := s.EndDate
	s.NextBillingDate = &next
	pid := paymentID
	s.LastPaymentID = &pid
	s.Status = SubscriptionStatusActive
	s.UpdatedAt = now
	return nil
}

// ContinueAfter lets a pending subscription start where a still-usable
// subscription to the same plan ends, so renewing after a cancel keeps the
// paid remainder. Other plans never carry time over.
func (s *Subscription) ContinueAfter(prev *Subscription, now time.Time) {
	if s.Status != SubscriptionStatusPending || prev == nil || prev.ID == s.ID {
		return
	}
	if prev.PlanID != s.PlanID || !prev.IsUsable(now) {
		return
	}
	if prev.EndDate.After(s.EndDate) {
		s.EndDate = prev.EndDate
	}
}

// Cancel turns auto-renew off. The subscription stays usable until EndDate.
func (s *Subscription) Cancel(now time.Time) error {
	switch s.Status {
	case SubscriptionStatusPending, SubscriptionStatusActive, SubscriptionStatusSuspended:
	default:
		return domain.ErrInvalidTransition
	}
	at := now
	s.CancelledAt = &at
	s.NextBillingDate = nil
	s.Status = SubscriptionStatusCancelled
	s.UpdatedAt = now
	return nil
}

// Expire closes a subscription whose EndDate has passed without renewal.
func (s *Subscription) Expire(now time.Time) error {
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusCancelled, SubscriptionStatusSuspended:
	default:
		return domain.ErrInvalidTransition
	}
	if s.EndDate.After(now) {
		return domain.ErrInvalidTransition
	}
	s.Status = SubscriptionStatusExpired
	s.NextBillingDate = nil
	s.UpdatedAt = now
	return nil
}

// Successor returns a fresh pending subscription carrying the same plan
// snapshot. It is the only way back from cancelled or expired.
func (s *Subscription) Successor(id string, now time.Time) *Subscription {
	meta := make(map[string]string, len(s.Metadata)+1)
	for k, v := range s.Metadata {
		meta[k] = v
	}
	meta["predecessor_id"] = s.ID
	return &Subscription{
		ID:            id,
		UserID:        s.UserID,
		PlanID:        s.PlanID,
		Tier:          s.Tier,
		Status:        SubscriptionStatusPending,
		StartDate:     now,
		PaymentMethod: s.PaymentMethod,
		Period:        s.Period,
		Quotas:        s.Quotas.Clone(),
		Metadata:      meta,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	cp := *s
	if s.NextBillingDate != nil {
		t := *s.NextBillingDate
		cp.NextBillingDate = &t
	}
	if s.CancelledAt != nil {
		t := *s.CancelledAt
		cp.CancelledAt = &t
	}
	if s.LastPaymentID != nil {
		id := *s.LastPaymentID
		cp.LastPaymentID = &id
	}
	cp.Quotas = s.Quotas.Clone()
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

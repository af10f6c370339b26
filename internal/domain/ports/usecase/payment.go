package usecase

import (
	"context"
	"time"

	"subscription-engine/internal/domain/model"
)

// Reconciler is the single funnel every payment outcome goes through,
// whichever producer delivered it.
type Reconciler interface {
	Apply(ctx context.Context, ev model.PaymentEvent, source model.EventSource) (*model.ReconciliationResult, error)
}

// PaymentWatcher starts a pull-based watch for a freshly displayed QR code.
type PaymentWatcher interface {
	Watch(orderID, userID string, expiresAt time.Time)
}

// SubscriptionManager is what background workers need from the lifecycle.
type SubscriptionManager interface {
	FinishExpired(ctx context.Context, now time.Time) (int, error)
}

// OrderSweeper closes orders whose QR code expired without an outcome.
type OrderSweeper interface {
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

package repository

import (
	"context"
	"time"

	"subscription-engine/internal/domain/model"
)

// -----------------------------
// Payments
// -----------------------------

type PaymentRepository interface {
	Create(ctx context.Context, tx Tx, p *model.Payment) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Payment, error)
	// Transition persists the mutable fields of p when the stored record is
	// still non-terminal and at p.Version, then bumps p.Version. Anything else
	// yields domain.ErrConflict.
	Transition(ctx context.Context, tx Tx, p *model.Payment) error
	ListPendingBySubscription(ctx context.Context, tx Tx, subscriptionID string) ([]*model.Payment, error)
	// ListPendingExpiredBefore returns pending or processing orders whose QR
	// code expired before cutoff, oldest first.
	ListPendingExpiredBefore(ctx context.Context, tx Tx, cutoff time.Time, limit int) ([]*model.Payment, error)

	AppendAudit(ctx context.Context, tx Tx, a *model.PaymentAudit) error
	ListAudit(ctx context.Context, tx Tx, paymentID string) ([]*model.PaymentAudit, error)
}

// -----------------------------
// Quota counters
// -----------------------------

// QuotaCounter stores per-bucket usage. Implementations must make
// IncrementWithCeiling atomic per key.
type QuotaCounter interface {
	// IncrementWithCeiling adds amount when used+amount <= limit and reports
	// the resulting used value. When the ceiling would be crossed nothing is
	// written and ok is false.
	IncrementWithCeiling(ctx context.Context, key model.BucketKey, amount, limit int64, expireAt time.Time) (used int64, ok bool, err error)
	Used(ctx context.Context, key model.BucketKey) (int64, error)
	// Sweep drops buckets that expired before now and returns how many went.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

package repository

import (
	"context"
	"time"

	"subscription-engine/internal/domain/model"
)

// SubscriptionRepository is the port for the subscription record store.
type SubscriptionRepository interface {
	Create(ctx context.Context, tx Tx, s *model.Subscription) error
	// Update writes s only if the stored version equals s.Version, then bumps
	// s.Version. A stale version yields domain.ErrConflict.
	Update(ctx context.Context, tx Tx, s *model.Subscription) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Subscription, error)
	// FindCurrentByUser picks, among the subscriptions that may still grant a
	// tier (active, cancelled or suspended), the one that Outranks the rest:
	// usable first, then highest tier, then latest end date. Callers check
	// IsUsable.
	FindCurrentByUser(ctx context.Context, tx Tx, userID string) (*model.Subscription, error)
	ListByUser(ctx context.Context, tx Tx, userID string) ([]*model.Subscription, error)
	// ListEndedBefore returns active, cancelled or suspended subscriptions
	// whose end date is not after cutoff.
	ListEndedBefore(ctx context.Context, tx Tx, cutoff time.Time, limit int) ([]*model.Subscription, error)
}

package repository

import (
	"context"

	"subscription-engine/internal/domain/model"
)

// PlanRepository is the port for plan persistence.
type PlanRepository interface {
	Save(ctx context.Context, tx Tx, plan *model.Plan) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Plan, error)
	ListAll(ctx context.Context, tx Tx) ([]*model.Plan, error)
	// DefaultForTier returns the cheapest plan of tier; used for the free
	// fallback entitlement.
	DefaultForTier(ctx context.Context, tx Tx, tier model.Tier) (*model.Plan, error)
}

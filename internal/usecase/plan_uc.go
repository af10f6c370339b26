package usecase

import (
	"context"
	"fmt"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
)

// PlanUseCase manages subscription plans.
type PlanUseCase struct {
	repo repository.PlanRepository
}

// NewPlanUseCase constructs a PlanUseCase.
func NewPlanUseCase(repo repository.PlanRepository) *PlanUseCase {
	return &PlanUseCase{repo: repo}
}

// Seed saves the configured plans. Existing subscribers keep their snapshots.
// A free-tier plan is required for the fallback entitlement.
func (uc *PlanUseCase) Seed(ctx context.Context, plans []*model.Plan) error {
	hasFree := false
	for _, p := range plans {
		if err := uc.repo.Save(ctx, repository.NoTX, p); err != nil {
			return fmt.Errorf("save plan %s: %w", p.ID, err)
		}
		if p.Tier == model.TierFree {
			hasFree = true
		}
	}
	if !hasFree {
		return fmt.Errorf("%w: no free-tier plan configured", domain.ErrInvalidArgument)
	}
	return nil
}

// Get retrieves a plan by ID.
func (uc *PlanUseCase) Get(ctx context.Context, id string) (*model.Plan, error) {
	return uc.repo.FindByID(ctx, repository.NoTX, id)
}

// List returns all plans.
func (uc *PlanUseCase) List(ctx context.Context) ([]*model.Plan, error) {
	return uc.repo.ListAll(ctx, repository.NoTX)
}

package memory

import (
	"context"
	"sort"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
)

var _ repository.PlanRepository = (*PlanRepo)(nil)

type PlanRepo struct{ store *Store }

func NewPlanRepo(store *Store) *PlanRepo {
	return &PlanRepo{store: store}
}

func clonePlan(p *model.Plan) *model.Plan {
	cp := *p
	cp.Quotas = p.Quotas.Clone()
	return &cp
}

func (r *PlanRepo) Save(ctx context.Context, _ repository.Tx, plan *model.Plan) error {
	if plan.IsZero() {
		return domain.ErrInvalidArgument
	}
	r.store.mu.Lock()
	r.store.plans[plan.ID] = clonePlan(plan)
	r.store.mu.Unlock()
	return nil
}

func (r *PlanRepo) FindByID(ctx context.Context, _ repository.Tx, id string) (*model.Plan, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.plans[id]
	if !ok {
		return nil, domain.ErrPlanNotFound
	}
	return clonePlan(p), nil
}

// ListAll orders plans by tier, then price.
func (r *PlanRepo) ListAll(ctx context.Context, _ repository.Tx) ([]*model.Plan, error) {
	r.store.mu.RLock()
	out := make([]*model.Plan, 0, len(r.store.plans))
	for _, p := range r.store.plans {
		out = append(out, clonePlan(p))
	}
	r.store.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier.Less(out[j].Tier)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out, nil
}

func (r *PlanRepo) DefaultForTier(ctx context.Context, tx repository.Tx, tier model.Tier) (*model.Plan, error) {
	all, err := r.ListAll(ctx, tx)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.Tier == tier {
			return p, nil
		}
	}
	return nil, domain.ErrPlanNotFound
}

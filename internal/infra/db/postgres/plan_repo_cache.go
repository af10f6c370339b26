package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
	"subscription-engine/internal/infra/metrics"
	red "subscription-engine/internal/infra/redis"
)

var _ repository.PlanRepository = (*planRepoCacheDecorator)(nil)

const planListKey = "plans:all"

type planRepoCacheDecorator struct {
	inner repository.PlanRepository
	cache red.RedisClient
	ttl   time.Duration
	log   *zerolog.Logger
}

func NewPlanRepoCacheDecorator(inner repository.PlanRepository, cache red.RedisClient, logger *zerolog.Logger) repository.PlanRepository {
	l := logger.With().Str("component", "PlanCache").Logger()
	return &planRepoCacheDecorator{
		inner: inner,
		cache: cache,
		ttl:   1 * time.Hour,
		log:   &l,
	}
}

func planKey(id string) string { return fmt.Sprintf("plan:%s", id) }

func planTierKey(tier model.Tier) string { return fmt.Sprintf("plan:tier:%s", tier) }

func (d *planRepoCacheDecorator) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error) {
	return d.cachedPlan(ctx, planKey(id), func() (*model.Plan, error) { return d.inner.FindByID(ctx, tx, id) })
}

func (d *planRepoCacheDecorator) DefaultForTier(ctx context.Context, tx repository.Tx, tier model.Tier) (*model.Plan, error) {
	return d.cachedPlan(ctx, planTierKey(tier), func() (*model.Plan, error) { return d.inner.DefaultForTier(ctx, tx, tier) })
}

func (d *planRepoCacheDecorator) cachedPlan(ctx context.Context, key string, load func() (*model.Plan, error)) (*model.Plan, error) {
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var plan model.Plan
		if json.Unmarshal([]byte(val), &plan) == nil {
			metrics.IncCacheRequest("plan", "hit")
			return &plan, nil
		}
	} else if !red.IsNil(err) {
		d.log.Warn().Err(err).Str("key", key).Msg("plan cache read failed")
	}

	metrics.IncCacheRequest("plan", "miss")
	plan, err := load()
	if err != nil {
		return nil, err
	}
	if bytes, err := json.Marshal(plan); err == nil {
		_ = d.cache.Set(ctx, key, bytes, d.ttl)
	}
	return plan, nil
}

// Save invalidates every key the plan may be cached under.
func (d *planRepoCacheDecorator) Save(ctx context.Context, tx repository.Tx, plan *model.Plan) error {
	if err := d.inner.Save(ctx, tx, plan); err != nil {
		return err
	}
	if err := d.cache.Del(ctx, planKey(plan.ID), planTierKey(plan.Tier), planListKey); err != nil {
		d.log.Warn().Err(err).Str("plan_id", plan.ID).Msg("plan cache invalidation failed")
	}
	return nil
}

func (d *planRepoCacheDecorator) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	val, err := d.cache.Get(ctx, planListKey)
	if err == nil {
		var plans []*model.Plan
		if json.Unmarshal([]byte(val), &plans) == nil {
			metrics.IncCacheRequest("plan_list", "hit")
			return plans, nil
		}
	}

	metrics.IncCacheRequest("plan_list", "miss")
	plans, err := d.inner.ListAll(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(plans) > 0 {
		bytes, _ := json.Marshal(plans)
		_ = d.cache.Set(ctx, planListKey, bytes, d.ttl)
	}
	return plans, nil
}

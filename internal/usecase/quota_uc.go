// File: internal/usecase/quota_uc.go
package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
	"subscription-engine/internal/infra/metrics"
)

// Compile-time check
var _ QuotaUseCase = (*quotaUC)(nil)

type QuotaUseCase interface {
	// TryConsume charges amount against the user's current bucket. A denial is
	// a decision, not an error.
	TryConsume(ctx context.Context, userID string, dim model.Dimension, amount int64) (*model.QuotaDecision, error)
	// Remaining reads the current bucket without touching it.
	Remaining(ctx context.Context, userID string, dim model.Dimension) (*model.QuotaUsage, error)
	// Overview returns every dimension for the user.
	Overview(ctx context.Context, userID string) ([]model.QuotaUsage, error)
}

// EntitlementResolver yields the limits in force for a user.
type EntitlementResolver interface {
	Entitlement(ctx context.Context, userID string) (*model.Entitlement, error)
}

// QuotaOptions tunes bucket resolution and the warning hook.
type QuotaOptions struct {
	Location  *time.Location
	WarnRatio float64
	Grace     time.Duration
}

type quotaUC struct {
	counter     repository.QuotaCounter
	entitlement EntitlementResolver
	recommend   RecommendUseCase
	opts        QuotaOptions
	now         func() time.Time
	log         *zerolog.Logger
}

// NewQuotaUseCase wires the ledger. recommend may be nil, in which case no
// recommendation is attached to decisions.
func NewQuotaUseCase(
	counter repository.QuotaCounter,
	entitlement EntitlementResolver,
	recommend RecommendUseCase,
	opts QuotaOptions,
	logger *zerolog.Logger,
) *quotaUC {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.WarnRatio <= 0 || opts.WarnRatio > 1 {
		opts.WarnRatio = warnRatio
	}
	if opts.Grace <= 0 {
		opts.Grace = time.Hour
	}
	l := logger.With().Str("component", "QuotaLedger").Logger()
	return &quotaUC{
		counter:     counter,
		entitlement: entitlement,
		recommend:   recommend,
		opts:        opts,
		now:         time.Now,
		log:         &l,
	}
}

func (u *quotaUC) TryConsume(ctx context.Context, userID string, dim model.Dimension, amount int64) (*model.QuotaDecision, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidArgument)
	}
	ent, err := u.entitlement.Entitlement(ctx, userID)
	if err != nil {
		return nil, err
	}

	limit := ent.Quotas.Limit(dim)
	usage := model.QuotaUsage{Dimension: dim, Cadence: dim.Cadence(), Limit: limit}

	if limit == model.Unlimited {
		metrics.IncQuotaDecision(string(dim), "unlimited")
		return &model.QuotaDecision{Allowed: true, Usage: usage}, nil
	}

	if dim.Cadence() == model.CadencePerRequest {
		usage.Used = amount
		dec := &model.QuotaDecision{Allowed: amount <= limit, Usage: usage}
		u.decide(ctx, userID, ent.Tier, dec, false)
		return dec, nil
	}

	key, err := model.ResolveBucket(userID, dim, u.now(), u.opts.Location)
	if err != nil {
		return nil, err
	}
	used, ok, err := u.counter.IncrementWithCeiling(ctx, key, amount, limit, key.Expiry(u.opts.Grace))
	if err != nil {
		return nil, fmt.Errorf("increment %s: %w", key, err)
	}
	usage.Bucket, usage.ResetsAt, usage.Used = key.Bucket, key.End, used

	dec := &model.QuotaDecision{Allowed: ok, Usage: usage}
	crossed := false
	if ok && limit > 0 {
		before := float64(used-amount) / float64(limit)
		after := float64(used) / float64(limit)
		crossed = before < u.opts.WarnRatio && after >= u.opts.WarnRatio
	}
	u.decide(ctx, userID, ent.Tier, dec, crossed)
	return dec, nil
}

// decide records the decision and, on a denial or a warning crossing, asks
// for a reactive recommendation. A failing recommender never fails the
// decision.
func (u *quotaUC) decide(ctx context.Context, userID string, tier model.Tier, dec *model.QuotaDecision, crossed bool) {
	result := "allowed"
	if !dec.Allowed {
		result = "denied"
		u.log.Info().
			Str("user_id", userID).
			Str("dimension", string(dec.Usage.Dimension)).
			Int64("used", dec.Usage.Used).
			Int64("limit", dec.Usage.Limit).
			Msg("quota denied")
	}
	metrics.IncQuotaDecision(string(dec.Usage.Dimension), result)

	if u.recommend == nil || (dec.Allowed && !crossed) {
		return
	}
	rec, err := u.recommend.Reactive(ctx, userID, tier, dec.Usage, !dec.Allowed)
	if err != nil {
		u.log.Warn().Err(err).Str("user_id", userID).Msg("reactive recommendation failed")
		return
	}
	if rec != nil && rec.Kind != model.RecommendNone {
		dec.Recommendation = rec
	}
}

func (u *quotaUC) Remaining(ctx context.Context, userID string, dim model.Dimension) (*model.QuotaUsage, error) {
	ent, err := u.entitlement.Entitlement(ctx, userID)
	if err != nil {
		return nil, err
	}
	usage, err := u.usage(ctx, userID, dim, ent.Quotas.Limit(dim))
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

func (u *quotaUC) Overview(ctx context.Context, userID string) ([]model.QuotaUsage, error) {
	ent, err := u.entitlement.Entitlement(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.QuotaUsage, 0, len(model.AllDimensions))
	for _, d := range model.AllDimensions {
		usage, err := u.usage(ctx, userID, d, ent.Quotas.Limit(d))
		if err != nil {
			return nil, err
		}
		out = append(out, usage)
	}
	return out, nil
}

func (u *quotaUC) usage(ctx context.Context, userID string, dim model.Dimension, limit int64) (model.QuotaUsage, error) {
	usage := model.QuotaUsage{Dimension: dim, Cadence: dim.Cadence(), Limit: limit}
	if limit == model.Unlimited || dim.Cadence() == model.CadencePerRequest {
		return usage, nil
	}
	key, err := model.ResolveBucket(userID, dim, u.now(), u.opts.Location)
	if err != nil {
		return usage, err
	}
	used, err := u.counter.Used(ctx, key)
	if err != nil {
		return usage, fmt.Errorf("read %s: %w", key, err)
	}
	usage.Bucket, usage.ResetsAt, usage.Used = key.Bucket, key.End, used
	return usage, nil
}

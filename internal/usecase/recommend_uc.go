// File: internal/usecase/recommend_uc.go
package usecase

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
	"subscription-engine/internal/infra/metrics"
)

// Compile-time check
var _ RecommendUseCase = (*recommendUC)(nil)

const (
	minCooldown = 4 * time.Hour
	maxCooldown = 24 * time.Hour

	// Kind thresholds on the 0..100 score.
	gentleFrom     = 30
	aggressiveFrom = 65

	// Urgency thresholds.
	highUrgencyFrom   = 70
	mediumUrgencyFrom = 40
	warnRatio         = 0.8

	// Dismissal rate above which the engine never pushes hard.
	dismissalCap = 0.7
)

type RecommendUseCase interface {
	// Reactive scores a quota event right away: a denial or a crossing of the
	// warning threshold. It is never gated.
	Reactive(ctx context.Context, userID string, tier model.Tier, usage model.QuotaUsage, denied bool) (*model.Recommendation, error)
	// Proactive scores an opportunistic check. It returns nil while the
	// user's cooldown is running or when there is nothing to recommend.
	Proactive(ctx context.Context, userID string, tier model.Tier, usage []model.QuotaUsage) (*model.Recommendation, error)
}

type recommendUC struct {
	behavior adapter.BehaviorSource
	gate     adapter.CooldownGate
	log      *zerolog.Logger
}

func NewRecommendUseCase(behavior adapter.BehaviorSource, gate adapter.CooldownGate, logger *zerolog.Logger) *recommendUC {
	l := logger.With().Str("component", "Recommender").Logger()
	return &recommendUC{behavior: behavior, gate: gate, log: &l}
}

func (u *recommendUC) Reactive(ctx context.Context, userID string, tier model.Tier, usage model.QuotaUsage, denied bool) (*model.Recommendation, error) {
	snap := u.snapshot(ctx, userID, tier)
	trigger := model.TriggerQuotaWarning
	if denied {
		trigger = model.TriggerQuotaDenied
	}
	rec := Score(*snap, model.ScoringContext{Now: time.Now(), Trigger: trigger, Usage: &usage, Denied: denied})
	metrics.IncRecommendation(string(rec.Trigger), string(rec.Kind), string(rec.Urgency))
	return &rec, nil
}

func (u *recommendUC) Proactive(ctx context.Context, userID string, tier model.Tier, usage []model.QuotaUsage) (*model.Recommendation, error) {
	snap := u.snapshot(ctx, userID, tier)

	sc := model.ScoringContext{Now: time.Now(), Trigger: model.TriggerProactive}
	if top, ok := highestPressure(usage); ok {
		sc.Usage = &top
	}
	rec := Score(*snap, sc)
	if rec.Kind == model.RecommendNone {
		return nil, nil
	}

	ok, err := u.gate.Acquire(ctx, "recommend:cooldown:"+userID, Cooldown(snap.DismissalRate()))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	metrics.IncRecommendation(string(rec.Trigger), string(rec.Kind), string(rec.Urgency))
	return &rec, nil
}

// snapshot never fails the caller: a broken analytics read scores as a
// brand-new user.
func (u *recommendUC) snapshot(ctx context.Context, userID string, tier model.Tier) *model.BehaviorSnapshot {
	snap, err := u.behavior.Snapshot(ctx, userID)
	if err != nil || snap == nil {
		if err != nil {
			u.log.Warn().Err(err).Str("user_id", userID).Msg("behavior snapshot unavailable")
		}
		snap = &model.BehaviorSnapshot{UserID: userID}
	}
	snap.Tier = tier
	return snap
}

func highestPressure(usage []model.QuotaUsage) (model.QuotaUsage, bool) {
	var top model.QuotaUsage
	found := false
	for _, q := range usage {
		if q.Unlimited() {
			continue
		}
		if !found || q.Ratio() > top.Ratio() {
			top, found = q, true
		}
	}
	return top, found
}

// Cooldown scales linearly with the dismissal rate from 4h to 24h.
func Cooldown(dismissalRate float64) time.Duration {
	r := math.Max(0, math.Min(1, dismissalRate))
	return minCooldown + time.Duration(r*float64(maxCooldown-minCooldown))
}

// Score is the pure propensity function. Components:
//
//	quota pressure     0..40 (40 when denied)
//	habitual pressure  0..10 (recent days near the limit)
//	engagement         0..15 (sessions per week)
//	tenure             0..10
//	feature breadth    0..10
//	timing             0..15 (local hour and weekday)
//
// minus up to 40 points for a high dismissal rate.
func Score(b model.BehaviorSnapshot, c model.ScoringContext) model.Recommendation {
	now := c.Now
	if now.IsZero() {
		now = time.Now()
	}
	rec := model.Recommendation{
		Trigger:     c.Trigger,
		TargetTier:  b.Tier.Next(),
		GeneratedAt: now,
	}
	if c.Usage != nil {
		rec.Dimension = c.Usage.Dimension
	}
	if b.Tier == model.TierAdmin {
		rec.Kind, rec.Urgency, rec.TargetTier = model.RecommendNone, model.UrgencyLow, ""
		return rec
	}

	var s float64
	ratio := 0.0
	if c.Usage != nil {
		ratio = c.Usage.Ratio()
	}
	switch {
	case c.Denied:
		s += 40
		rec.Reasons = append(rec.Reasons, "quota_denied")
	case ratio > 0:
		s += ratio * 40
		if ratio >= warnRatio {
			rec.Reasons = append(rec.Reasons, "quota_pressure")
		}
	}

	near := 0
	for _, p := range lastDays(b.QuotaUsageHistory, now, 7) {
		if p.Limit > 0 && float64(p.Used) >= warnRatio*float64(p.Limit) {
			near++
		}
	}
	if near > 0 {
		s += math.Min(10, float64(near)*2.5)
		rec.Reasons = append(rec.Reasons, "habitual_pressure")
	}

	eng := math.Min(15, b.Sessions.AvgPerWeek*15/7)
	s += eng
	if eng >= 10 {
		rec.Reasons = append(rec.Reasons, "frequent_sessions")
	}

	tenure := math.Min(10, float64(b.TenureDays(now))/3)
	s += tenure
	if tenure >= 10 {
		rec.Reasons = append(rec.Reasons, "long_tenure")
	}

	features := 0
	for _, n := range b.FeatureUsage {
		if n > 0 {
			features++
		}
	}
	breadth := math.Min(10, float64(features)*2.5)
	s += breadth
	if breadth >= 10 {
		rec.Reasons = append(rec.Reasons, "broad_feature_use")
	}

	t := timing(now)
	s += t
	if t >= 15 {
		rec.Reasons = append(rec.Reasons, "peak_hours")
	}

	rate := b.DismissalRate()
	if rate > 0 {
		s -= rate * 40
		if rate > 0.5 {
			rec.Reasons = append(rec.Reasons, "high_dismissal_rate")
		}
	}

	rec.Score = int(math.Round(math.Max(0, math.Min(100, s))))

	switch {
	case rec.Score >= aggressiveFrom:
		rec.Kind = model.RecommendAggressive
	case rec.Score >= gentleFrom:
		rec.Kind = model.RecommendGentle
	default:
		rec.Kind = model.RecommendNone
	}
	if rate > dismissalCap && rec.Kind == model.RecommendAggressive {
		rec.Kind = model.RecommendGentle
	}

	switch {
	case c.Denied || rec.Score >= highUrgencyFrom:
		rec.Urgency = model.UrgencyHigh
	case ratio >= warnRatio || rec.Score >= mediumUrgencyFrom:
		rec.Urgency = model.UrgencyMedium
	default:
		rec.Urgency = model.UrgencyLow
	}
	return rec
}

// timing rewards weekday working hours and penalizes the night.
func timing(now time.Time) float64 {
	h := now.Hour()
	weekend := now.Weekday() == time.Saturday || now.Weekday() == time.Sunday
	switch {
	case h < 7 || h >= 23:
		return 2
	case weekend:
		return 8
	case h >= 9 && h < 18:
		return 15
	default:
		return 10
	}
}

func lastDays(history []model.UsagePoint, now time.Time, days int) []model.UsagePoint {
	from := now.AddDate(0, 0, -days).Format("2006-01-02")
	var out []model.UsagePoint
	for _, p := range history {
		if p.Day > from {
			out = append(out, p)
		}
	}
	return out
}

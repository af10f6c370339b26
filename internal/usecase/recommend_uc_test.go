//go:build !integration

package usecase

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/infra/db/memory"
)

// a Wednesday morning
var scoringNow = time.Date(2026, 10, 14, 10, 30, 0, 0, time.UTC)

func heavyUser(now time.Time) model.BehaviorSnapshot {
	var history []model.UsagePoint
	for d := 1; d <= 5; d++ {
		history = append(history, model.UsagePoint{
			Day:       now.AddDate(0, 0, -d).Format("2006-01-02"),
			Dimension: model.DimensionCreate,
			Used:      3,
			Limit:     3,
		})
	}
	return model.BehaviorSnapshot{
		UserID:            "user-1",
		Tier:              model.TierFree,
		RegistrationDate:  now.AddDate(0, -3, 0),
		Sessions:          model.SessionStats{AvgPerWeek: 9},
		QuotaUsageHistory: history,
		FeatureUsage:      map[string]int{"create": 40, "reuse": 12, "export": 2, "graph": 5},
	}
}

func TestScore(t *testing.T) {
	full := &model.QuotaUsage{Dimension: model.DimensionCreate, Used: 3, Limit: 3}

	tests := []struct {
		name        string
		snap        func() model.BehaviorSnapshot
		ctx         model.ScoringContext
		wantKind    model.RecommendationKind
		wantUrgency model.Urgency
		minScore    int
		maxScore    int
	}{
		{
			name:        "should push hard for an engaged user at the limit",
			snap:        func() model.BehaviorSnapshot { return heavyUser(scoringNow) },
			ctx:         model.ScoringContext{Now: scoringNow, Trigger: model.TriggerQuotaDenied, Usage: full, Denied: true},
			wantKind:    model.RecommendAggressive,
			wantUrgency: model.UrgencyHigh,
			minScore:    95,
			maxScore:    100,
		},
		{
			name: "should cap to gentle when prompts are mostly dismissed",
			snap: func() model.BehaviorSnapshot {
				b := heavyUser(scoringNow)
				b.PromptViews, b.PromptDismissals = 4, 3
				return b
			},
			ctx:         model.ScoringContext{Now: scoringNow, Trigger: model.TriggerQuotaDenied, Usage: full, Denied: true},
			wantKind:    model.RecommendGentle,
			wantUrgency: model.UrgencyHigh,
			minScore:    65,
			maxScore:    75,
		},
		{
			name:        "should stay quiet for a new user at night",
			snap:        func() model.BehaviorSnapshot { return model.BehaviorSnapshot{UserID: "u"} },
			ctx:         model.ScoringContext{Now: time.Date(2026, 10, 14, 3, 0, 0, 0, time.UTC), Trigger: model.TriggerProactive},
			wantKind:    model.RecommendNone,
			wantUrgency: model.UrgencyLow,
			minScore:    0,
			maxScore:    5,
		},
		{
			name:        "should raise urgency near the limit",
			snap:        func() model.BehaviorSnapshot { return model.BehaviorSnapshot{UserID: "u"} },
			ctx:         model.ScoringContext{Now: scoringNow, Trigger: model.TriggerQuotaWarning, Usage: &model.QuotaUsage{Used: 17, Limit: 20}},
			wantKind:    model.RecommendGentle,
			wantUrgency: model.UrgencyMedium,
			minScore:    45,
			maxScore:    50,
		},
		{
			name: "should never recommend to admins",
			snap: func() model.BehaviorSnapshot {
				b := heavyUser(scoringNow)
				b.Tier = model.TierAdmin
				return b
			},
			ctx:         model.ScoringContext{Now: scoringNow, Trigger: model.TriggerQuotaDenied, Usage: full, Denied: true},
			wantKind:    model.RecommendNone,
			wantUrgency: model.UrgencyLow,
			minScore:    0,
			maxScore:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Score(tt.snap(), tt.ctx)
			assert.Equal(t, tt.wantKind, rec.Kind)
			assert.Equal(t, tt.wantUrgency, rec.Urgency)
			assert.GreaterOrEqual(t, rec.Score, tt.minScore)
			assert.LessOrEqual(t, rec.Score, tt.maxScore)
		})
	}

	t.Run("should be deterministic", func(t *testing.T) {
		ctx := model.ScoringContext{Now: scoringNow, Trigger: model.TriggerProactive}
		assert.Equal(t, Score(heavyUser(scoringNow), ctx), Score(heavyUser(scoringNow), ctx))
	})

	t.Run("should target the next tier", func(t *testing.T) {
		rec := Score(heavyUser(scoringNow), model.ScoringContext{Now: scoringNow, Usage: full, Denied: true})
		assert.Equal(t, model.TierBasic, rec.TargetTier)
		assert.Contains(t, rec.Reasons, "quota_denied")
	})
}

func TestCooldown(t *testing.T) {
	for _, tc := range []struct {
		rate float64
		want time.Duration
	}{
		{0, 4 * time.Hour},
		{0.5, 14 * time.Hour},
		{1, 24 * time.Hour},
		{3, 24 * time.Hour},
		{-1, 4 * time.Hour},
	} {
		t.Run(fmt.Sprintf("rate %.1f", tc.rate), func(t *testing.T) {
			assert.Equal(t, tc.want, Cooldown(tc.rate))
		})
	}
}

func TestRecommendUseCase_Proactive(t *testing.T) {
	ctx := context.Background()
	usage := []model.QuotaUsage{{Dimension: model.DimensionCreate, Used: 3, Limit: 3}}

	t.Run("should respect the cooldown", func(t *testing.T) {
		behavior := memory.NewBehaviorSource()
		behavior.Put(heavyUser(time.Now()))
		uc := NewRecommendUseCase(behavior, memory.NewCooldown(), newTestLogger())

		first, err := uc.Proactive(ctx, "user-1", model.TierFree, usage)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, model.TriggerProactive, first.Trigger)

		second, err := uc.Proactive(ctx, "user-1", model.TierFree, usage)
		require.NoError(t, err)
		assert.Nil(t, second)
	})

	t.Run("should not spend the cooldown when there is nothing to say", func(t *testing.T) {
		gate := memory.NewCooldown()
		uc := NewRecommendUseCase(memory.NewBehaviorSource(), gate, newTestLogger())

		rec, err := uc.Proactive(ctx, "user-new", model.TierAdmin, nil)
		require.NoError(t, err)
		assert.Nil(t, rec)

		ok, _ := gate.Acquire(ctx, "recommend:cooldown:user-new", time.Hour)
		assert.True(t, ok)
	})

	t.Run("should score reactively without gating", func(t *testing.T) {
		uc := NewRecommendUseCase(memory.NewBehaviorSource(), memory.NewCooldown(), newTestLogger())
		for i := 0; i < 3; i++ {
			rec, err := uc.Reactive(ctx, "user-1", model.TierBasic, usage[0], true)
			require.NoError(t, err)
			assert.Equal(t, model.UrgencyHigh, rec.Urgency)
			assert.Equal(t, model.TierPro, rec.TargetTier)
		}
	})
}

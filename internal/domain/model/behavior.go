package model

import "time"

// SessionStats summarizes how often the user comes back.
type SessionStats struct {
	SessionsLast30d int           `json:"sessionsLast30d"`
	AvgPerWeek      float64       `json:"avgPerWeek"`
	AvgDuration     time.Duration `json:"avgDuration"`
	LastSeen        time.Time     `json:"lastSeen"`
}

// UsagePoint is one day of quota usage for one dimension.
type UsagePoint struct {
	Day       string    `json:"day"` // 2006-01-02
	Dimension Dimension `json:"dimension"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
}

// BehaviorSnapshot is a read-only projection produced by the analytics side.
type BehaviorSnapshot struct {
	UserID            string         `json:"userId"`
	Tier              Tier           `json:"tier"`
	RegistrationDate  time.Time      `json:"registrationDate"`
	Sessions          SessionStats   `json:"sessionStats"`
	QuotaUsageHistory []UsagePoint   `json:"quotaUsageHistory"`
	FeatureUsage      map[string]int `json:"featureUsage"`
	PromptViews       int            `json:"promptViews"`
	PromptDismissals  int            `json:"promptDismissals"`
}

// DismissalRate is dismissals/views clamped to [0,1]; zero views give 0.
func (b BehaviorSnapshot) DismissalRate() float64 {
	if b.PromptViews <= 0 {
		return 0
	}
	r := float64(b.PromptDismissals) / float64(b.PromptViews)
	if r > 1 {
		return 1
	}
	if r < 0 {
		return 0
	}
	return r
}

// TenureDays counts whole days since registration.
func (b BehaviorSnapshot) TenureDays(now time.Time) int {
	if b.RegistrationDate.IsZero() || now.Before(b.RegistrationDate) {
		return 0
	}
	return int(now.Sub(b.RegistrationDate).Hours() / 24)
}

type Trigger string

const (
	TriggerQuotaDenied  Trigger = "quota_denied"
	TriggerQuotaWarning Trigger = "quota_threshold"
	TriggerProactive    Trigger = "proactive"
)

// ScoringContext carries the moment-specific inputs of a score.
type ScoringContext struct {
	Now     time.Time
	Trigger Trigger
	Usage   *QuotaUsage // quota pressure of the dimension that triggered the check
	Denied  bool
}

type RecommendationKind string

const (
	RecommendNone       RecommendationKind = "none"
	RecommendGentle     RecommendationKind = "gentle"
	RecommendAggressive RecommendationKind = "aggressive"
)

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// Recommendation is advisory output; it never changes entitlement state.
type Recommendation struct {
	Score       int                `json:"score"`
	Kind        RecommendationKind `json:"recommendation"`
	Urgency     Urgency            `json:"urgency"`
	Trigger     Trigger            `json:"trigger"`
	TargetTier  Tier               `json:"targetTier,omitempty"`
	Dimension   Dimension          `json:"dimension,omitempty"`
	Reasons     []string           `json:"reasons,omitempty"`
	GeneratedAt time.Time          `json:"generatedAt"`
}

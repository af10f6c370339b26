package model

import (
	"fmt"
	"strings"
	"time"

	"subscription-engine/internal/domain"
)

// Dimension is a metered kind of usage.
type Dimension string

const (
	DimensionCreate    Dimension = "create"
	DimensionReuse     Dimension = "reuse"
	DimensionExport    Dimension = "export"
	DimensionGraphSize Dimension = "graph_size"
)

var AllDimensions = []Dimension{DimensionCreate, DimensionReuse, DimensionExport, DimensionGraphSize}

func ParseDimension(s string) (Dimension, error) {
	d := Dimension(strings.ToLower(strings.TrimSpace(s)))
	switch d {
	case DimensionCreate, DimensionReuse, DimensionExport, DimensionGraphSize:
		return d, nil
	}
	return "", fmt.Errorf("%w: unknown quota dimension %q", domain.ErrInvalidArgument, s)
}

// Cadence is how often a dimension's counter starts over.
type Cadence string

const (
	CadenceDaily   Cadence = "daily"
	CadenceMonthly Cadence = "monthly"
	// CadencePerRequest dimensions have no counter; the limit caps a single request.
	CadencePerRequest Cadence = "per_request"
)

func (d Dimension) Cadence() Cadence {
	switch d {
	case DimensionExport:
		return CadenceMonthly
	case DimensionGraphSize:
		return CadencePerRequest
	default:
		return CadenceDaily
	}
}

// Unlimited is the limit value that disables a ceiling.
const Unlimited int64 = -1

// QuotaLimits maps each dimension to its limit. A missing dimension has limit 0.
type QuotaLimits map[Dimension]int64

func (q QuotaLimits) Limit(d Dimension) int64 {
	if q == nil {
		return 0
	}
	return q[d]
}

func (q QuotaLimits) Clone() QuotaLimits {
	if q == nil {
		return nil
	}
	cp := make(QuotaLimits, len(q))
	for k, v := range q {
		cp[k] = v
	}
	return cp
}

// BucketKey identifies one counter: a user, a dimension and a calendar window.
type BucketKey struct {
	UserID    string
	Dimension Dimension
	Bucket    string    // 2006-01-02 or 2006-01
	End       time.Time // first instant of the next window
}

// ResolveBucket returns the window containing now in loc. Per-request
// dimensions have no bucket.
func ResolveBucket(userID string, d Dimension, now time.Time, loc *time.Location) (BucketKey, error) {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	k := BucketKey{UserID: userID, Dimension: d}
	switch d.Cadence() {
	case CadenceDaily:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		k.Bucket = start.Format("2006-01-02")
		k.End = start.AddDate(0, 0, 1)
	case CadenceMonthly:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
		k.Bucket = start.Format("2006-01")
		k.End = start.AddDate(0, 1, 0)
	default:
		return BucketKey{}, fmt.Errorf("%w: %s has no bucket", domain.ErrInvalidArgument, d)
	}
	return k, nil
}

func (k BucketKey) String() string {
	return fmt.Sprintf("quota:%s:%s:%s", k.UserID, k.Dimension, k.Bucket)
}

// Expiry is when the bucket may be dropped.
func (k BucketKey) Expiry(grace time.Duration) time.Time {
	return k.End.Add(grace)
}

// QuotaUsage is a read-only view of one dimension.
type QuotaUsage struct {
	Dimension Dimension `json:"dimension"`
	Cadence   Cadence   `json:"cadence"`
	Bucket    string    `json:"bucket,omitempty"`
	Used      int64     `json:"used"`
	Limit     int64     `json:"limit"`
	ResetsAt  time.Time `json:"resetsAt,omitempty"`
}

func (u QuotaUsage) Unlimited() bool { return u.Limit == Unlimited }

// Remaining returns -1 for unlimited dimensions.
func (u QuotaUsage) Remaining() int64 {
	if u.Unlimited() {
		return Unlimited
	}
	if u.Used >= u.Limit {
		return 0
	}
	return u.Limit - u.Used
}

// Ratio is used/limit in [0,1]. A zero limit counts as fully used.
func (u QuotaUsage) Ratio() float64 {
	if u.Unlimited() {
		return 0
	}
	if u.Limit <= 0 {
		return 1
	}
	r := float64(u.Used) / float64(u.Limit)
	if r > 1 {
		return 1
	}
	return r
}

// QuotaDecision is the outcome of a consume attempt. Denied is a normal
// business result, not an error.
type QuotaDecision struct {
	Allowed        bool            `json:"allowed"`
	Usage          QuotaUsage      `json:"usage"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
}

// Remaining mirrors Usage.Remaining for callers that only look at the decision.
func (d QuotaDecision) Remaining() int64 { return d.Usage.Remaining() }

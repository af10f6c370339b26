package model

import (
	"fmt"
	"strings"

	"subscription-engine/internal/domain"
)

// Tier is an ordered entitlement level: free < basic < pro < admin.
type Tier string

const (
	TierFree  Tier = "free"
	TierBasic Tier = "basic"
	TierPro   Tier = "pro"
	TierAdmin Tier = "admin"
)

var tierRank = map[Tier]int{
	TierFree:  0,
	TierBasic: 1,
	TierPro:   2,
	TierAdmin: 3,
}

// ParseTier normalizes s and rejects unknown tiers.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := tierRank[t]; !ok {
		return "", fmt.Errorf("%w: unknown tier %q", domain.ErrInvalidArgument, s)
	}
	return t, nil
}

func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank returns the position of t in the tier order, or -1 for unknown tiers.
func (t Tier) Rank() int {
	r, ok := tierRank[t]
	if !ok {
		return -1
	}
	return r
}

func (t Tier) Less(other Tier) bool { return t.Rank() < other.Rank() }

// Next returns the next purchasable tier. admin is never sold, so pro and
// admin return themselves.
func (t Tier) Next() Tier {
	switch t {
	case TierFree:
		return TierBasic
	case TierBasic:
		return TierPro
	default:
		return t
	}
}

package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"subscription-engine/internal/domain"
)

type PeriodUnit string

const (
	PeriodDay   PeriodUnit = "day"
	PeriodMonth PeriodUnit = "month"
	PeriodYear  PeriodUnit = "year"
)

// BillingPeriod is the length of one paid term.
type BillingPeriod struct {
	Unit  PeriodUnit `json:"unit"`
	Count int        `json:"count"`
}

var (
	Monthly = BillingPeriod{Unit: PeriodMonth, Count: 1}
	Yearly  = BillingPeriod{Unit: PeriodYear, Count: 1}
)

// ParseBillingPeriod accepts "monthly", "yearly", "weekly" or a count with a
// unit suffix: "30d", "3m", "1y".
func ParseBillingPeriod(s string) (BillingPeriod, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "monthly":
		return Monthly, nil
	case "yearly", "annual":
		return Yearly, nil
	case "weekly":
		return BillingPeriod{Unit: PeriodDay, Count: 7}, nil
	}
	if len(s) < 2 {
		return BillingPeriod{}, fmt.Errorf("%w: billing period %q", domain.ErrInvalidArgument, s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return BillingPeriod{}, fmt.Errorf("%w: billing period %q", domain.ErrInvalidArgument, s)
	}
	switch s[len(s)-1] {
	case 'd':
		return BillingPeriod{Unit: PeriodDay, Count: n}, nil
	case 'm':
		return BillingPeriod{Unit: PeriodMonth, Count: n}, nil
	case 'y':
		return BillingPeriod{Unit: PeriodYear, Count: n}, nil
	}
	return BillingPeriod{}, fmt.Errorf("%w: billing period %q", domain.ErrInvalidArgument, s)
}

func (p BillingPeriod) Valid() bool {
	if p.Count <= 0 {
		return false
	}
	switch p.Unit {
	case PeriodDay, PeriodMonth, PeriodYear:
		return true
	}
	return false
}

// Advance returns t moved forward by one period.
func (p BillingPeriod) Advance(t time.Time) time.Time {
	switch p.Unit {
	case PeriodDay:
		return t.AddDate(0, 0, p.Count)
	case PeriodMonth:
		return t.AddDate(0, p.Count, 0)
	case PeriodYear:
		return t.AddDate(p.Count, 0, 0)
	}
	return t
}

func (p BillingPeriod) String() string {
	return fmt.Sprintf("%d%c", p.Count, p.Unit[0])
}

// Plan is a purchasable offer. Subscriptions copy Tier, Period and Quotas at
// creation time so later plan edits never reach existing subscribers.
type Plan struct {
	ID       string
	Name     string
	Tier     Tier
	Price    decimal.Decimal // major units, e.g. 29.90
	Currency string
	Period   BillingPeriod
	Quotas   QuotaLimits
}

func (p *Plan) IsZero() bool { return p == nil || p.ID == "" }

// AmountMinor converts Price to minor units (fen/cents).
func (p *Plan) AmountMinor() int64 {
	return p.Price.Shift(2).Round(0).IntPart()
}

// Free reports whether the plan can be granted without payment.
func (p *Plan) Free() bool { return p.Price.IsZero() }

// NewPlan validates and constructs a plan.
func NewPlan(id, name string, tier Tier, price decimal.Decimal, currency string, period BillingPeriod, quotas QuotaLimits) (*Plan, error) {
	if id == "" || name == "" || !tier.Valid() || price.IsNegative() || !period.Valid() {
		return nil, domain.ErrInvalidArgument
	}
	if currency == "" {
		currency = "CNY"
	}
	return &Plan{
		ID:       id,
		Name:     name,
		Tier:     tier,
		Price:    price,
		Currency: strings.ToUpper(currency),
		Period:   period,
		Quotas:   quotas.Clone(),
	}, nil
}

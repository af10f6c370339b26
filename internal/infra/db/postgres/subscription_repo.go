package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
)

// Ensure subscriptionRepo implements repository.SubscriptionRepository
var _ repository.SubscriptionRepository = (*subscriptionRepo)(nil)

type subscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *subscriptionRepo {
	return &subscriptionRepo{pool: pool}
}

const subscriptionColumns = `id, user_id, plan_id, tier, status, start_date, end_date, next_billing_date,
  cancelled_at, payment_method, last_payment_id, period, quotas, metadata, version, created_at, updated_at`

func (r *subscriptionRepo) Create(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	if s == nil || s.ID == "" {
		return domain.ErrInvalidArgument
	}
	quotas, meta, err := encodeSubscriptionJSON(s)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO subscriptions (
  id, user_id, plan_id, tier, status, start_date, end_date, next_billing_date,
  cancelled_at, payment_method, last_payment_id, period, quotas, metadata, version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17);`
	_, err = execSQL(ctx, r.pool, tx, q,
		s.ID, s.UserID, s.PlanID, string(s.Tier), string(s.Status), s.StartDate, nullTime(s.EndDate), s.NextBillingDate,
		s.CancelledAt, s.PaymentMethod, s.LastPaymentID, s.Period.String(), quotas, meta, s.Version, s.CreatedAt, s.UpdatedAt)
	return mapErr(err)
}

func (r *subscriptionRepo) Update(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	if s == nil || s.ID == "" {
		return domain.ErrInvalidArgument
	}
	quotas, meta, err := encodeSubscriptionJSON(s)
	if err != nil {
		return err
	}
	const q = `
UPDATE subscriptions SET
  tier=$3, status=$4, start_date=$5, end_date=$6, next_billing_date=$7, cancelled_at=$8,
  payment_method=$9, last_payment_id=$10, period=$11, quotas=$12, metadata=$13,
  version=version+1, updated_at=$14
WHERE id=$1 AND version=$2;`
	tag, err := execSQL(ctx, r.pool, tx, q,
		s.ID, s.Version, string(s.Tier), string(s.Status), s.StartDate, nullTime(s.EndDate), s.NextBillingDate, s.CancelledAt,
		s.PaymentMethod, s.LastPaymentID, s.Period.String(), quotas, meta, s.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	s.Version++
	return nil
}

func (r *subscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	q := forUpdate(`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id=$1`, tx) + ";"
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanSubscription(row)
}

func (r *subscriptionRepo) FindCurrentByUser(ctx context.Context, tx repository.Tx, userID string) (*model.Subscription, error) {
	const q = `
SELECT ` + subscriptionColumns + `
  FROM subscriptions
 WHERE user_id=$1 AND status IN ('active','cancelled','suspended')
 ORDER BY COALESCE(status IN ('active','cancelled') AND end_date > $2, false) DESC,
          CASE tier WHEN 'admin' THEN 3 WHEN 'pro' THEN 2 WHEN 'basic' THEN 1 ELSE 0 END DESC,
          end_date DESC NULLS LAST
 LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, userID, time.Now())
	if err != nil {
		return nil, err
	}
	return scanSubscription(row)
}

func (r *subscriptionRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string) ([]*model.Subscription, error) {
	const q = `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id=$1 ORDER BY created_at DESC;`
	return r.list(ctx, tx, q, userID)
}

func (r *subscriptionRepo) ListEndedBefore(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + subscriptionColumns + `
  FROM subscriptions
 WHERE status IN ('active','cancelled','suspended') AND end_date <= $1
 ORDER BY end_date ASC
 LIMIT $2;`
	return r.list(ctx, tx, q, cutoff, limit)
}

func (r *subscriptionRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.Subscription, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, mapErr(rows.Err())
}

func encodeSubscriptionJSON(s *model.Subscription) ([]byte, []byte, error) {
	quotas, err := json.Marshal(s.Quotas)
	if err != nil {
		return nil, nil, domain.ErrInvalidArgument
	}
	md := s.Metadata
	if md == nil {
		md = map[string]string{}
	}
	meta, err := json.Marshal(md)
	if err != nil {
		return nil, nil, domain.ErrInvalidArgument
	}
	return quotas, meta, nil
}

func scanSubscription(row pgx.Row) (*model.Subscription, error) {
	var (
		s      model.Subscription
		tier   string
		status string
		end    *time.Time
		period string
		quotas []byte
		meta   []byte
	)
	err := row.Scan(&s.ID, &s.UserID, &s.PlanID, &tier, &status, &s.StartDate, &end, &s.NextBillingDate,
		&s.CancelledAt, &s.PaymentMethod, &s.LastPaymentID, &period, &quotas, &meta, &s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	s.Tier = model.Tier(tier)
	s.Status = model.SubscriptionStatus(status)
	s.EndDate = derefTime(end)
	if s.Period, err = model.ParseBillingPeriod(period); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	if err := json.Unmarshal(quotas, &s.Quotas); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	if err := json.Unmarshal(meta, &s.Metadata); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return &s, nil
}

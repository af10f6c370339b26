package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
)

var _ repository.PaymentRepository = (*paymentRepo)(nil)

type paymentRepo struct{ pool *pgxpool.Pool }

func NewPaymentRepo(pool *pgxpool.Pool) *paymentRepo {
	return &paymentRepo{pool: pool}
}

const paymentColumns = `id, transaction_id, subscription_id, user_id, plan_id, amount, currency, status,
  billing_period_start, billing_period_end, paid_at, failure_reason, retry_count, qr_code_url, expires_at,
  version, created_at, updated_at`

func (r *paymentRepo) Create(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	if p == nil || p.ID == "" {
		return domain.ErrInvalidArgument
	}
	const q = `
INSERT INTO payments (
  id, transaction_id, subscription_id, user_id, plan_id, amount, currency, status,
  billing_period_start, billing_period_end, paid_at, failure_reason, retry_count, qr_code_url, expires_at,
  version, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18);`
	_, err := execSQL(ctx, r.pool, tx, q,
		p.ID, p.TransactionID, p.SubscriptionID, p.UserID, p.PlanID, p.Amount, p.Currency, string(p.Status),
		nullTime(p.BillingPeriodStart), nullTime(p.BillingPeriodEnd), p.PaidAt, p.FailureReason, p.RetryCount, p.QRCodeURL, p.ExpiresAt,
		p.Version, p.CreatedAt, p.UpdatedAt)
	return mapErr(err)
}

func (r *paymentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Payment, error) {
	q := forUpdate(`SELECT `+paymentColumns+` FROM payments WHERE id=$1`, tx) + ";"
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	return scanPayment(row)
}

// Transition is the conditional update every reconciliation funnels through:
// only a non-terminal row at the expected version moves.
func (r *paymentRepo) Transition(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	const q = `
UPDATE payments SET
  transaction_id=$3, status=$4, billing_period_start=$5, billing_period_end=$6, paid_at=$7,
  failure_reason=$8, retry_count=$9, version=version+1, updated_at=$10
WHERE id=$1 AND version=$2 AND status NOT IN ('completed','failed');`
	tag, err := execSQL(ctx, r.pool, tx, q,
		p.ID, p.Version, p.TransactionID, string(p.Status), nullTime(p.BillingPeriodStart), nullTime(p.BillingPeriodEnd), p.PaidAt,
		p.FailureReason, p.RetryCount, p.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	p.Version++
	return nil
}

func (r *paymentRepo) ListPendingBySubscription(ctx context.Context, tx repository.Tx, subscriptionID string) ([]*model.Payment, error) {
	const q = `
SELECT ` + paymentColumns + `
  FROM payments
 WHERE subscription_id=$1 AND status IN ('pending','processing')
 ORDER BY created_at ASC;`
	return r.list(ctx, tx, q, subscriptionID)
}

func (r *paymentRepo) ListPendingExpiredBefore(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `
SELECT ` + paymentColumns + `
  FROM payments
 WHERE status IN ('pending','processing') AND expires_at < $1
 ORDER BY expires_at ASC
 LIMIT $2;`
	return r.list(ctx, tx, q, cutoff, limit)
}

func (r *paymentRepo) AppendAudit(ctx context.Context, tx repository.Tx, a *model.PaymentAudit) error {
	const q = `
INSERT INTO payment_audit (payment_id, subscription_id, from_status, to_status, source, note, at)
VALUES ($1,$2,$3,$4,$5,$6,$7);`
	_, err := execSQL(ctx, r.pool, tx, q, a.PaymentID, a.SubscriptionID, string(a.From), string(a.To), string(a.Source), a.Note, a.At)
	return mapErr(err)
}

func (r *paymentRepo) ListAudit(ctx context.Context, tx repository.Tx, paymentID string) ([]*model.PaymentAudit, error) {
	const q = `
SELECT payment_id, subscription_id, from_status, to_status, source, note, at
  FROM payment_audit
 WHERE payment_id=$1
 ORDER BY id ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q, paymentID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*model.PaymentAudit
	for rows.Next() {
		var (
			a                model.PaymentAudit
			from, to, source string
		)
		if err := rows.Scan(&a.PaymentID, &a.SubscriptionID, &from, &to, &source, &a.Note, &a.At); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
		a.From = model.PaymentStatus(from)
		a.To = model.PaymentStatus(to)
		a.Source = model.EventSource(source)
		out = append(out, &a)
	}
	return out, mapErr(rows.Err())
}

func (r *paymentRepo) list(ctx context.Context, tx repository.Tx, q string, args ...interface{}) ([]*model.Payment, error) {
	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err())
}

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p          model.Payment
		status     string
		start, end *time.Time
	)
	err := row.Scan(&p.ID, &p.TransactionID, &p.SubscriptionID, &p.UserID, &p.PlanID, &p.Amount, &p.Currency, &status,
		&start, &end, &p.PaidAt, &p.FailureReason, &p.RetryCount, &p.QRCodeURL, &p.ExpiresAt,
		&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	p.Status = model.PaymentStatus(status)
	p.BillingPeriodStart = derefTime(start)
	p.BillingPeriodEnd = derefTime(end)
	return &p, nil
}

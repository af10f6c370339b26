package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/shopspring/decimal"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
)

var _ repository.PlanRepository = (*planRepo)(nil)

type planRepo struct {
	pool *pgxpool.Pool
}

func NewPlanRepo(pool *pgxpool.Pool) *planRepo {
	return &planRepo{pool: pool}
}

const planColumns = `id, name, tier, price::text, currency, period, quotas`

func (r *planRepo) Save(ctx context.Context, tx repository.Tx, p *model.Plan) error {
	quotas, err := json.Marshal(p.Quotas)
	if err != nil {
		return fmt.Errorf("%w: quotas: %v", domain.ErrInvalidArgument, err)
	}
	const q = `
INSERT INTO plans (id, name, tier, price, currency, period, quotas, created_at, updated_at)
VALUES ($1, $2, $3, $4::numeric, $5, $6, $7, NOW(), NOW())
ON CONFLICT (id) DO UPDATE SET
  name=$2, tier=$3, price=$4::numeric, currency=$5, period=$6, quotas=$7, updated_at=NOW();`
	_, err = execSQL(ctx, r.pool, tx, q, p.ID, p.Name, string(p.Tier), p.Price.String(), p.Currency, p.Period.String(), quotas)
	return mapErr(err)
}

func (r *planRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error) {
	q := `SELECT ` + planColumns + ` FROM plans WHERE id=$1;`
	row, err := pickRow(ctx, r.pool, tx, q, id)
	if err != nil {
		return nil, err
	}
	p, err := scanPlan(row)
	if err != nil {
		if err == domain.ErrNotFound {
			return nil, fmt.Errorf("%w: %s", domain.ErrPlanNotFound, id)
		}
		return nil, err
	}
	return p, nil
}

func (r *planRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	q := `SELECT ` + planColumns + ` FROM plans ORDER BY price ASC, id ASC;`
	rows, err := queryRows(ctx, r.pool, tx, q)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []*model.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err())
}

func (r *planRepo) DefaultForTier(ctx context.Context, tx repository.Tx, tier model.Tier) (*model.Plan, error) {
	q := `SELECT ` + planColumns + ` FROM plans WHERE tier=$1 ORDER BY price ASC, id ASC LIMIT 1;`
	row, err := pickRow(ctx, r.pool, tx, q, string(tier))
	if err != nil {
		return nil, err
	}
	p, err := scanPlan(row)
	if err == domain.ErrNotFound {
		return nil, fmt.Errorf("%w: no %s plan", domain.ErrPlanNotFound, tier)
	}
	return p, err
}

func scanPlan(row pgx.Row) (*model.Plan, error) {
	var (
		p      model.Plan
		tier   string
		price  string
		period string
		quotas []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &tier, &price, &p.Currency, &period, &quotas); err != nil {
		if err == pgx.ErrNoRows {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrReadDatabaseRow
	}
	var err error
	p.Tier = model.Tier(tier)
	if p.Price, err = decimal.NewFromString(price); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	if p.Period, err = model.ParseBillingPeriod(period); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	if err := json.Unmarshal(quotas, &p.Quotas); err != nil {
		return nil, domain.ErrReadDatabaseRow
	}
	return &p, nil
}

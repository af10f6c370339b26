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

var _ repository.QuotaCounter = (*quotaCounter)(nil)

// quotaCounter keeps buckets in quota_buckets. The ceiling is enforced by the
// upsert itself, so concurrent requests cannot jointly overshoot.
type quotaCounter struct{ pool *pgxpool.Pool }

func NewQuotaCounter(pool *pgxpool.Pool) *quotaCounter {
	return &quotaCounter{pool: pool}
}

func (c *quotaCounter) IncrementWithCeiling(ctx context.Context, key model.BucketKey, amount, limit int64, expireAt time.Time) (int64, bool, error) {
	if amount <= 0 {
		return 0, false, domain.ErrInvalidArgument
	}
	const q = `
INSERT INTO quota_buckets (user_id, dimension, bucket, used, expire_at)
SELECT $1, $2, $3, $4::bigint, $6
 WHERE $4::bigint <= $5::bigint
ON CONFLICT (user_id, dimension, bucket) DO UPDATE
   SET used = quota_buckets.used + EXCLUDED.used,
       expire_at = GREATEST(quota_buckets.expire_at, EXCLUDED.expire_at)
 WHERE quota_buckets.used + EXCLUDED.used <= $5::bigint
RETURNING used;`
	row, err := pickRow(ctx, c.pool, nil, q, key.UserID, string(key.Dimension), key.Bucket, amount, limit, expireAt)
	if err != nil {
		return 0, false, err
	}
	var used int64
	if err := row.Scan(&used); err != nil {
		if err != pgx.ErrNoRows {
			return 0, false, mapErr(err)
		}
		// the ceiling held; report the stored value unchanged
		cur, err := c.Used(ctx, key)
		return cur, false, err
	}
	return used, true, nil
}

func (c *quotaCounter) Used(ctx context.Context, key model.BucketKey) (int64, error) {
	const q = `SELECT used FROM quota_buckets WHERE user_id=$1 AND dimension=$2 AND bucket=$3;`
	row, err := pickRow(ctx, c.pool, nil, q, key.UserID, string(key.Dimension), key.Bucket)
	if err != nil {
		return 0, err
	}
	var used int64
	if err := row.Scan(&used); err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, mapErr(err)
	}
	return used, nil
}

func (c *quotaCounter) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := execSQL(ctx, c.pool, nil, `DELETE FROM quota_buckets WHERE expire_at < $1;`, now)
	if err != nil {
		return 0, mapErr(err)
	}
	return int(tag.RowsAffected()), nil
}

package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
)

var _ repository.QuotaCounter = (*QuotaCounter)(nil)

// luaIncrCeiling adds ARGV[1] unless that would pass ARGV[2]. The key expires
// at ARGV[3] (unix ms). Returns {ok, used}.
var luaIncrCeiling = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = tonumber(ARGV[1])
if cur + n > tonumber(ARGV[2]) then
	return {0, cur}
end
local v = redis.call("INCRBY", KEYS[1], n)
redis.call("PEXPIREAT", KEYS[1], ARGV[3])
return {1, v}`)

// QuotaCounter keeps one Redis key per bucket. Keys expire by themselves, so
// Sweep has nothing to do.
type QuotaCounter struct {
	cli *redis.Client
}

func NewQuotaCounter(c *Client) *QuotaCounter {
	return &QuotaCounter{cli: c.cli}
}

func (c *QuotaCounter) IncrementWithCeiling(ctx context.Context, key model.BucketKey, amount, limit int64, expireAt time.Time) (int64, bool, error) {
	if amount <= 0 {
		return 0, false, domain.ErrInvalidArgument
	}
	res, err := luaIncrCeiling.Run(ctx, c.cli, []string{key.String()}, amount, limit, expireAt.UnixMilli()).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("quota incr %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("quota incr %s: unexpected reply %v", key, res)
	}
	return res[1], res[0] == 1, nil
}

func (c *QuotaCounter) Used(ctx context.Context, key model.BucketKey) (int64, error) {
	v, err := c.cli.Get(ctx, key.String()).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota get %s: %w", key, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("quota get %s: %w", key, err)
	}
	return n, nil
}

func (c *QuotaCounter) Sweep(ctx context.Context, now time.Time) (int, error) { return 0, nil }

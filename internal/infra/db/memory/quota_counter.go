package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
)

var _ repository.QuotaCounter = (*QuotaCounter)(nil)

const counterShards = 32

type bucket struct {
	used     int64
	expireAt time.Time
}

type counterShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// QuotaCounter is a sharded in-process counter. Each key is guarded by its
// shard's mutex, so the check and the increment happen together.
type QuotaCounter struct {
	shards [counterShards]*counterShard
}

func NewQuotaCounter() *QuotaCounter {
	c := &QuotaCounter{}
	for i := range c.shards {
		c.shards[i] = &counterShard{buckets: make(map[string]*bucket)}
	}
	return c
}

func (c *QuotaCounter) shard(key string) *counterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%counterShards]
}

func (c *QuotaCounter) IncrementWithCeiling(ctx context.Context, key model.BucketKey, amount, limit int64, expireAt time.Time) (int64, bool, error) {
	if amount <= 0 {
		return 0, false, domain.ErrInvalidArgument
	}
	k := key.String()
	sh := c.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[k]
	if !ok {
		b = &bucket{expireAt: expireAt}
		sh.buckets[k] = b
	}
	if limit != model.Unlimited && b.used+amount > limit {
		return b.used, false, nil
	}
	b.used += amount
	return b.used, true, nil
}

func (c *QuotaCounter) Used(ctx context.Context, key model.BucketKey) (int64, error) {
	k := key.String()
	sh := c.shard(k)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if b, ok := sh.buckets[k]; ok {
		return b.used, nil
	}
	return 0, nil
}

func (c *QuotaCounter) Sweep(ctx context.Context, now time.Time) (int, error) {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, b := range sh.buckets {
			if b.expireAt.Before(now) {
				delete(sh.buckets, k)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n, nil
}

package redis

import (
	"context"
	"time"

	"subscription-engine/internal/domain/ports/adapter"
)

var _ adapter.CooldownGate = (*Cooldown)(nil)

// Cooldown lets one caller through per key until the key expires.
type Cooldown struct {
	client RedisClient
	prefix string
}

func NewCooldown(client RedisClient) *Cooldown {
	return &Cooldown{client: client, prefix: "cooldown:"}
}

func (c *Cooldown) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, c.prefix+key, time.Now().Unix(), ttl)
}

package adapter

import (
	"context"
	"time"

	"subscription-engine/internal/domain/model"
)

// EventPublisher delivers state changes to downstream consumers at least once.
// Publish never blocks on consumers.
type EventPublisher interface {
	Publish(ctx context.Context, change model.StateChange)
}

// BehaviorSource supplies read-only behavior snapshots. A user without a
// snapshot yields an empty one, not an error.
type BehaviorSource interface {
	Snapshot(ctx context.Context, userID string) (*model.BehaviorSnapshot, error)
}

// CooldownGate lets one caller through per key until ttl elapses.
type CooldownGate interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Locker is a best-effort distributed mutex for background work.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Unlock(ctx context.Context, key, token string) error
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
)

var _ adapter.BehaviorSource = (*BehaviorSource)(nil)

// BehaviorSource reads the JSON snapshots the analytics side writes under
// behavior:<userID>.
type BehaviorSource struct {
	client RedisClient
	ttl    time.Duration
}

func NewBehaviorSource(client RedisClient, ttl time.Duration) *BehaviorSource {
	return &BehaviorSource{client: client, ttl: ttl}
}

func behaviorKey(userID string) string { return "behavior:" + userID }

func (b *BehaviorSource) Snapshot(ctx context.Context, userID string) (*model.BehaviorSnapshot, error) {
	data, err := b.client.Get(ctx, behaviorKey(userID))
	if IsNil(err) {
		return &model.BehaviorSnapshot{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("behavior snapshot %s: %w", userID, err)
	}
	var s model.BehaviorSnapshot
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("behavior snapshot %s: %w", userID, err)
	}
	s.UserID = userID
	return &s, nil
}

// Put stores a snapshot; used by the demo and by tooling that replays
// analytics data.
func (b *BehaviorSource) Put(ctx context.Context, s model.BehaviorSnapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, behaviorKey(s.UserID), data, b.ttl)
}

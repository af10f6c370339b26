//go:build !integration

package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
	red "subscription-engine/internal/infra/redis"
)

// --- Mocks for Cache Decorator Tests ---

// mockInnerPlanRepo mocks the database repository that the Plan decorator wraps.
type mockInnerPlanRepo struct {
	SaveFunc           func(ctx context.Context, tx repository.Tx, plan *model.Plan) error
	FindByIDFunc       func(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error)
	ListAllFunc        func(ctx context.Context, tx repository.Tx) ([]*model.Plan, error)
	DefaultForTierFunc func(ctx context.Context, tx repository.Tx, tier model.Tier) (*model.Plan, error)
}

func (m *mockInnerPlanRepo) Save(ctx context.Context, tx repository.Tx, plan *model.Plan) error {
	return m.SaveFunc(ctx, tx, plan)
}
func (m *mockInnerPlanRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Plan, error) {
	return m.FindByIDFunc(ctx, tx, id)
}
func (m *mockInnerPlanRepo) ListAll(ctx context.Context, tx repository.Tx) ([]*model.Plan, error) {
	return m.ListAllFunc(ctx, tx)
}
func (m *mockInnerPlanRepo) DefaultForTier(ctx context.Context, tx repository.Tx, tier model.Tier) (*model.Plan, error) {
	return m.DefaultForTierFunc(ctx, tx, tier)
}

// mockInnerSubRepo mocks the repository the subscription decorator wraps.
// Only the methods the tests touch are wired.
type mockInnerSubRepo struct {
	repository.SubscriptionRepository
	mu                    sync.Mutex
	findCurrentCalls      int
	FindCurrentByUserFunc func(ctx context.Context, tx repository.Tx, userID string) (*model.Subscription, error)
	UpdateFunc            func(ctx context.Context, tx repository.Tx, s *model.Subscription) error
}

func (m *mockInnerSubRepo) FindCurrentByUser(ctx context.Context, tx repository.Tx, userID string) (*model.Subscription, error) {
	m.mu.Lock()
	m.findCurrentCalls++
	m.mu.Unlock()
	return m.FindCurrentByUserFunc(ctx, tx, userID)
}

func (m *mockInnerSubRepo) Update(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	return m.UpdateFunc(ctx, tx, s)
}

func (m *mockInnerSubRepo) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findCurrentCalls
}

// mockRedisClient mocks the Redis client. Unset funcs behave like an empty
// cache.
type mockRedisClient struct {
	GetFunc func(ctx context.Context, key string) (string, error)
	SetFunc func(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	DelFunc func(ctx context.Context, keys ...string) error
}

var _ red.RedisClient = (*mockRedisClient)(nil)

func (m *mockRedisClient) Get(ctx context.Context, key string) (string, error) {
	if m.GetFunc != nil {
		return m.GetFunc(ctx, key)
	}
	return "", redis.Nil
}
func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if m.SetFunc != nil {
		return m.SetFunc(ctx, key, value, expiration)
	}
	return nil
}
func (m *mockRedisClient) Del(ctx context.Context, keys ...string) error {
	if m.DelFunc != nil {
		return m.DelFunc(ctx, keys...)
	}
	return nil
}
func (m *mockRedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return true, nil
}
func (m *mockRedisClient) Ping(ctx context.Context) error                                 { return nil }
func (m *mockRedisClient) Incr(ctx context.Context, key string) (int64, error)            { return 0, nil }
func (m *mockRedisClient) Expire(ctx context.Context, key string, exp time.Duration) error { return nil }
func (m *mockRedisClient) Close() error                                                   { return nil }

// mapCache is a mockRedisClient backed by a map.
func mapCache() (*mockRedisClient, map[string]string) {
	var mu sync.Mutex
	data := map[string]string{}
	return &mockRedisClient{
		GetFunc: func(ctx context.Context, key string) (string, error) {
			mu.Lock()
			defer mu.Unlock()
			v, ok := data[key]
			if !ok {
				return "", redis.Nil
			}
			return v, nil
		},
		SetFunc: func(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
			mu.Lock()
			defer mu.Unlock()
			switch v := value.(type) {
			case []byte:
				data[key] = string(v)
			case string:
				data[key] = v
			}
			return nil
		},
		DelFunc: func(ctx context.Context, keys ...string) error {
			mu.Lock()
			defer mu.Unlock()
			for _, k := range keys {
				delete(data, k)
			}
			return nil
		},
	}, data
}

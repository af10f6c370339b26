package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
	"subscription-engine/internal/infra/metrics"
	red "subscription-engine/internal/infra/redis"
)

var _ repository.SubscriptionRepository = (*subscriptionRepoCacheDecorator)(nil)

// noSubscription marks a user known to have no current subscription.
const noSubscription = "-"

// subscriptionRepoCacheDecorator caches FindCurrentByUser, the lookup every
// quota check starts with. Reads inside a transaction always go to the
// database. Writes invalidate; Invalidate repeats that after commit.
type subscriptionRepoCacheDecorator struct {
	repository.SubscriptionRepository
	cache red.RedisClient
	ttl   time.Duration
	group singleflight.Group
	log   *zerolog.Logger
}

func NewSubscriptionRepoCacheDecorator(inner repository.SubscriptionRepository, cache red.RedisClient, ttl time.Duration, logger *zerolog.Logger) *subscriptionRepoCacheDecorator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	l := logger.With().Str("component", "SubscriptionCache").Logger()
	return &subscriptionRepoCacheDecorator{SubscriptionRepository: inner, cache: cache, ttl: ttl, log: &l}
}

func currentSubKey(userID string) string { return "sub:current:" + userID }

func (d *subscriptionRepoCacheDecorator) FindCurrentByUser(ctx context.Context, tx repository.Tx, userID string) (*model.Subscription, error) {
	if tx != nil {
		return d.SubscriptionRepository.FindCurrentByUser(ctx, tx, userID)
	}
	key := currentSubKey(userID)
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		if val == noSubscription {
			metrics.IncCacheRequest("subscription", "hit")
			return nil, domain.ErrNotFound
		}
		var s model.Subscription
		if json.Unmarshal([]byte(val), &s) == nil {
			metrics.IncCacheRequest("subscription", "hit")
			return &s, nil
		}
	} else if !red.IsNil(err) {
		d.log.Warn().Err(err).Str("user_id", userID).Msg("subscription cache read failed")
	}

	metrics.IncCacheRequest("subscription", "miss")
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		s, err := d.SubscriptionRepository.FindCurrentByUser(ctx, nil, userID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			_ = d.cache.Set(ctx, key, noSubscription, d.ttl)
			return nil, err
		case err != nil:
			return nil, err
		}
		if b, err := json.Marshal(s); err == nil {
			_ = d.cache.Set(ctx, key, b, d.ttl)
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Subscription).Clone(), nil
}

func (d *subscriptionRepoCacheDecorator) Create(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	if err := d.SubscriptionRepository.Create(ctx, tx, s); err != nil {
		return err
	}
	d.drop(ctx, s.UserID)
	return nil
}

func (d *subscriptionRepoCacheDecorator) Update(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	if err := d.SubscriptionRepository.Update(ctx, tx, s); err != nil {
		return err
	}
	d.drop(ctx, s.UserID)
	return nil
}

// Invalidate is the event consumer that drops the entry once a change is
// committed.
func (d *subscriptionRepoCacheDecorator) Invalidate(ctx context.Context, change model.StateChange) error {
	if change.UserID == "" || change.Kind.Operational() {
		return nil
	}
	return d.cache.Del(ctx, currentSubKey(change.UserID))
}

func (d *subscriptionRepoCacheDecorator) drop(ctx context.Context, userID string) {
	if err := d.cache.Del(ctx, currentSubKey(userID)); err != nil {
		d.log.Warn().Err(err).Str("user_id", userID).Msg("subscription cache invalidation failed")
	}
}

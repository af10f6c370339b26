//go:build !integration

package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscription-engine/internal/domain/model"
)

func TestRateLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	fc := newFakeClient()
	rl := NewRateLimiter(fc)
	key := UserRouteKey("u-1", "payments.callback")
	assert.Equal(t, "rate_limit:u-1:payments.callback", key)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, err := rl.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, fc.ttl[key])

	fc.err = errors.New("connection refused")
	_, err = rl.Allow(ctx, key, 3, time.Minute)
	assert.Error(t, err)
}

func TestCooldown_Acquire(t *testing.T) {
	ctx := context.Background()
	fc := newFakeClient()
	c := NewCooldown(fc)

	ok, err := c.Acquire(ctx, "proactive:u-1", 4*time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4*time.Hour, fc.ttl["cooldown:proactive:u-1"])

	ok, err = c.Acquire(ctx, "proactive:u-1", 4*time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBehaviorSource(t *testing.T) {
	ctx := context.Background()
	fc := newFakeClient()
	src := NewBehaviorSource(fc, 24*time.Hour)

	t.Run("should return an empty snapshot for unknown users", func(t *testing.T) {
		s, err := src.Snapshot(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, "nobody", s.UserID)
		assert.Zero(t, s.PromptViews)
	})

	t.Run("should read back what was put", func(t *testing.T) {
		require.NoError(t, src.Put(ctx, model.BehaviorSnapshot{UserID: "u-1", PromptViews: 10, PromptDismissals: 4}))
		s, err := src.Snapshot(ctx, "u-1")
		require.NoError(t, err)
		assert.Equal(t, 10, s.PromptViews)
		assert.InDelta(t, 0.4, s.DismissalRate(), 1e-9)
	})

	t.Run("should report corrupt documents", func(t *testing.T) {
		require.NoError(t, fc.Set(ctx, "behavior:u-2", "{not json", 0))
		_, err := src.Snapshot(ctx, "u-2")
		assert.Error(t, err)
	})
}

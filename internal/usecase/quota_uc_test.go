//go:build !integration

package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/infra/db/memory"
)

func newQuotaUC(env *testEnv, rec RecommendUseCase) *quotaUC {
	return NewQuotaUseCase(memory.NewQuotaCounter(), env.lifecycle, rec, QuotaOptions{
		Location: time.FixedZone("UTC+8", 8*3600),
	}, newTestLogger())
}

func TestQuotaUseCase_TryConsume(t *testing.T) {
	ctx := context.Background()

	t.Run("should deny the free tier past its daily limit", func(t *testing.T) {
		env := newTestEnv(t)
		stub := &stubRecommender{}
		q := newQuotaUC(env, stub)

		for i := 0; i < 3; i++ {
			dec, err := q.TryConsume(ctx, "user-1", model.DimensionCreate, 1)
			require.NoError(t, err)
			require.True(t, dec.Allowed)
		}
		dec, err := q.TryConsume(ctx, "user-1", model.DimensionCreate, 1)
		require.NoError(t, err)
		assert.False(t, dec.Allowed)
		assert.Equal(t, int64(0), dec.Remaining())
		assert.Equal(t, int64(3), dec.Usage.Used)
		require.NotEmpty(t, stub.denied)
		assert.True(t, stub.denied[len(stub.denied)-1])
	})

	t.Run("should deny the 101st pro create with an urgent recommendation", func(t *testing.T) {
		env := newTestEnv(t)
		env.activeSub(t, "user-pro", "pro-monthly", time.Now().Add(10*24*time.Hour))
		rec := NewRecommendUseCase(memory.NewBehaviorSource(), memory.NewCooldown(), newTestLogger())
		q := newQuotaUC(env, rec)

		dec, err := q.TryConsume(ctx, "user-pro", model.DimensionCreate, 100)
		require.NoError(t, err)
		require.True(t, dec.Allowed)

		dec, err = q.TryConsume(ctx, "user-pro", model.DimensionCreate, 1)
		require.NoError(t, err)
		assert.False(t, dec.Allowed)
		assert.Equal(t, int64(100), dec.Usage.Used)
		require.NotNil(t, dec.Recommendation)
		assert.NotEqual(t, model.UrgencyLow, dec.Recommendation.Urgency)
		assert.Equal(t, model.TriggerQuotaDenied, dec.Recommendation.Trigger)
	})

	t.Run("should never overshoot under concurrency", func(t *testing.T) {
		env := newTestEnv(t)
		env.activeSub(t, "user-1", "basic-monthly", time.Now().Add(24*time.Hour))
		q := newQuotaUC(env, nil)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed int
		)
		for i := 0; i < 200; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				dec, err := q.TryConsume(ctx, "user-1", model.DimensionCreate, 1)
				if err == nil && dec.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 20, allowed)
		usage, err := q.Remaining(ctx, "user-1", model.DimensionCreate)
		require.NoError(t, err)
		assert.Equal(t, int64(20), usage.Used)
	})

	t.Run("should not count unlimited dimensions", func(t *testing.T) {
		env := newTestEnv(t)
		env.activeSub(t, "user-pro", "pro-monthly", time.Now().Add(24*time.Hour))
		q := newQuotaUC(env, nil)

		dec, err := q.TryConsume(ctx, "user-pro", model.DimensionReuse, 1_000_000)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		assert.Equal(t, model.Unlimited, dec.Remaining())
	})

	t.Run("should cap per-request dimensions without a counter", func(t *testing.T) {
		env := newTestEnv(t)
		q := newQuotaUC(env, nil)

		dec, err := q.TryConsume(ctx, "user-1", model.DimensionGraphSize, 50)
		require.NoError(t, err)
		assert.True(t, dec.Allowed)
		dec, err = q.TryConsume(ctx, "user-1", model.DimensionGraphSize, 50)
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "each request stands alone")
		dec, err = q.TryConsume(ctx, "user-1", model.DimensionGraphSize, 51)
		require.NoError(t, err)
		assert.False(t, dec.Allowed)
	})

	t.Run("should call the recommender once when crossing the warning line", func(t *testing.T) {
		env := newTestEnv(t)
		env.activeSub(t, "user-1", "basic-monthly", time.Now().Add(24*time.Hour))
		stub := &stubRecommender{rec: &model.Recommendation{Kind: model.RecommendGentle}}
		q := newQuotaUC(env, stub)

		var attached int
		for i := 0; i < 20; i++ {
			dec, err := q.TryConsume(ctx, "user-1", model.DimensionCreate, 1)
			require.NoError(t, err)
			require.True(t, dec.Allowed)
			if dec.Recommendation != nil {
				attached++
			}
		}
		assert.Equal(t, 1, stub.calls)
		assert.Equal(t, 1, attached)
		assert.Equal(t, []bool{false}, stub.denied)
	})

	t.Run("should start a new bucket at local midnight", func(t *testing.T) {
		env := newTestEnv(t)
		q := newQuotaUC(env, nil)
		loc := time.FixedZone("UTC+8", 8*3600)
		q.now = func() time.Time { return time.Date(2026, 3, 1, 23, 59, 0, 0, loc) }

		dec, err := q.TryConsume(ctx, "user-1", model.DimensionCreate, 3)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
		assert.Equal(t, "2026-03-01", dec.Usage.Bucket)

		q.now = func() time.Time { return time.Date(2026, 3, 1, 16, 0, 0, 0, time.UTC) }
		usage, err := q.Remaining(ctx, "user-1", model.DimensionCreate)
		require.NoError(t, err)
		assert.Equal(t, "2026-03-02", usage.Bucket)
		assert.Equal(t, int64(0), usage.Used)
		assert.Equal(t, int64(3), usage.Remaining())
	})

	t.Run("should reject non-positive amounts", func(t *testing.T) {
		env := newTestEnv(t)
		q := newQuotaUC(env, nil)
		_, err := q.TryConsume(ctx, "user-1", model.DimensionCreate, 0)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})
}

func TestQuotaUseCase_Overview(t *testing.T) {
	env := newTestEnv(t)
	q := newQuotaUC(env, nil)
	_, err := q.TryConsume(context.Background(), "user-1", model.DimensionExport, 1)
	require.NoError(t, err)

	all, err := q.Overview(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, all, len(model.AllDimensions))
	for _, u := range all {
		switch u.Dimension {
		case model.DimensionExport:
			assert.Equal(t, model.CadenceMonthly, u.Cadence)
			assert.Equal(t, int64(1), u.Used)
			assert.Equal(t, int64(0), u.Remaining())
		case model.DimensionGraphSize:
			assert.Equal(t, model.CadencePerRequest, u.Cadence)
			assert.Empty(t, u.Bucket)
		}
	}
}

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
)

func TestReconcileUseCase_Apply(t *testing.T) {
	ctx := context.Background()

	t.Run("should activate the subscription exactly once", func(t *testing.T) {
		env := newTestEnv(t)
		order, err := env.orders.CreateOrder(ctx, "user-1", "basic-monthly")
		require.NoError(t, err)

		res, err := env.rec.Apply(ctx, successEvent(order.OrderID, order.Amount), model.SourceWebhook)
		require.NoError(t, err)
		assert.Equal(t, model.ReconcileApplied, res.Outcome)
		require.NotNil(t, res.Subscription)
		assert.Equal(t, model.SubscriptionStatusActive, res.Subscription.Status)
		assert.WithinDuration(t, time.Now().AddDate(0, 1, 0), res.Subscription.EndDate, time.Minute)

		again, err := env.rec.Apply(ctx, successEvent(order.OrderID, order.Amount), model.SourceWebhook)
		require.NoError(t, err)
		assert.Equal(t, model.ReconcileAlreadyReconciled, again.Outcome)

		sub, err := env.subs.FindByID(ctx, nil, order.SubscriptionID)
		require.NoError(t, err)
		assert.True(t, res.Subscription.EndDate.Equal(sub.EndDate), "a duplicate must not extend the term")
		assert.Equal(t, 1, env.events.count(model.ChangePaymentCompleted))
		assert.Equal(t, 1, env.events.count(model.ChangeSubscriptionActivated))

		audit, err := env.payments.ListAudit(ctx, nil, order.OrderID)
		require.NoError(t, err)
		require.Len(t, audit, 1)
		assert.Equal(t, model.PaymentStatusCompleted, audit[0].To)
	})

	t.Run("should converge when webhook and poll race", func(t *testing.T) {
		env := newTestEnv(t)
		order, err := env.orders.CreateOrder(ctx, "user-1", "pro-monthly")
		require.NoError(t, err)

		sources := []model.EventSource{model.SourceWebhook, model.SourcePoll, model.SourceStatusQuery}
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
			errs    []error
		)
		for i := 0; i < 30; i++ {
			wg.Add(1)
			go func(src model.EventSource) {
				defer wg.Done()
				res, err := env.rec.Apply(ctx, successEvent(order.OrderID, order.Amount), src)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, err)
					return
				}
				if res.Outcome == model.ReconcileApplied {
					applied++
				}
			}(sources[i%len(sources)])
		}
		wg.Wait()

		assert.Empty(t, errs)
		assert.Equal(t, 1, applied)
		sub, err := env.subs.FindByID(ctx, nil, order.SubscriptionID)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().AddDate(0, 1, 0), sub.EndDate, time.Minute)
		assert.Equal(t, 1, env.events.count(model.ChangePaymentCompleted))
	})

	t.Run("should extend from the current end date on renewal", func(t *testing.T) {
		env := newTestEnv(t)
		end := time.Now().Add(5 * 24 * time.Hour)
		existing := env.activeSub(t, "user-1", "basic-monthly", end)

		order, err := env.orders.CreateOrder(ctx, "user-1", "basic-monthly")
		require.NoError(t, err)
		assert.Equal(t, existing.ID, order.SubscriptionID, "renewal reuses the subscription")

		res, err := env.rec.Apply(ctx, successEvent(order.OrderID, order.Amount), model.SourcePoll)
		require.NoError(t, err)
		assert.True(t, end.AddDate(0, 1, 0).Equal(res.Subscription.EndDate))
		assert.True(t, end.Equal(res.Payment.BillingPeriodStart))
	})

	t.Run("should leave the subscription untouched on failure", func(t *testing.T) {
		env := newTestEnv(t)
		order, err := env.orders.CreateOrder(ctx, "user-1", "basic-monthly")
		require.NoError(t, err)

		res, err := env.rec.Apply(ctx, failureEvent(order.OrderID, "insufficient_funds"), model.SourceWebhook)
		require.NoError(t, err)
		assert.Equal(t, model.ReconcileApplied, res.Outcome)
		assert.Equal(t, model.PaymentStatusFailed, res.Payment.Status)
		require.NotNil(t, res.Payment.FailureReason)
		assert.Equal(t, "insufficient_funds", *res.Payment.FailureReason)

		sub, err := env.subs.FindByID(ctx, nil, order.SubscriptionID)
		require.NoError(t, err)
		assert.Equal(t, model.SubscriptionStatusPending, sub.Status)

		late, err := env.rec.Apply(ctx, successEvent(order.OrderID, order.Amount), model.SourcePoll)
		require.NoError(t, err)
		assert.Equal(t, model.ReconcileAlreadyReconciled, late.Outcome, "terminal failure is final")
	})

	t.Run("should reject a success with the wrong amount", func(t *testing.T) {
		env := newTestEnv(t)
		order, err := env.orders.CreateOrder(ctx, "user-1", "pro-monthly")
		require.NoError(t, err)

		res, err := env.rec.Apply(ctx, successEvent(order.OrderID, 1), model.SourceWebhook)
		require.NoError(t, err)
		assert.Equal(t, model.ReconcileRejected, res.Outcome)
		assert.Equal(t, model.PaymentStatusFailed, res.Payment.Status)
		assert.Equal(t, reasonAmountMismatch, *res.Payment.FailureReason)
		assert.Equal(t, 1, env.events.count(model.ChangeAmountMismatch))

		sub, err := env.subs.FindByID(ctx, nil, order.SubscriptionID)
		require.NoError(t, err)
		assert.Equal(t, model.SubscriptionStatusPending, sub.Status)
	})

	t.Run("should report unknown orders without failing", func(t *testing.T) {
		env := newTestEnv(t)
		res, err := env.rec.Apply(ctx, successEvent("01NOSUCHORDER", 990), model.SourceWebhook)
		require.NoError(t, err)
		assert.Equal(t, model.ReconcileUnknownOrder, res.Outcome)
		assert.Nil(t, res.Payment)
		assert.Equal(t, 1, env.events.count(model.ChangeUnknownOrder))
	})

	t.Run("should keep pending outcomes pending", func(t *testing.T) {
		env := newTestEnv(t)
		order, err := env.orders.CreateOrder(ctx, "user-1", "basic-monthly")
		require.NoError(t, err)

		res, err := env.rec.Apply(ctx, model.PaymentEvent{OrderID: order.OrderID, Outcome: model.OutcomePending}, model.SourcePoll)
		require.NoError(t, err)
		assert.Equal(t, model.ReconcileStillPending, res.Outcome)
		assert.False(t, res.Terminal())
	})

	t.Run("should start a successor when money arrives for a cancelled subscription", func(t *testing.T) {
		env := newTestEnv(t)
		existing := env.activeSub(t, "user-1", "basic-monthly", time.Now().Add(48*time.Hour))
		order, err := env.orders.CreateOrder(ctx, "user-1", "basic-monthly")
		require.NoError(t, err)
		_, err = env.lifecycle.Cancel(ctx, "user-1", existing.ID)
		require.NoError(t, err)

		res, err := env.rec.Apply(ctx, successEvent(order.OrderID, order.Amount), model.SourceWebhook)
		require.NoError(t, err)
		assert.Equal(t, model.ReconcileApplied, res.Outcome)
		assert.NotEqual(t, existing.ID, res.Subscription.ID)
		assert.Equal(t, existing.ID, res.Subscription.Metadata["predecessor_id"])
		assert.Equal(t, res.Subscription.ID, res.Payment.SubscriptionID)
		assert.True(t, res.Subscription.EndDate.Equal(existing.EndDate.AddDate(0, 1, 0)), "successor starts after the paid term")

		old, err := env.subs.FindByID(ctx, nil, existing.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SubscriptionStatusCancelled, old.Status)
	})

	t.Run("should keep the paid remainder when re-buying a cancelled plan", func(t *testing.T) {
		env := newTestEnv(t)
		prevEnd := time.Now().AddDate(0, 0, 20)
		existing := env.activeSub(t, "user-1", "basic-monthly", prevEnd)
		_, err := env.lifecycle.Cancel(ctx, "user-1", existing.ID)
		require.NoError(t, err)

		order, err := env.orders.CreateOrder(ctx, "user-1", "basic-monthly")
		require.NoError(t, err)
		require.NotEqual(t, existing.ID, order.SubscriptionID)

		res, err := env.rec.Apply(ctx, successEvent(order.OrderID, order.Amount), model.SourceWebhook)
		require.NoError(t, err)
		require.Equal(t, model.ReconcileApplied, res.Outcome)
		assert.True(t, res.Subscription.EndDate.Equal(prevEnd.AddDate(0, 1, 0)), "got %s", res.Subscription.EndDate)
		assert.True(t, res.Payment.BillingPeriodStart.Equal(prevEnd))
	})

	t.Run("should not carry a lower plan's time into an upgrade", func(t *testing.T) {
		env := newTestEnv(t)
		env.activeSub(t, "user-1", "basic-monthly", time.Now().AddDate(0, 0, 20))

		order, err := env.orders.CreateOrder(ctx, "user-1", "pro-monthly")
		require.NoError(t, err)
		res, err := env.rec.Apply(ctx, successEvent(order.OrderID, order.Amount), model.SourceWebhook)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now().AddDate(0, 1, 0), res.Subscription.EndDate, time.Minute)
	})

	t.Run("should honour a late success for a superseded order", func(t *testing.T) {
		env := newTestEnv(t)
		first, err := env.orders.CreateOrder(ctx, "user-1", "basic-monthly")
		require.NoError(t, err)
		_, err = env.orders.CreateOrder(ctx, "user-1", "basic-monthly")
		require.NoError(t, err)

		p, err := env.payments.FindByID(ctx, nil, first.OrderID)
		require.NoError(t, err)
		require.Equal(t, model.PaymentStatusCancelled, p.Status)

		res, err := env.rec.Apply(ctx, successEvent(first.OrderID, first.Amount), model.SourceWebhook)
		require.NoError(t, err)
		assert.Equal(t, model.ReconcileApplied, res.Outcome)
		assert.Equal(t, model.SubscriptionStatusActive, res.Subscription.Status)
	})

	t.Run("should refuse an empty order id", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.rec.Apply(ctx, model.PaymentEvent{Outcome: model.OutcomeSuccess}, model.SourceWebhook)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	})
}

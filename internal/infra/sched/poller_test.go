//go:build !integration

package sched

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
	"subscription-engine/internal/infra/db/memory"
)

func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// scriptedGateway answers QueryStatus from a script; the last entry repeats.
type scriptedGateway struct {
	mu      sync.Mutex
	script  []func(orderID string) (*model.PaymentEvent, error)
	queries int
}

func (g *scriptedGateway) Name() string { return "scripted" }

func (g *scriptedGateway) CreateOrder(ctx context.Context, req adapter.OrderRequest) (*adapter.OrderResponse, error) {
	return &adapter.OrderResponse{CodeURL: "pay://" + req.OrderID}, nil
}

func (g *scriptedGateway) QueryStatus(ctx context.Context, orderID string) (*model.PaymentEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.queries
	if i >= len(g.script) {
		i = len(g.script) - 1
	}
	g.queries++
	return g.script[i](orderID)
}

func (g *scriptedGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.queries
}

func pending(orderID string) (*model.PaymentEvent, error) {
	return &model.PaymentEvent{OrderID: orderID, Outcome: model.OutcomePending}, nil
}

func paid(orderID string) (*model.PaymentEvent, error) {
	amount := int64(990)
	return &model.PaymentEvent{OrderID: orderID, Outcome: model.OutcomeSuccess, AmountPaid: &amount, Currency: "CNY"}, nil
}

func declined(orderID string) (*model.PaymentEvent, error) {
	reason := "card declined"
	return &model.PaymentEvent{OrderID: orderID, Outcome: model.OutcomeFailure, FailureReason: &reason}, nil
}

func transient(orderID string) (*model.PaymentEvent, error) {
	return nil, domain.ErrTransientGateway
}

// stubReconciler mirrors the outcome into a payment status.
type stubReconciler struct {
	mu      sync.Mutex
	sources []model.EventSource
}

func (r *stubReconciler) Apply(ctx context.Context, ev model.PaymentEvent, source model.EventSource) (*model.ReconciliationResult, error) {
	r.mu.Lock()
	r.sources = append(r.sources, source)
	r.mu.Unlock()

	p := &model.Payment{ID: ev.OrderID, Status: model.PaymentStatusPending}
	switch ev.Outcome {
	case model.OutcomeSuccess:
		p.Status = model.PaymentStatusCompleted
	case model.OutcomeFailure:
		p.Status = model.PaymentStatusFailed
	default:
		return &model.ReconciliationResult{Outcome: model.ReconcileStillPending, Payment: p}, nil
	}
	return &model.ReconciliationResult{Outcome: model.ReconcileApplied, Payment: p}, nil
}

func (r *stubReconciler) calls() []model.EventSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.EventSource(nil), r.sources...)
}

func newRegistry(t *testing.T, gw adapter.PaymentGateway, rec *stubReconciler, locker adapter.Locker) *PollRegistry {
	t.Helper()
	r := NewPollRegistry(gw, rec, locker, PollerOptions{Interval: 10 * time.Millisecond, QueryTimeout: 50 * time.Millisecond}, newTestLogger())
	t.Cleanup(r.Close)
	return r
}

func waitDone(t *testing.T, s *PollSession) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s did not finish, state %s", s.OrderID, s.State())
	}
}

func TestPollRegistry_Expiry(t *testing.T) {
	t.Run("should expire at the deadline and stop polling", func(t *testing.T) {
		gw := &scriptedGateway{script: []func(string) (*model.PaymentEvent, error){pending}}
		rec := &stubReconciler{}
		r := newRegistry(t, gw, rec, nil)

		r.Watch("o-1", "u-1", time.Now().Add(80*time.Millisecond))
		s, ok := r.Session("o-1")
		require.True(t, ok)
		assert.Equal(t, PollQRDisplayed, s.State())

		waitDone(t, s)
		assert.Equal(t, PollExpired, s.State())
		assert.Greater(t, gw.count(), 0)
		assert.Empty(t, rec.calls())

		after := gw.count()
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, after, gw.count())
		assert.Eventually(t, func() bool { return r.Active() == 0 }, time.Second, 5*time.Millisecond)
	})

	t.Run("should expire immediately for a past deadline", func(t *testing.T) {
		gw := &scriptedGateway{script: []func(string) (*model.PaymentEvent, error){pending}}
		r := newRegistry(t, gw, &stubReconciler{}, nil)

		r.Watch("o-2", "u-1", time.Now().Add(-time.Second))
		s, ok := r.Session("o-2")
		require.True(t, ok)
		waitDone(t, s)
		assert.Equal(t, PollExpired, s.State())
	})
}

func TestPollRegistry_Converges(t *testing.T) {
	tests := []struct {
		name   string
		script []func(string) (*model.PaymentEvent, error)
		want   PollState
	}{
		{"should succeed once the order is paid", []func(string) (*model.PaymentEvent, error){pending, pending, paid}, PollSucceeded},
		{"should fail on a gateway-reported failure", []func(string) (*model.PaymentEvent, error){pending, declined}, PollFailed},
		{"should retry transient errors", []func(string) (*model.PaymentEvent, error){transient, transient, paid}, PollSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := &scriptedGateway{script: tt.script}
			rec := &stubReconciler{}
			r := newRegistry(t, gw, rec, nil)

			r.Watch("o-1", "u-1", time.Now().Add(time.Minute))
			s, _ := r.Session("o-1")
			waitDone(t, s)

			assert.Equal(t, tt.want, s.State())
			assert.Equal(t, []model.EventSource{model.SourcePoll}, rec.calls())
			assert.Equal(t, len(tt.script), gw.count())
		})
	}
}

func TestPollRegistry_Settle(t *testing.T) {
	t.Run("should stop polling when the webhook settled the order", func(t *testing.T) {
		gw := &scriptedGateway{script: []func(string) (*model.PaymentEvent, error){pending}}
		rec := &stubReconciler{}
		r := newRegistry(t, gw, rec, nil)

		r.Watch("o-1", "u-1", time.Now().Add(time.Minute))
		s, _ := r.Session("o-1")
		require.NoError(t, r.Settle(context.Background(), model.StateChange{
			Kind: model.ChangePaymentCompleted, OrderID: "o-1", Source: model.SourceWebhook,
		}))
		waitDone(t, s)
		assert.Equal(t, PollSucceeded, s.State())
		assert.Empty(t, rec.calls())
	})

	t.Run("should keep the first terminal state", func(t *testing.T) {
		gw := &scriptedGateway{script: []func(string) (*model.PaymentEvent, error){pending}}
		r := newRegistry(t, gw, &stubReconciler{}, nil)

		r.Watch("o-1", "u-1", time.Now().Add(time.Minute))
		s, _ := r.Session("o-1")
		ctx := context.Background()
		require.NoError(t, r.Settle(ctx, model.StateChange{Kind: model.ChangePaymentFailed, OrderID: "o-1"}))
		require.NoError(t, r.Settle(ctx, model.StateChange{Kind: model.ChangePaymentCompleted, OrderID: "o-1"}))
		waitDone(t, s)
		assert.Equal(t, PollFailed, s.State())
	})

	t.Run("should ignore unrelated changes", func(t *testing.T) {
		gw := &scriptedGateway{script: []func(string) (*model.PaymentEvent, error){pending}}
		r := newRegistry(t, gw, &stubReconciler{}, nil)

		r.Watch("o-1", "u-1", time.Now().Add(time.Minute))
		s, _ := r.Session("o-1")
		require.NoError(t, r.Settle(context.Background(), model.StateChange{Kind: model.ChangeSubscriptionActivated, OrderID: "o-1"}))
		require.NoError(t, r.Settle(context.Background(), model.StateChange{Kind: model.ChangePaymentCompleted, OrderID: "other"}))
		assert.Equal(t, PollQRDisplayed, s.State())
	})
}

func TestPollRegistry_Watch(t *testing.T) {
	t.Run("should not start a second session for the same order", func(t *testing.T) {
		gw := &scriptedGateway{script: []func(string) (*model.PaymentEvent, error){pending}}
		r := newRegistry(t, gw, &stubReconciler{}, nil)

		r.Watch("o-1", "u-1", time.Now().Add(time.Minute))
		first, _ := r.Session("o-1")
		r.Watch("o-1", "u-1", time.Now().Add(time.Minute))
		second, _ := r.Session("o-1")
		assert.Same(t, first, second)
		assert.Equal(t, 1, r.Active())
	})

	t.Run("should skip ticks while another instance holds the order", func(t *testing.T) {
		gw := &scriptedGateway{script: []func(string) (*model.PaymentEvent, error){paid}}
		locker := memory.NewLocker()
		_, err := locker.TryLock(context.Background(), "poll:o-1", time.Minute)
		require.NoError(t, err)
		r := newRegistry(t, gw, &stubReconciler{}, locker)

		r.Watch("o-1", "u-1", time.Now().Add(60*time.Millisecond))
		s, _ := r.Session("o-1")
		waitDone(t, s)
		assert.Equal(t, PollExpired, s.State())
		assert.Zero(t, gw.count())
	})

	t.Run("should release its own lease so consecutive ticks both poll", func(t *testing.T) {
		gw := &scriptedGateway{script: []func(string) (*model.PaymentEvent, error){pending}}
		locker := memory.NewLocker()
		r := NewPollRegistry(gw, &stubReconciler{}, locker, PollerOptions{Interval: time.Hour, QueryTimeout: 50 * time.Millisecond}, newTestLogger())
		t.Cleanup(r.Close)

		r.Watch("o-1", "u-1", time.Now().Add(time.Hour))
		s, ok := r.Session("o-1")
		require.True(t, ok)

		for i := 0; i < 3; i++ {
			_, done := r.tick(s, newTestLogger())
			require.False(t, done)
		}
		assert.Equal(t, 3, gw.count())

		token, err := locker.TryLock(context.Background(), "poll:o-1", time.Minute)
		require.NoError(t, err)
		assert.NotEmpty(t, token)
	})

	t.Run("should refuse new sessions after close", func(t *testing.T) {
		gw := &scriptedGateway{script: []func(string) (*model.PaymentEvent, error){pending}}
		r := newRegistry(t, gw, &stubReconciler{}, nil)
		r.Close()

		r.Watch("o-1", "u-1", time.Now().Add(time.Minute))
		_, ok := r.Session("o-1")
		assert.False(t, ok)
	})
}

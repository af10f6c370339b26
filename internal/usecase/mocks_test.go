// File: internal/usecase/mocks_test.go
package usecase

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
	"subscription-engine/internal/infra/db/memory"
)

// newTestLogger creates a silent zerolog.Logger for use in tests.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}

// --- Publisher

type recordingPublisher struct {
	mu      sync.Mutex
	changes []model.StateChange
}

func (p *recordingPublisher) Publish(ctx context.Context, c model.StateChange) {
	p.mu.Lock()
	p.changes = append(p.changes, c)
	p.mu.Unlock()
}

func (p *recordingPublisher) count(kind model.ChangeKind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.changes {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// --- Gateway

type fakeGateway struct {
	mu        sync.Mutex
	states    map[string]model.PaymentEvent
	createErr error
	queryErr  error
	queries   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{states: make(map[string]model.PaymentEvent)}
}

func (g *fakeGateway) Name() string { return "fake" }

func (g *fakeGateway) CreateOrder(ctx context.Context, req adapter.OrderRequest) (*adapter.OrderResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.states[req.OrderID] = model.PaymentEvent{OrderID: req.OrderID, Outcome: model.OutcomePending}
	return &adapter.OrderResponse{CodeURL: "pay://qr/" + req.OrderID, ExpiresAt: req.ExpiresAt}, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, orderID string) (*model.PaymentEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queries++
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	ev, ok := g.states[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrGatewayRejected, orderID)
	}
	return &ev, nil
}

// settle makes the gateway report orderID as paid with amount.
func (g *fakeGateway) settle(orderID string, amount int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[orderID] = successEvent(orderID, amount)
}

func (g *fakeGateway) decline(orderID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.states[orderID] = failureEvent(orderID, reason)
}

func successEvent(orderID string, amount int64) model.PaymentEvent {
	tx := "tx-" + orderID
	paid := time.Now()
	return model.PaymentEvent{
		OrderID:       orderID,
		TransactionID: &tx,
		Outcome:       model.OutcomeSuccess,
		AmountPaid:    &amount,
		Currency:      "CNY",
		PaidAt:        &paid,
	}
}

func failureEvent(orderID, reason string) model.PaymentEvent {
	r := reason
	return model.PaymentEvent{OrderID: orderID, Outcome: model.OutcomeFailure, FailureReason: &r}
}

// --- Watcher

type recordingWatcher struct {
	mu     sync.Mutex
	orders []string
}

func (w *recordingWatcher) Watch(orderID, userID string, expiresAt time.Time) {
	w.mu.Lock()
	w.orders = append(w.orders, orderID)
	w.mu.Unlock()
}

// --- Recommender

type stubRecommender struct {
	calls  int
	denied []bool
	rec    *model.Recommendation
}

func (s *stubRecommender) Reactive(ctx context.Context, userID string, tier model.Tier, usage model.QuotaUsage, denied bool) (*model.Recommendation, error) {
	s.calls++
	s.denied = append(s.denied, denied)
	return s.rec, nil
}

func (s *stubRecommender) Proactive(ctx context.Context, userID string, tier model.Tier, usage []model.QuotaUsage) (*model.Recommendation, error) {
	return nil, nil
}

// --- Environment

type testEnv struct {
	store     *memory.Store
	subs      *memory.SubscriptionRepo
	payments  *memory.PaymentRepo
	plans     *memory.PlanRepo
	tm        *memory.TxManager
	events    *recordingPublisher
	gateway   *fakeGateway
	watcher   *recordingWatcher
	lifecycle *subscriptionUC
	rec       *reconcileUC
	orders    *orderUC
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.NewStore()
	env := &testEnv{
		store:    store,
		subs:     memory.NewSubscriptionRepo(store),
		payments: memory.NewPaymentRepo(store),
		plans:    memory.NewPlanRepo(store),
		tm:       memory.NewTxManager(store),
		events:   &recordingPublisher{},
		gateway:  newFakeGateway(),
		watcher:  &recordingWatcher{},
	}
	require.NoError(t, NewPlanUseCase(env.plans).Seed(context.Background(), testPlans(t)))

	log := newTestLogger()
	env.lifecycle = NewSubscriptionUseCase(env.subs, env.plans, env.tm, env.events, log)
	env.rec = NewReconcileUseCase(env.payments, env.subs, env.tm, env.events, log)
	env.orders = NewOrderUseCase(env.payments, env.subs, env.plans, env.tm, env.lifecycle,
		env.gateway, env.rec, env.watcher, env.events, OrderOptions{QRTTL: 10 * time.Minute}, log)
	return env
}

func testPlans(t *testing.T) []*model.Plan {
	t.Helper()
	mk := func(id string, tier model.Tier, price string, q model.QuotaLimits) *model.Plan {
		p, err := model.NewPlan(id, id, tier, decimal.RequireFromString(price), "CNY", model.Monthly, q)
		require.NoError(t, err)
		return p
	}
	return []*model.Plan{
		mk("free", model.TierFree, "0", model.QuotaLimits{
			model.DimensionCreate: 3, model.DimensionReuse: 10, model.DimensionExport: 1, model.DimensionGraphSize: 50,
		}),
		mk("basic-monthly", model.TierBasic, "9.90", model.QuotaLimits{
			model.DimensionCreate: 20, model.DimensionReuse: 100, model.DimensionExport: 10, model.DimensionGraphSize: 200,
		}),
		mk("pro-monthly", model.TierPro, "29.90", model.QuotaLimits{
			model.DimensionCreate: 100, model.DimensionReuse: model.Unlimited, model.DimensionExport: 100, model.DimensionGraphSize: 1000,
		}),
	}
}

// activeSub stores an active subscription ending at end.
func (e *testEnv) activeSub(t *testing.T, userID, planID string, end time.Time) *model.Subscription {
	t.Helper()
	ctx := context.Background()
	s, err := e.lifecycle.CreatePending(ctx, nil, userID, planID)
	require.NoError(t, err)
	s.Status = model.SubscriptionStatusActive
	s.StartDate = end.AddDate(0, -1, 0)
	s.EndDate = end
	require.NoError(t, e.subs.Update(ctx, nil, s))
	return s
}

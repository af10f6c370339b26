package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"subscription-engine/internal/config"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/infra/db/memory"
	"subscription-engine/internal/infra/events"
	"subscription-engine/internal/infra/logging"
	"subscription-engine/internal/infra/payment"
	"subscription-engine/internal/infra/sched"
	"subscription-engine/internal/infra/worker"
	"subscription-engine/internal/usecase"
)

const demoSecret = "demo-secret"

// engine is the whole reconciliation path on the in-memory store and the
// sandbox gateway.
type engine struct {
	sandbox   *payment.Sandbox
	codec     *payment.Codec
	pool      *worker.Pool
	bus       *events.Bus
	registry  *sched.PollRegistry
	lifecycle usecase.SubscriptionUseCase
	orders    usecase.OrderUseCase
	quota     usecase.QuotaUseCase
	rec       interface {
		Apply(ctx context.Context, ev model.PaymentEvent, source model.EventSource) (*model.ReconciliationResult, error)
	}
}

func main() {
	scenario := flag.String("scenario", "all", "race|quota|all")
	flag.Parse()

	logger := logging.New(config.LogConfig{Level: "info", Format: "console"}, true)
	ctx := context.Background()

	store := memory.NewStore()
	subs := memory.NewSubscriptionRepo(store)
	payments := memory.NewPaymentRepo(store)
	plans := memory.NewPlanRepo(store)
	tm := memory.NewTxManager(store)

	cfg := config.Config{Plans: config.DefaultPlans()}
	catalogue, err := cfg.BuildPlans()
	if err != nil {
		log.Fatalf("plans: %v", err)
	}
	if err := usecase.NewPlanUseCase(plans).Seed(ctx, catalogue); err != nil {
		log.Fatalf("seed: %v", err)
	}

	e := &engine{
		sandbox: payment.NewSandbox(demoSecret, nil),
		codec:   payment.NewCodec(demoSecret, nil),
		pool:    worker.NewPool(4, 64, logger),
	}
	e.pool.Start(context.Background())
	defer e.pool.Stop()
	e.bus = events.NewBus(e.pool, 5*time.Second, logger)

	rec := usecase.NewReconcileUseCase(payments, subs, tm, e.bus, logger)
	e.rec = rec
	e.registry = sched.NewPollRegistry(e.sandbox, rec, memory.NewLocker(), sched.PollerOptions{Interval: 200 * time.Millisecond}, logger)
	defer e.registry.Close()
	e.bus.Subscribe("poll_registry", e.registry.Settle)
	e.bus.Subscribe("demo_log", func(ctx context.Context, c model.StateChange) error {
		logger.Info().Str("kind", string(c.Kind)).Str("order_id", c.OrderID).Str("source", string(c.Source)).Msg("state change")
		return nil
	})

	e.lifecycle = usecase.NewSubscriptionUseCase(subs, plans, tm, e.bus, logger)
	e.orders = usecase.NewOrderUseCase(payments, subs, plans, tm, e.lifecycle, e.sandbox, rec, e.registry, e.bus,
		usecase.OrderOptions{QRTTL: 30 * time.Second}, logger)
	recommend := usecase.NewRecommendUseCase(memory.NewBehaviorSource(), memory.NewCooldown(), logger)
	e.quota = usecase.NewQuotaUseCase(memory.NewQuotaCounter(), e.lifecycle, recommend, usecase.QuotaOptions{}, logger)

	ok := true
	if *scenario == "race" || *scenario == "all" {
		ok = runRaceDemo(ctx, e) && ok
	}
	if *scenario == "quota" || *scenario == "all" {
		ok = runQuotaDemo(ctx, e) && ok
	}
	e.bus.Wait()
	if !ok {
		os.Exit(1)
	}
}

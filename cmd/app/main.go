// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"subscription-engine/internal/config"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
	"subscription-engine/internal/domain/ports/repository"
	"subscription-engine/internal/infra/api"
	"subscription-engine/internal/infra/db/memory"
	pg "subscription-engine/internal/infra/db/postgres"
	"subscription-engine/internal/infra/events"
	"subscription-engine/internal/infra/i18n"
	"subscription-engine/internal/infra/logging"
	"subscription-engine/internal/infra/metrics"
	"subscription-engine/internal/infra/payment"
	"subscription-engine/internal/infra/push"
	red "subscription-engine/internal/infra/redis"
	"subscription-engine/internal/infra/sched"
	"subscription-engine/internal/infra/telegram"
	"subscription-engine/internal/infra/worker"
	"subscription-engine/internal/usecase"
)

// set with -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = ""
)

const devJWTSecret = "dev-only-jwt-secret"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("DEV MODE enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("exited with error")
	}
	logger.Info().Msg("shutdown complete")
}

// stores groups the persistence ports; the backing is Postgres when a URL is
// configured and the in-memory store otherwise.
type stores struct {
	subs      repository.SubscriptionRepository
	payments  repository.PaymentRepository
	plans     repository.PlanRepository
	tm        repository.TransactionManager
	counter   repository.QuotaCounter
	subsCache interface {
		Invalidate(ctx context.Context, change model.StateChange) error
	}
	pool *pgxpool.Pool
}

// gates groups the coordination adapters shared across instances.
type gates struct {
	locker   adapter.Locker
	cooldown adapter.CooldownGate
	behavior adapter.BehaviorSource
	limiter  api.RateLimiter
	redis    *red.Client
}

func run(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	plans, err := cfg.BuildPlans()
	if err != nil {
		return err
	}

	g, err := openGates(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if g.redis != nil {
		defer g.redis.Close()
	}

	st, err := openStores(ctx, cfg, g.redis, logger)
	if err != nil {
		return err
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	// ---- Gateway ----
	var gateway adapter.PaymentGateway
	if cfg.Payment.Sandbox {
		logger.Warn().Msg("payment gateway running in sandbox mode")
		gateway = payment.NewSandbox(cfg.Payment.Secret, cfg.Payment.Location)
	} else {
		gateway, err = payment.NewClient(payment.ClientConfig{
			BaseURL:    cfg.Payment.BaseURL,
			AppID:      cfg.Payment.AppID,
			MerchantID: cfg.Payment.MerchantID,
			Secret:     cfg.Payment.Secret,
			Serial:     cfg.Payment.Serial,
			Timeout:    cfg.Payment.QueryTimeout.Duration,
		}, logger)
		if err != nil {
			return err
		}
	}
	codec := payment.NewCodec(cfg.Payment.Secret, cfg.Payment.Location)

	// ---- Event bus ----
	pool := worker.NewPool(cfg.Workers.PoolSize, cfg.Workers.QueueSize, logger)
	// not bound to ctx: Stop drains queued deliveries after the servers exit
	pool.Start(context.Background())
	bus := events.NewBus(pool, cfg.Workers.EventTimeout.Duration, logger)

	// ---- Use cases ----
	planUC := usecase.NewPlanUseCase(st.plans)
	if err := planUC.Seed(ctx, plans); err != nil {
		return err
	}
	lifecycle := usecase.NewSubscriptionUseCase(st.subs, st.plans, st.tm, bus, logger)
	reconciler := usecase.NewReconcileUseCase(st.payments, st.subs, st.tm, bus, logger)
	registry := sched.NewPollRegistry(gateway, reconciler, g.locker, sched.PollerOptions{
		Interval:     cfg.Poller.Interval.Duration,
		QueryTimeout: cfg.Poller.QueryTimeout.Duration,
	}, logger)
	orders := usecase.NewOrderUseCase(st.payments, st.subs, st.plans, st.tm, lifecycle, gateway, reconciler, registry, bus,
		usecase.OrderOptions{
			QRTTL:        cfg.Payment.QRTTL.Duration,
			NotifyURL:    cfg.Payment.NotifyURL,
			QueryTimeout: cfg.Payment.QueryTimeout.Duration,
		}, logger)
	recommend := usecase.NewRecommendUseCase(g.behavior, g.cooldown, logger)
	quota := usecase.NewQuotaUseCase(st.counter, lifecycle, recommend, usecase.QuotaOptions{
		Location:  cfg.Quota.Location,
		WarnRatio: cfg.Quota.WarnRatio,
		Grace:     cfg.Quota.Grace.Duration,
	}, logger)

	// ---- Consumers ----
	hub := push.NewHub(logger)
	alerter, err := telegram.NewAlerter(cfg.Telegram, g.cooldown, logger)
	if err != nil {
		return err
	}
	if st.subsCache != nil {
		bus.Subscribe("subscription_cache", st.subsCache.Invalidate)
	}
	bus.Subscribe("poll_registry", registry.Settle)
	bus.Subscribe("push", hub.Publish)
	bus.Subscribe("operator_alert", alerter.Alert)

	// ---- HTTP ----
	messages, err := i18n.Default(cfg.I18n.DefaultLang)
	if err != nil {
		return err
	}
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		logger.Warn().Msg("auth.jwt_secret not set; using the dev secret (INSECURE)")
		secret = devJWTSecret
	}
	server := api.NewServer(api.Deps{
		Orders:        orders,
		Subscriptions: lifecycle,
		Plans:         planUC,
		Quota:         quota,
		Recommend:     recommend,
		Reconciler:    reconciler,
		Codec:         codec,
		Events:        bus,
		Limiter:       g.limiter,
		Auth:          api.NewAuthenticator(secret, cfg.Auth.Issuer),
		Push:          hub,
		Messages:      messages,
		Ready:         readiness(st, g),
	}, api.Options{
		RequestTimeout: cfg.HTTP.RequestTimeout.Duration,
		CallbackLimit:  cfg.RateLimit.CallbackLimit,
		CallbackWindow: cfg.RateLimit.CallbackWindow.Duration,
		Dev:            cfg.Runtime.Dev,
	}, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout.Duration,
		WriteTimeout: cfg.HTTP.WriteTimeout.Duration,
	}

	// ---- Run ----
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("http listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})
	eg.Go(func() error { return ignoreCanceled(registry.Run(gctx)) })
	eg.Go(func() error {
		return ignoreCanceled(sched.NewExpiryWorker(cfg.Workers.ExpiryInterval.Duration, lifecycle, logger).Run(gctx))
	})
	eg.Go(func() error {
		return ignoreCanceled(sched.NewPaymentReconciler(orders, g.locker, cfg.Workers.SweepInterval.Duration, logger).Run(gctx))
	})
	eg.Go(func() error {
		return ignoreCanceled(sched.NewQuotaCleanupWorker(cfg.Workers.QuotaCleanupInterval.Duration, st.counter, logger).Run(gctx))
	})
	if st.pool != nil {
		eg.Go(func() error { return ignoreCanceled(pg.ReportPoolStats(gctx, st.pool, 15*time.Second, logger)) })
	}

	err = eg.Wait()
	// in-flight deliveries finish before the pool stops
	bus.Wait()
	pool.Stop()
	return err
}

func openGates(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*gates, error) {
	if cfg.Redis.URL == "" {
		logger.Info().Msg("redis not configured; locks, cooldowns and rate limits are per process")
		return &gates{
			locker:   memory.NewLocker(),
			cooldown: memory.NewCooldown(),
			behavior: memory.NewBehaviorSource(),
			limiter:  memory.NewRateLimiter(),
		}, nil
	}
	rc, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		return nil, err
	}
	return &gates{
		locker:   red.NewLocker(rc),
		cooldown: red.NewCooldown(rc),
		behavior: red.NewBehaviorSource(rc, cfg.Recommend.BehaviorTTL.Duration),
		limiter:  red.NewRateLimiter(rc),
		redis:    rc,
	}, nil
}

func openStores(ctx context.Context, cfg *config.Config, rc *red.Client, logger *zerolog.Logger) (*stores, error) {
	if cfg.Database.URL == "" {
		logger.Warn().Msg("database.url not set; running on the in-memory store")
		store := memory.NewStore()
		st := &stores{
			subs:     memory.NewSubscriptionRepo(store),
			payments: memory.NewPaymentRepo(store),
			plans:    memory.NewPlanRepo(store),
			tm:       memory.NewTxManager(store),
			counter:  memory.NewQuotaCounter(),
		}
		if rc != nil {
			st.counter = red.NewQuotaCounter(rc)
		}
		return st, nil
	}

	pool, err := pg.Connect(ctx, pg.PoolConfig{
		DSN:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime.Duration,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := pg.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	st := &stores{
		subs:     pg.NewSubscriptionRepo(pool),
		payments: pg.NewPaymentRepo(pool),
		plans:    pg.NewPlanRepo(pool),
		tm:       pg.NewTxManager(pool),
		counter:  pg.NewQuotaCounter(pool),
		pool:     pool,
	}
	if rc != nil {
		cached := pg.NewSubscriptionRepoCacheDecorator(st.subs, rc, cfg.Redis.CacheTTL.Duration, logger)
		st.subs = cached
		st.subsCache = cached
		st.plans = pg.NewPlanRepoCacheDecorator(st.plans, rc, logger)
		st.counter = red.NewQuotaCounter(rc)
	}
	return st, nil
}

func readiness(st *stores, g *gates) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if st.pool != nil {
			if err := st.pool.Ping(ctx); err != nil {
				return err
			}
		}
		if g.redis != nil {
			return g.redis.Ping(ctx)
		}
		return nil
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

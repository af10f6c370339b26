package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"subscription-engine/internal/config"
	pg "subscription-engine/internal/infra/db/postgres"
	"subscription-engine/internal/usecase"
)

// seed writes the configured plan catalogue to Postgres. Saving is an upsert,
// so running it again after editing the config updates the plans in place.
func main() {
	// ---- Config ----
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	plans, err := cfg.BuildPlans()
	if err != nil {
		log.Fatalf("plans: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Connect Postgres
	pool, err := pg.Connect(ctx, pg.PoolConfig{DSN: cfg.Database.URL, MaxConns: 4})
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	planUC := usecase.NewPlanUseCase(pg.NewPlanRepo(pool))
	if err := planUC.Seed(ctx, plans); err != nil {
		log.Fatalf("seed: %v", err)
	}

	stored, err := planUC.List(ctx)
	if err != nil {
		log.Fatalf("list plans: %v", err)
	}
	for _, p := range stored {
		fmt.Printf("  - %s %-8s %s %s/%s quotas=%v\n", p.ID, p.Tier, p.Price.StringFixed(2), p.Currency, p.Period, p.Quotas)
	}
	fmt.Printf("seeded %d plans\n", len(stored))
}

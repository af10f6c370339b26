package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"subscription-engine/internal/config"
	"subscription-engine/internal/infra/api"
	"subscription-engine/internal/infra/db/postgres"
	"subscription-engine/internal/infra/redis"
	"subscription-engine/internal/usecase"
)

// This script is for setting up a clean, predictable database state
// for manual end-to-end testing. It prints a bearer token for the test user.
func main() {
	user := flag.String("user", "e2e-user", "subject of the printed bearer token")
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	// --- Connect to Postgres ---
	pool, err := postgres.Connect(ctx, postgres.PoolConfig{DSN: cfg.Database.URL, MaxConns: 5})
	if err != nil {
		log.Fatalf("postgres connection failed: %v", err)
	}
	defer pool.Close()

	log.Println("--- Starting E2E Environment Setup ---")

	// 1. Clean the Redis counters, locks and caches.
	if cfg.Redis.URL != "" {
		log.Println("[1/4] Wiping Redis...")
		redisClient, err := redis.NewClient(ctx, &cfg.Redis)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisClient.Close()
		if err := redisClient.FlushDB(ctx); err != nil {
			log.Fatalf("failed to flush redis: %v", err)
		}
	} else {
		log.Println("[1/4] Redis not configured, skipping")
	}

	// 2. Clean the database completely.
	log.Println("[2/4] Migrating and wiping all existing database data...")
	if err := postgres.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	_, err = pool.Exec(ctx, `
		TRUNCATE
			quota_buckets, payment_audit, payments, subscriptions, plans
		RESTART IDENTITY CASCADE;
	`)
	if err != nil {
		log.Fatalf("failed to truncate tables: %v", err)
	}

	// 3. Seed the configured plans.
	log.Println("[3/4] Seeding plans...")
	plans, err := cfg.BuildPlans()
	if err != nil {
		log.Fatalf("plans: %v", err)
	}
	if err := usecase.NewPlanUseCase(postgres.NewPlanRepo(pool)).Seed(ctx, plans); err != nil {
		log.Fatalf("seed plans: %v", err)
	}

	// 4. Token for the test user.
	log.Println("[4/4] Minting a bearer token...")
	if cfg.Auth.JWTSecret == "" {
		log.Fatalf("auth.jwt_secret must be set to mint a token")
	}
	tok, err := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer).Mint(*user, 24*time.Hour)
	if err != nil {
		log.Fatalf("mint token: %v", err)
	}
	fmt.Printf("Authorization: Bearer %s\n", tok)

	log.Println("--- E2E Environment Setup Complete ---")
}

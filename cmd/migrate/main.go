package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"subscription-engine/internal/config"
	pg "subscription-engine/internal/infra/db/postgres"
	"subscription-engine/internal/infra/logging"
)

const usage = "usage: migrate [-config path] up|down|status"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	cmd := flag.Arg(0)
	if cmd == "" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := pg.Connect(ctx, pg.PoolConfig{DSN: cfg.Database.URL, MaxConns: 2})
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()

	switch cmd {
	case "up":
		err = pg.Migrate(ctx, pool)
	case "down":
		err = pg.MigrateDown(ctx, pool)
	case "status":
		err = pg.MigrationStatus(ctx, pool)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("cmd", cmd).Msg("migration failed")
	}
	logger.Info().Str("cmd", cmd).Msg("migration done")
}

package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"subscription-engine/internal/domain/ports/repository"
	"subscription-engine/internal/infra/metrics"
)

// QuotaCleanupWorker drops expired quota buckets. Counters expire on their
// own in Redis; this keeps the SQL and in-process stores small.
type QuotaCleanupWorker struct {
	interval time.Duration
	counter  repository.QuotaCounter
	now      func() time.Time
	log      *zerolog.Logger
}

func NewQuotaCleanupWorker(interval time.Duration, counter repository.QuotaCounter, logger *zerolog.Logger) *QuotaCleanupWorker {
	if interval <= 0 {
		interval = time.Hour
	}
	compLog := logger.With().Str("component", "QuotaCleanupWorker").Logger()
	return &QuotaCleanupWorker{
		interval: interval,
		counter:  counter,
		now:      time.Now,
		log:      &compLog,
	}
}

func (w *QuotaCleanupWorker) Run(ctx context.Context) error {
	w.log.Info().Msg("Starting quota cleanup worker")
	// Run once on startup, then on every tick
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping quota cleanup worker")
			return ctx.Err()
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *QuotaCleanupWorker) sweep(ctx context.Context) {
	n, err := w.counter.Sweep(ctx, w.now())
	if err != nil {
		w.log.Error().Err(err).Msg("quota sweep failed")
		return
	}
	if n > 0 {
		metrics.AddQuotaBucketsSwept(n)
		w.log.Info().Int("count", n).Msg("expired quota buckets dropped")
	}
}

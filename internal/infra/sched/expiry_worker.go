package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	ucport "subscription-engine/internal/domain/ports/usecase"
	"subscription-engine/internal/infra/metrics"
)

// ExpiryWorker periodically finishes expired subscriptions via the use case.
type ExpiryWorker struct {
	interval time.Duration
	subs     ucport.SubscriptionManager
	now      func() time.Time
	log      *zerolog.Logger
}

func NewExpiryWorker(interval time.Duration, subs ucport.SubscriptionManager, logger *zerolog.Logger) *ExpiryWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	exprLog := logger.With().Str("component", "ExpiryWorker").Logger()
	return &ExpiryWorker{
		interval: interval,
		subs:     subs,
		now:      time.Now,
		log:      &exprLog,
	}
}

func (w *ExpiryWorker) Run(ctx context.Context) error {
	w.log.Info().Msg("Starting expiry worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping expiry worker")
			return ctx.Err()
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

func (w *ExpiryWorker) runOnce(ctx context.Context) {
	n, err := w.subs.FinishExpired(ctx, w.now())
	if err != nil {
		w.log.Error().Err(err).Msg("expiry worker error")
	}
	if n > 0 {
		metrics.IncSubscriptionsExpired(n)
		w.log.Info().Int("count", n).Msg("expired subscriptions finished")
	}
}

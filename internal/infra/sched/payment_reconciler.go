package sched

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/ports/adapter"
	ucport "subscription-engine/internal/domain/ports/usecase"
)

const sweepLockKey = "lock:order-sweep"

// PaymentReconciler periodically closes orders whose QR code expired. A final
// status query settles the ones that were paid after all; the rest are
// cancelled. With a locker only one instance sweeps per interval.
type PaymentReconciler struct {
	orders   ucport.OrderSweeper
	locker   adapter.Locker
	interval time.Duration
	now      func() time.Time
	log      *zerolog.Logger
}

func NewPaymentReconciler(orders ucport.OrderSweeper, locker adapter.Locker, interval time.Duration, logger *zerolog.Logger) *PaymentReconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	l := logger.With().Str("component", "PaymentReconciler").Logger()
	return &PaymentReconciler{orders: orders, locker: locker, interval: interval, now: time.Now, log: &l}
}

func (w *PaymentReconciler) Run(ctx context.Context) error {
	w.log.Info().Dur("interval", w.interval).Msg("Starting payment reconciler")
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping payment reconciler")
			return ctx.Err()
		case <-t.C:
			w.tick(ctx)
		}
	}
}

func (w *PaymentReconciler) tick(ctx context.Context) {
	if w.locker != nil {
		token, err := w.locker.TryLock(ctx, sweepLockKey, w.interval)
		if errors.Is(err, domain.ErrConflict) {
			w.log.Debug().Msg("sweep held by another instance")
			return
		}
		if err != nil {
			w.log.Error().Err(err).Msg("sweep lock failed")
			return
		}
		defer func() {
			if err := w.locker.Unlock(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
				w.log.Warn().Err(err).Msg("sweep unlock failed")
			}
		}()
	}

	n, err := w.orders.ExpireStale(ctx, w.now())
	if err != nil {
		w.log.Error().Err(err).Msg("expire stale orders failed")
	}
	if n > 0 {
		w.log.Info().Int("count", n).Msg("stale orders closed")
	}
}

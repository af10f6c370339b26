package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
	"subscription-engine/internal/infra/metrics"
	"subscription-engine/internal/infra/worker"
)

var (
	_ adapter.EventPublisher = (*Bus)(nil)
	_ adapter.EventPublisher = Noop{}
)

// HandlerFunc consumes one change. Handlers must be idempotent: a change may
// be delivered more than once.
type HandlerFunc func(ctx context.Context, change model.StateChange) error

type subscriber struct {
	name string
	fn   HandlerFunc
}

// Bus fans every published change out to all subscribers through the worker
// pool. When the pool is saturated delivery falls back to a goroutine so
// Publish never blocks the reconciliation path.
type Bus struct {
	pool    *worker.Pool
	timeout time.Duration
	log     *zerolog.Logger

	mu   sync.RWMutex
	subs []subscriber
	wg   sync.WaitGroup
}

func NewBus(pool *worker.Pool, timeout time.Duration, logger *zerolog.Logger) *Bus {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	l := logger.With().Str("component", "EventBus").Logger()
	return &Bus{pool: pool, timeout: timeout, log: &l}
}

// Subscribe registers fn under name. Subscribe before the first Publish.
func (b *Bus) Subscribe(name string, fn HandlerFunc) {
	b.mu.Lock()
	b.subs = append(b.subs, subscriber{name: name, fn: fn})
	b.mu.Unlock()
}

func (b *Bus) Publish(ctx context.Context, change model.StateChange) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()

	base := context.WithoutCancel(ctx)
	for _, s := range subs {
		s := s
		task := func(context.Context) error { return b.deliver(base, s, change) }
		if b.pool != nil {
			err := b.pool.Submit(task)
			if err == nil {
				continue
			}
			if !errors.Is(err, worker.ErrQueueFull) {
				b.log.Error().Err(err).Str("handler", s.name).Msg("submit failed")
				continue
			}
			metrics.IncWorkerOverflow()
		}
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			_ = task(base)
		}()
	}
}

func (b *Bus) deliver(ctx context.Context, s subscriber, change model.StateChange) (err error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			b.log.Warn().Err(err).
				Str("handler", s.name).
				Str("kind", string(change.Kind)).
				Str("order_id", change.OrderID).
				Msg("event delivery failed")
		}
		metrics.IncEventDelivery(s.name, result)
	}()
	return s.fn(ctx, change)
}

// Wait blocks until overflow deliveries finished. The pool drains its own
// queue on Stop.
func (b *Bus) Wait() { b.wg.Wait() }

// Noop drops every change.
type Noop struct{}

func (Noop) Publish(context.Context, model.StateChange) {}

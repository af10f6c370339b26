//go:build !integration

package events

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/infra/worker"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

type collector struct {
	mu   sync.Mutex
	got  []model.StateChange
	wg   sync.WaitGroup
	fail bool
}

func (c *collector) handle(ctx context.Context, ch model.StateChange) error {
	defer c.wg.Done()
	c.mu.Lock()
	c.got = append(c.got, ch)
	c.mu.Unlock()
	if c.fail {
		return errors.New("consumer down")
	}
	return nil
}

func waitGroup(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliveries did not finish")
	}
}

func TestBus_Publish(t *testing.T) {
	t.Run("should deliver to every subscriber", func(t *testing.T) {
		pool := worker.NewPool(2, 16, newTestLogger())
		pool.Start(context.Background())
		defer pool.Stop()

		bus := NewBus(pool, time.Second, newTestLogger())
		a, b := &collector{}, &collector{fail: true}
		bus.Subscribe("a", a.handle)
		bus.Subscribe("b", b.handle)

		a.wg.Add(3)
		b.wg.Add(3)
		for _, k := range []model.ChangeKind{model.ChangePaymentCompleted, model.ChangeSubscriptionActivated, model.ChangeUnknownOrder} {
			bus.Publish(context.Background(), model.StateChange{Kind: k, OrderID: "o-1"})
		}
		waitGroup(t, &a.wg)
		waitGroup(t, &b.wg)
		assert.Len(t, a.got, 3)
		assert.Len(t, b.got, 3)
	})

	t.Run("should not block when the pool is saturated", func(t *testing.T) {
		pool := worker.NewPool(1, 1, newTestLogger())
		block := make(chan struct{})
		started := make(chan struct{})
		pool.Start(context.Background())
		_ = pool.Submit(func(ctx context.Context) error { close(started); <-block; return nil })
		<-started
		_ = pool.Submit(func(ctx context.Context) error { return nil })

		bus := NewBus(pool, time.Second, newTestLogger())
		c := &collector{}
		bus.Subscribe("c", c.handle)
		c.wg.Add(1)

		done := make(chan struct{})
		go func() {
			bus.Publish(context.Background(), model.StateChange{Kind: model.ChangePaymentFailed})
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publish blocked")
		}
		waitGroup(t, &c.wg)
		bus.Wait()
		close(block)
		pool.Stop()
	})

	t.Run("should outlive the publisher's context", func(t *testing.T) {
		bus := NewBus(nil, time.Second, newTestLogger())
		var seen error
		var wg sync.WaitGroup
		wg.Add(1)
		bus.Subscribe("ctx", func(ctx context.Context, ch model.StateChange) error {
			defer wg.Done()
			seen = ctx.Err()
			return nil
		})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		bus.Publish(ctx, model.StateChange{Kind: model.ChangePaymentCompleted})
		waitGroup(t, &wg)
		assert.NoError(t, seen)
	})
}

func TestNoop(t *testing.T) {
	Noop{}.Publish(context.Background(), model.StateChange{})
}

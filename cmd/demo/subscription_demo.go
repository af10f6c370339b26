package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
)

// runRaceDemo pays one order and delivers the gateway push three times
// concurrently while the poller is also running. Exactly one delivery
// activates the subscription; the rest are no-ops.
func runRaceDemo(ctx context.Context, e *engine) bool {
	fmt.Println("== webhook/poll race ==")
	const userID = "demo-user"

	order, err := e.orders.CreateOrder(ctx, userID, "basic-monthly")
	if err != nil {
		log.Printf("create order: %v", err)
		return false
	}
	fmt.Printf("order %s: scan %s before %s\n", order.OrderID, order.QRCodeImage, order.ExpiresAt.Format(time.RFC3339))

	if err := e.sandbox.Settle(order.OrderID); err != nil {
		log.Printf("settle: %v", err)
		return false
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[model.ReconcileOutcome]int{}
	)
	for i, enc := range []adapter.Encoding{adapter.EncodingJSON, adapter.EncodingXML, adapter.EncodingJSON} {
		wg.Add(1)
		go func(i int, enc adapter.Encoding) {
			defer wg.Done()
			body, hdr, err := e.sandbox.Notification(order.OrderID, enc)
			if err != nil {
				log.Printf("push %d: %v", i, err)
				return
			}
			ev, _, err := e.codec.Decode(body, hdr)
			if err != nil {
				log.Printf("push %d rejected: %v", i, err)
				return
			}
			res, err := e.rec.Apply(ctx, *ev, model.SourceWebhook)
			if err != nil {
				log.Printf("push %d apply: %v", i, err)
				return
			}
			mu.Lock()
			outcomes[res.Outcome]++
			mu.Unlock()
		}(i, enc)
	}
	wg.Wait()

	if s, ok := e.registry.Session(order.OrderID); ok {
		select {
		case <-s.Done():
			fmt.Printf("poll session ended: %s\n", s.State())
		case <-time.After(2 * time.Second):
			fmt.Printf("poll session still %s\n", s.State())
		}
	}

	st, err := e.orders.Status(ctx, userID, order.OrderID, false)
	if err != nil {
		log.Printf("status: %v", err)
		return false
	}
	ent, err := e.lifecycle.Entitlement(ctx, userID)
	if err != nil {
		log.Printf("entitlement: %v", err)
		return false
	}
	fmt.Printf("deliveries: %v\n", outcomes)
	fmt.Printf("payment: %s, tier: %s, valid until %v\n", st.Status, ent.Tier, ent.ValidUntil)

	return outcomes[model.ReconcileApplied] <= 1 && st.Status == model.PaymentStatusCompleted && ent.Tier == model.TierBasic
}

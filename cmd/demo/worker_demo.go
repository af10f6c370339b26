package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"subscription-engine/internal/domain/model"
)

// runQuotaDemo fires concurrent consumes for one dimension through the worker
// pool. The ledger admits exactly the limit, no matter how the tasks
// interleave.
func runQuotaDemo(ctx context.Context, e *engine) bool {
	fmt.Println("== concurrent quota ==")
	const (
		userID = "quota-user"
		tasks  = 25
	)

	ent, err := e.lifecycle.Entitlement(ctx, userID)
	if err != nil {
		log.Printf("entitlement: %v", err)
		return false
	}
	limit := ent.Quotas.Limit(model.DimensionCreate)

	var (
		allowed, denied int64
		wg              sync.WaitGroup
	)
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		task := func(ctx context.Context) error {
			defer wg.Done()
			dec, err := e.quota.TryConsume(ctx, userID, model.DimensionCreate, 1)
			if err != nil {
				return err
			}
			if dec.Allowed {
				atomic.AddInt64(&allowed, 1)
			} else {
				atomic.AddInt64(&denied, 1)
			}
			return nil
		}
		if err := e.pool.Submit(task); err != nil {
			// run inline when the queue is full
			_ = task(ctx)
		}
	}
	wg.Wait()

	usage, err := e.quota.Remaining(ctx, userID, model.DimensionCreate)
	if err != nil {
		log.Printf("remaining: %v", err)
		return false
	}
	fmt.Printf("tier %s limit %d: allowed=%d denied=%d used=%d resets=%s\n",
		ent.Tier, limit, allowed, denied, usage.Used, usage.ResetsAt.Format("2006-01-02"))
	return allowed == limit && usage.Used == limit
}

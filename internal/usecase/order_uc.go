// File: internal/usecase/order_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
	"subscription-engine/internal/domain/ports/repository"
	ucport "subscription-engine/internal/domain/ports/usecase"
	"subscription-engine/internal/infra/metrics"
)

// Compile-time checks
var (
	_ OrderUseCase        = (*orderUC)(nil)
	_ ucport.OrderSweeper = (*orderUC)(nil)
)

const (
	reasonSuperseded = "superseded"
	reasonQRExpired  = "qr_expired"
	staleBatch       = 200
)

type OrderUseCase interface {
	// CreateOrder asks the gateway for a QR code and records the pending
	// payment. Any older open order of the same subscription is cancelled.
	CreateOrder(ctx context.Context, userID, planID string) (*model.Order, error)
	// Status returns the stored view of an order. With pull set, a still-open
	// order is queried once at the gateway and the answer applied first.
	Status(ctx context.Context, userID, orderID string, pull bool) (*model.OrderStatus, error)
	// ExpireStale settles or cancels orders whose QR code expired.
	ExpireStale(ctx context.Context, now time.Time) (int, error)
}

// OrderOptions configures order creation.
type OrderOptions struct {
	QRTTL        time.Duration
	NotifyURL    string
	QueryTimeout time.Duration
}

type orderUC struct {
	payments  repository.PaymentRepository
	subs      repository.SubscriptionRepository
	plans     repository.PlanRepository
	tm        repository.TransactionManager
	lifecycle SubscriptionUseCase
	gateway   adapter.PaymentGateway
	rec       ucport.Reconciler
	watcher   ucport.PaymentWatcher
	events    adapter.EventPublisher
	opts      OrderOptions
	log       *zerolog.Logger
}

// NewOrderUseCase wires order handling. watcher may be nil when no poll
// sessions should be started.
func NewOrderUseCase(
	payments repository.PaymentRepository,
	subs repository.SubscriptionRepository,
	plans repository.PlanRepository,
	tm repository.TransactionManager,
	lifecycle SubscriptionUseCase,
	gateway adapter.PaymentGateway,
	rec ucport.Reconciler,
	watcher ucport.PaymentWatcher,
	events adapter.EventPublisher,
	opts OrderOptions,
	logger *zerolog.Logger,
) *orderUC {
	if opts.QRTTL <= 0 {
		opts.QRTTL = 15 * time.Minute
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 3 * time.Second
	}
	l := logger.With().Str("component", "OrderUC").Logger()
	return &orderUC{
		payments:  payments,
		subs:      subs,
		plans:     plans,
		tm:        tm,
		lifecycle: lifecycle,
		gateway:   gateway,
		rec:       rec,
		watcher:   watcher,
		events:    events,
		opts:      opts,
		log:       &l,
	}
}

func (u *orderUC) CreateOrder(ctx context.Context, userID, planID string) (*model.Order, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", domain.ErrInvalidArgument)
	}
	plan, err := u.plans.FindByID(ctx, repository.NoTX, planID)
	if err != nil {
		return nil, err
	}
	if plan.Free() {
		return nil, fmt.Errorf("%w: plan %s is free", domain.ErrInvalidArgument, planID)
	}

	now := time.Now()
	orderID := ulid.Make().String()
	expiresAt := now.Add(u.opts.QRTTL)
	amount := plan.AmountMinor()

	start := time.Now()
	resp, err := u.gateway.CreateOrder(ctx, adapter.OrderRequest{
		OrderID:     orderID,
		UserID:      userID,
		Description: plan.Name,
		Amount:      amount,
		Currency:    plan.Currency,
		NotifyURL:   u.opts.NotifyURL,
		ExpiresAt:   expiresAt,
	})
	metrics.ObserveGatewayCall("create_order", gatewayResult(err), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("gateway create order: %w", err)
	}
	if !resp.ExpiresAt.IsZero() && resp.ExpiresAt.Before(expiresAt) {
		expiresAt = resp.ExpiresAt
	}

	var (
		pay        *model.Payment
		superseded []*model.Payment
	)
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		pay, superseded = nil, nil
		sub, err := u.subscriptionFor(ctx, tx, userID, planID)
		if err != nil {
			return err
		}

		open, err := u.payments.ListPendingBySubscription(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		for _, old := range open {
			from := old.Status
			old.Cancel(reasonSuperseded, now)
			if err := u.payments.Transition(ctx, tx, old); err != nil {
				return err
			}
			if err := u.payments.AppendAudit(ctx, tx, &model.PaymentAudit{
				PaymentID:      old.ID,
				SubscriptionID: sub.ID,
				From:           from,
				To:             old.Status,
				Source:         model.SourceSweep,
				Note:           "superseded by " + orderID,
				At:             now,
			}); err != nil {
				return err
			}
			superseded = append(superseded, old)
		}

		pay = &model.Payment{
			ID:             orderID,
			SubscriptionID: sub.ID,
			UserID:         userID,
			PlanID:         plan.ID,
			Amount:         amount,
			Currency:       plan.Currency,
			Status:         model.PaymentStatusPending,
			QRCodeURL:      resp.CodeURL,
			ExpiresAt:      expiresAt,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return u.payments.Create(ctx, tx, pay)
	})
	if err != nil {
		u.log.Error().Err(err).Str("user_id", userID).Str("order_id", orderID).Msg("order not recorded")
		return nil, err
	}

	metrics.IncPayment(string(pay.Status))
	for _, old := range superseded {
		metrics.IncPayment(string(old.Status))
		u.events.Publish(ctx, paymentChange(model.ChangePaymentCancelled, old, model.SourceSweep, now))
	}
	if u.watcher != nil {
		u.watcher.Watch(pay.ID, userID, pay.ExpiresAt)
	}
	u.log.Info().
		Str("user_id", userID).
		Str("order_id", pay.ID).
		Str("plan_id", plan.ID).
		Int64("amount", pay.Amount).
		Int("superseded", len(superseded)).
		Msg("order created")

	return &model.Order{
		OrderID:        pay.ID,
		QRCodeImage:    pay.QRCodeURL,
		ExpiresAt:      pay.ExpiresAt,
		Amount:         pay.Amount,
		Currency:       pay.Currency,
		PlanID:         pay.PlanID,
		SubscriptionID: pay.SubscriptionID,
	}, nil
}

// subscriptionFor reuses the user's subscription to the same plan while it can
// still move forward, otherwise it starts a pending one.
func (u *orderUC) subscriptionFor(ctx context.Context, tx repository.Tx, userID, planID string) (*model.Subscription, error) {
	all, err := u.subs.ListByUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.PlanID != planID {
			continue
		}
		switch s.Status {
		case model.SubscriptionStatusActive, model.SubscriptionStatusSuspended, model.SubscriptionStatusPending:
			return s, nil
		}
	}
	return u.lifecycle.CreatePending(ctx, tx, userID, planID)
}

func (u *orderUC) Status(ctx context.Context, userID, orderID string, pull bool) (*model.OrderStatus, error) {
	p, err := u.payments.FindByID(ctx, repository.NoTX, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrUnknownOrder
	}
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, domain.ErrUnknownOrder
	}
	if !pull || !p.Status.Open() {
		return model.StatusOf(p), nil
	}

	ev, err := u.query(ctx, orderID)
	if err != nil {
		// inconclusive, the stored view stands
		u.log.Debug().Err(err).Str("order_id", orderID).Msg("status query inconclusive")
		return model.StatusOf(p), nil
	}
	res, err := u.rec.Apply(ctx, *ev, model.SourceStatusQuery)
	if err != nil {
		return nil, err
	}
	if res.Payment != nil {
		return model.StatusOf(res.Payment), nil
	}
	return model.StatusOf(p), nil
}

func (u *orderUC) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	stale, err := u.payments.ListPendingExpiredBefore(ctx, repository.NoTX, now, staleBatch)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, p := range stale {
		ev, err := u.query(ctx, p.ID)
		if err != nil {
			if errors.Is(err, domain.ErrTransientGateway) {
				continue
			}
			u.log.Warn().Err(err).Str("order_id", p.ID).Msg("final status query failed")
			continue
		}

		if ev.Outcome != model.OutcomePending {
			res, err := u.rec.Apply(ctx, *ev, model.SourceSweep)
			if err != nil {
				return closed, err
			}
			if res.Outcome == model.ReconcileApplied || res.Outcome == model.ReconcileRejected {
				closed++
			}
			continue
		}

		cancelled, err := u.cancelExpired(ctx, p.ID, now)
		switch {
		case err == nil && cancelled != nil:
			closed++
			metrics.IncPayment(string(cancelled.Status))
			u.events.Publish(ctx, paymentChange(model.ChangePaymentCancelled, cancelled, model.SourceSweep, now))
		case err == nil, errors.Is(err, domain.ErrConflict):
			// settled by another producer in the meantime
		default:
			return closed, fmt.Errorf("cancel order %s: %w", p.ID, err)
		}
	}
	if closed > 0 {
		u.log.Info().Int("closed", closed).Int("scanned", len(stale)).Msg("stale orders swept")
	}
	return closed, nil
}

func (u *orderUC) cancelExpired(ctx context.Context, orderID string, now time.Time) (*model.Payment, error) {
	var out *model.Payment
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		out = nil
		p, err := u.payments.FindByID(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !p.Status.Open() {
			return nil
		}
		from := p.Status
		p.Cancel(reasonQRExpired, now)
		if err := u.payments.Transition(ctx, tx, p); err != nil {
			return err
		}
		if err := u.payments.AppendAudit(ctx, tx, &model.PaymentAudit{
			PaymentID:      p.ID,
			SubscriptionID: p.SubscriptionID,
			From:           from,
			To:             p.Status,
			Source:         model.SourceSweep,
			Note:           reasonQRExpired,
			At:             now,
		}); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

func (u *orderUC) query(ctx context.Context, orderID string) (*model.PaymentEvent, error) {
	qctx, cancel := context.WithTimeout(ctx, u.opts.QueryTimeout)
	defer cancel()
	start := time.Now()
	ev, err := u.gateway.QueryStatus(qctx, orderID)
	metrics.ObserveGatewayCall("query_status", gatewayResult(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	if ev.OrderID == "" {
		ev.OrderID = orderID
	}
	return ev, nil
}

func gatewayResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrTransientGateway), errors.Is(err, context.DeadlineExceeded):
		return "transient"
	default:
		return "error"
	}
}

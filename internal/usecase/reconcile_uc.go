// File: internal/usecase/reconcile_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
	"subscription-engine/internal/domain/ports/repository"
	ucport "subscription-engine/internal/domain/ports/usecase"
	"subscription-engine/internal/infra/metrics"
)

// Compile-time check
var _ ucport.Reconciler = (*reconcileUC)(nil)

const (
	maxApplyAttempts     = 3
	reasonAmountMismatch = "amount_mismatch"
	reasonGatewayFailure = "payment_failed"
)

type reconcileUC struct {
	payments repository.PaymentRepository
	subs     repository.SubscriptionRepository
	tm       repository.TransactionManager
	events   adapter.EventPublisher
	log      *zerolog.Logger
}

func NewReconcileUseCase(
	payments repository.PaymentRepository,
	subs repository.SubscriptionRepository,
	tm repository.TransactionManager,
	events adapter.EventPublisher,
	logger *zerolog.Logger,
) *reconcileUC {
	l := logger.With().Str("component", "Reconciler").Logger()
	return &reconcileUC{payments: payments, subs: subs, tm: tm, events: events, log: &l}
}

// Apply is the single consumer of payment outcomes. Webhooks, polls, status
// queries and the sweep all funnel through here, and the terminal-status check
// inside the transaction makes repeated delivery a no-op.
func (u *reconcileUC) Apply(ctx context.Context, ev model.PaymentEvent, source model.EventSource) (*model.ReconciliationResult, error) {
	if ev.OrderID == "" {
		return nil, fmt.Errorf("%w: empty order id", domain.ErrInvalidArgument)
	}
	log := u.log.With().Str("order_id", ev.OrderID).Str("source", string(source)).Logger()

	for attempt := 1; ; attempt++ {
		res, changes, err := u.applyOnce(ctx, ev, source)
		if errors.Is(err, domain.ErrConflict) && attempt < maxApplyAttempts {
			metrics.IncReconcileConflict(string(source))
			log.Debug().Int("attempt", attempt).Msg("concurrent update, re-reading order")
			continue
		}
		if err != nil {
			metrics.IncReconciliation(string(source), "error")
			log.Error().Err(err).Msg("apply failed")
			return nil, err
		}

		metrics.IncReconciliation(string(source), string(res.Outcome))
		switch res.Outcome {
		case model.ReconcileUnknownOrder:
			log.Warn().Msg("payment event for unknown order")
		case model.ReconcileAlreadyReconciled, model.ReconcileStillPending:
			log.Debug().Str("outcome", string(res.Outcome)).Msg("no state change")
		case model.ReconcileRejected:
			log.Warn().Str("reason", reasonAmountMismatch).Msg("payment rejected")
		default:
			log.Info().Str("payment_status", string(res.Payment.Status)).Msg("payment reconciled")
		}

		for _, c := range changes {
			u.events.Publish(ctx, c)
		}
		return res, nil
	}
}

func (u *reconcileUC) applyOnce(ctx context.Context, ev model.PaymentEvent, source model.EventSource) (*model.ReconciliationResult, []model.StateChange, error) {
	var (
		res     *model.ReconciliationResult
		changes []model.StateChange
	)
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		res, changes = nil, nil
		now := time.Now()

		p, err := u.payments.FindByID(ctx, tx, ev.OrderID)
		if errors.Is(err, domain.ErrNotFound) {
			res = &model.ReconciliationResult{Outcome: model.ReconcileUnknownOrder}
			changes = append(changes, model.StateChange{
				Kind:    model.ChangeUnknownOrder,
				OrderID: ev.OrderID,
				Source:  source,
				Note:    string(ev.Outcome),
				At:      now,
			})
			return nil
		}
		if err != nil {
			return err
		}

		if p.Status.IsTerminal() {
			res = &model.ReconciliationResult{Outcome: model.ReconcileAlreadyReconciled, Payment: p}
			return nil
		}

		switch ev.Outcome {
		case model.OutcomePending:
			res = &model.ReconciliationResult{Outcome: model.ReconcileStillPending, Payment: p}
			return nil
		case model.OutcomeSuccess:
			if note, bad := mismatch(p, ev); bad {
				res, changes, err = u.reject(ctx, tx, p, note, source, now)
				return err
			}
			res, changes, err = u.complete(ctx, tx, p, ev, source, now)
			return err
		case model.OutcomeFailure:
			res, changes, err = u.fail(ctx, tx, p, ev, source, now)
			return err
		default:
			return fmt.Errorf("%w: outcome %q", domain.ErrInvalidArgument, ev.Outcome)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return res, changes, nil
}

// complete marks the payment paid and activates the linked subscription in
// the same transaction.
func (u *reconcileUC) complete(ctx context.Context, tx repository.Tx, p *model.Payment, ev model.PaymentEvent, source model.EventSource, now time.Time) (*model.ReconciliationResult, []model.StateChange, error) {
	sub, err := u.subs.FindByID(ctx, tx, p.SubscriptionID)
	if err != nil {
		return nil, nil, fmt.Errorf("load subscription %s: %w", p.SubscriptionID, err)
	}

	fresh := sub.IsClosed()
	if fresh {
		// Money arrived for a subscription that can no longer move forward.
		sub = sub.Successor(uuid.NewString(), now)
		p.SubscriptionID = sub.ID
	}
	if sub.Status == model.SubscriptionStatusPending {
		if err := u.carryOver(ctx, tx, sub, now); err != nil {
			return nil, nil, err
		}
	}

	start := now
	if sub.EndDate.After(now) {
		start = sub.EndDate
	}
	if err := sub.Activate(p.ID, now); err != nil {
		return nil, nil, err
	}
	if fresh {
		err = u.subs.Create(ctx, tx, sub)
	} else {
		err = u.subs.Update(ctx, tx, sub)
	}
	if err != nil {
		return nil, nil, err
	}
	p.BillingPeriodStart = start
	p.BillingPeriodEnd = sub.EndDate

	paidAt := now
	if ev.PaidAt != nil {
		paidAt = *ev.PaidAt
	}
	var txID string
	if ev.TransactionID != nil {
		txID = *ev.TransactionID
	}
	from := p.Status
	p.Complete(txID, paidAt, now)
	if err := u.payments.Transition(ctx, tx, p); err != nil {
		return nil, nil, err
	}
	if err := u.payments.AppendAudit(ctx, tx, &model.PaymentAudit{
		PaymentID:      p.ID,
		SubscriptionID: sub.ID,
		From:           from,
		To:             p.Status,
		Source:         source,
		Note:           "subscription active until " + sub.EndDate.UTC().Format(time.RFC3339),
		At:             now,
	}); err != nil {
		return nil, nil, err
	}

	metrics.IncPayment(string(p.Status))
	metrics.AddPaymentRevenue(p.Currency, p.Amount)
	metrics.IncSubscriptionTransition(string(sub.Status))

	changes := []model.StateChange{
		paymentChange(model.ChangePaymentCompleted, p, source, now),
		{
			Kind:           model.ChangeSubscriptionActivated,
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			OrderID:        p.ID,
			SubStatus:      sub.Status,
			Tier:           sub.Tier,
			Source:         source,
			At:             now,
		},
	}
	return &model.ReconciliationResult{Outcome: model.ReconcileApplied, Payment: p, Subscription: sub}, changes, nil
}

// carryOver moves the start of a first activation to the end of any
// still-usable subscription the user holds for the same plan.
func (u *reconcileUC) carryOver(ctx context.Context, tx repository.Tx, sub *model.Subscription, now time.Time) error {
	all, err := u.subs.ListByUser(ctx, tx, sub.UserID)
	if err != nil {
		return fmt.Errorf("list subscriptions of %s: %w", sub.UserID, err)
	}
	for _, prev := range all {
		sub.ContinueAfter(prev, now)
	}
	return nil
}

// fail records a gateway-reported failure. The subscription keeps whatever
// status it had; an active one stays usable until its end date.
func (u *reconcileUC) fail(ctx context.Context, tx repository.Tx, p *model.Payment, ev model.PaymentEvent, source model.EventSource, now time.Time) (*model.ReconciliationResult, []model.StateChange, error) {
	reason := reasonGatewayFailure
	if ev.FailureReason != nil && *ev.FailureReason != "" {
		reason = *ev.FailureReason
	}
	from := p.Status
	p.Fail(reason, now)
	if err := u.payments.Transition(ctx, tx, p); err != nil {
		return nil, nil, err
	}
	if err := u.payments.AppendAudit(ctx, tx, &model.PaymentAudit{
		PaymentID:      p.ID,
		SubscriptionID: p.SubscriptionID,
		From:           from,
		To:             p.Status,
		Source:         source,
		Note:           reason,
		At:             now,
	}); err != nil {
		return nil, nil, err
	}
	metrics.IncPayment(string(p.Status))

	changes := []model.StateChange{paymentChange(model.ChangePaymentFailed, p, source, now)}
	return &model.ReconciliationResult{Outcome: model.ReconcileApplied, Payment: p}, changes, nil
}

// reject fails a success report whose amount or currency does not match the
// order. Nothing is granted and operators are told.
func (u *reconcileUC) reject(ctx context.Context, tx repository.Tx, p *model.Payment, note string, source model.EventSource, now time.Time) (*model.ReconciliationResult, []model.StateChange, error) {
	from := p.Status
	p.Fail(reasonAmountMismatch, now)
	if err := u.payments.Transition(ctx, tx, p); err != nil {
		return nil, nil, err
	}
	if err := u.payments.AppendAudit(ctx, tx, &model.PaymentAudit{
		PaymentID:      p.ID,
		SubscriptionID: p.SubscriptionID,
		From:           from,
		To:             p.Status,
		Source:         source,
		Note:           note,
		At:             now,
	}); err != nil {
		return nil, nil, err
	}
	metrics.IncPayment(string(p.Status))

	alert := paymentChange(model.ChangeAmountMismatch, p, source, now)
	alert.Note = note
	changes := []model.StateChange{paymentChange(model.ChangePaymentFailed, p, source, now), alert}
	return &model.ReconciliationResult{Outcome: model.ReconcileRejected, Payment: p}, changes, nil
}

func mismatch(p *model.Payment, ev model.PaymentEvent) (string, bool) {
	if ev.AmountPaid != nil && *ev.AmountPaid != p.Amount {
		return fmt.Sprintf("paid %d, expected %d %s", *ev.AmountPaid, p.Amount, p.Currency), true
	}
	if ev.Currency != "" && !strings.EqualFold(ev.Currency, p.Currency) {
		return fmt.Sprintf("paid in %s, expected %s", ev.Currency, p.Currency), true
	}
	return "", false
}

func paymentChange(kind model.ChangeKind, p *model.Payment, source model.EventSource, now time.Time) model.StateChange {
	c := model.StateChange{
		Kind:           kind,
		UserID:         p.UserID,
		SubscriptionID: p.SubscriptionID,
		OrderID:        p.ID,
		PaymentStatus:  p.Status,
		Source:         source,
		At:             now,
	}
	if p.FailureReason != nil {
		c.Note = *p.FailureReason
	}
	return c
}

// File: internal/usecase/subscription_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
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

// Compile-time checks
var (
	_ SubscriptionUseCase        = (*subscriptionUC)(nil)
	_ ucport.SubscriptionManager = (*subscriptionUC)(nil)
)

const expireBatch = 500

type SubscriptionUseCase interface {
	// CreatePending snapshots the plan into a subscription awaiting payment.
	CreatePending(ctx context.Context, tx repository.Tx, userID, planID string) (*model.Subscription, error)
	// Current returns the usable subscription of the user or domain.ErrNotFound.
	Current(ctx context.Context, userID string) (*model.Subscription, error)
	// Cancel turns auto-renew off; the subscription stays usable until its end date.
	Cancel(ctx context.Context, userID, subscriptionID string) (*model.Subscription, error)
	// FinishExpired closes subscriptions whose end date passed and returns how many.
	FinishExpired(ctx context.Context, now time.Time) (int, error)
	// Entitlement resolves the tier and limits in force, falling back to the free plan.
	Entitlement(ctx context.Context, userID string) (*model.Entitlement, error)
}

type subscriptionUC struct {
	subs   repository.SubscriptionRepository
	plans  repository.PlanRepository
	tm     repository.TransactionManager
	events adapter.EventPublisher
	log    *zerolog.Logger
}

func NewSubscriptionUseCase(
	subs repository.SubscriptionRepository,
	plans repository.PlanRepository,
	tm repository.TransactionManager,
	events adapter.EventPublisher,
	logger *zerolog.Logger,
) *subscriptionUC {
	l := logger.With().Str("component", "SubscriptionUC").Logger()
	return &subscriptionUC{subs: subs, plans: plans, tm: tm, events: events, log: &l}
}

func (u *subscriptionUC) CreatePending(ctx context.Context, tx repository.Tx, userID, planID string) (*model.Subscription, error) {
	plan, err := u.plans.FindByID(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	s, err := model.NewPendingSubscription(uuid.NewString(), userID, plan, "qr", time.Now())
	if err != nil {
		return nil, err
	}
	if err := u.subs.Create(ctx, tx, s); err != nil {
		return nil, err
	}
	metrics.IncSubscriptionTransition(string(s.Status))
	return s, nil
}

func (u *subscriptionUC) Current(ctx context.Context, userID string) (*model.Subscription, error) {
	s, err := u.subs.FindCurrentByUser(ctx, repository.NoTX, userID)
	if err != nil {
		return nil, err
	}
	if !s.IsUsable(time.Now()) {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

func (u *subscriptionUC) Cancel(ctx context.Context, userID, subscriptionID string) (*model.Subscription, error) {
	var out *model.Subscription
	now := time.Now()
	err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		s, err := u.subs.FindByID(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if s.UserID != userID {
			return domain.ErrForbidden
		}
		if err := s.Cancel(now); err != nil {
			return err
		}
		if err := u.subs.Update(ctx, tx, s); err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.IncSubscriptionTransition(string(out.Status))
	u.log.Info().Str("user_id", userID).Str("subscription_id", out.ID).Msg("auto-renew turned off")
	u.events.Publish(ctx, model.StateChange{
		Kind:           model.ChangeSubscriptionCancelled,
		UserID:         out.UserID,
		SubscriptionID: out.ID,
		SubStatus:      out.Status,
		Tier:           out.Tier,
		At:             now,
	})
	return out, nil
}

func (u *subscriptionUC) FinishExpired(ctx context.Context, now time.Time) (int, error) {
	due, err := u.subs.ListEndedBefore(ctx, repository.NoTX, now, expireBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range due {
		var expired *model.Subscription
		err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			s, err := u.subs.FindByID(ctx, tx, d.ID)
			if err != nil {
				return err
			}
			if err := s.Expire(now); err != nil {
				return err
			}
			if err := u.subs.Update(ctx, tx, s); err != nil {
				return err
			}
			expired = s
			return nil
		})
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
			// renewed or closed concurrently; the next run re-evaluates it
			continue
		default:
			return n, fmt.Errorf("expire subscription %s: %w", d.ID, err)
		}

		n++
		metrics.IncSubscriptionTransition(string(expired.Status))
		u.events.Publish(ctx, model.StateChange{
			Kind:           model.ChangeSubscriptionExpired,
			UserID:         expired.UserID,
			SubscriptionID: expired.ID,
			SubStatus:      expired.Status,
			Tier:           expired.Tier,
			At:             now,
		})
	}
	return n, nil
}

func (u *subscriptionUC) Entitlement(ctx context.Context, userID string) (*model.Entitlement, error) {
	s, err := u.subs.FindCurrentByUser(ctx, repository.NoTX, userID)
	switch {
	case err == nil && s.IsUsable(time.Now()):
		end := s.EndDate
		return &model.Entitlement{
			UserID:         userID,
			Tier:           s.Tier,
			Quotas:         s.Quotas.Clone(),
			SubscriptionID: s.ID,
			ValidUntil:     &end,
		}, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	free, err := u.plans.DefaultForTier(ctx, repository.NoTX, model.TierFree)
	if err != nil {
		return nil, fmt.Errorf("free plan: %w", err)
	}
	return &model.Entitlement{UserID: userID, Tier: model.TierFree, Quotas: free.Quotas.Clone()}, nil
}

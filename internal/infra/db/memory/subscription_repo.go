package memory

import (
	"context"
	"sort"
	"time"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
)

var _ repository.SubscriptionRepository = (*SubscriptionRepo)(nil)

type SubscriptionRepo struct{ store *Store }

func NewSubscriptionRepo(store *Store) *SubscriptionRepo {
	return &SubscriptionRepo{store: store}
}

func (r *SubscriptionRepo) Create(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	mt, err := txOf(tx)
	if err != nil {
		return err
	}
	if s == nil || s.ID == "" {
		return domain.ErrInvalidArgument
	}
	if mt != nil {
		if _, ok := mt.subs[s.ID]; ok {
			return domain.ErrAlreadyExists
		}
		mt.subs[s.ID] = &stagedSub{rec: s.Clone(), create: true}
		return nil
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.subs[s.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.store.subs[s.ID] = s.Clone()
	return nil
}

func (r *SubscriptionRepo) Update(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	mt, err := txOf(tx)
	if err != nil {
		return err
	}
	if s == nil || s.ID == "" {
		return domain.ErrInvalidArgument
	}
	if mt != nil {
		if st, ok := mt.subs[s.ID]; ok {
			if st.rec.Version != s.Version {
				return domain.ErrConflict
			}
			s.Version++
			st.rec = s.Clone()
			return nil
		}
		r.store.mu.RLock()
		cur, ok := r.store.subs[s.ID]
		r.store.mu.RUnlock()
		if !ok {
			return domain.ErrNotFound
		}
		if cur.Version != s.Version {
			return domain.ErrConflict
		}
		base := s.Version
		s.Version++
		mt.subs[s.ID] = &stagedSub{rec: s.Clone(), base: base}
		return nil
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cur, ok := r.store.subs[s.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != s.Version {
		return domain.ErrConflict
	}
	s.Version++
	r.store.subs[s.ID] = s.Clone()
	return nil
}

func (r *SubscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	mt, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	if mt != nil {
		if st, ok := mt.subs[id]; ok {
			return st.rec.Clone(), nil
		}
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	s, ok := r.store.subs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

func (r *SubscriptionRepo) FindCurrentByUser(ctx context.Context, tx repository.Tx, userID string) (*model.Subscription, error) {
	all, err := r.ListByUser(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var best *model.Subscription
	for _, s := range all {
		switch s.Status {
		case model.SubscriptionStatusActive, model.SubscriptionStatusCancelled, model.SubscriptionStatusSuspended:
		default:
			continue
		}
		if s.Outranks(best, now) {
			best = s
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	return best, nil
}

// ListByUser returns the user's subscriptions, newest first.
func (r *SubscriptionRepo) ListByUser(ctx context.Context, tx repository.Tx, userID string) ([]*model.Subscription, error) {
	out, err := r.list(tx, func(s *model.Subscription) bool { return s.UserID == userID })
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *SubscriptionRepo) ListEndedBefore(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := r.list(tx, func(s *model.Subscription) bool {
		switch s.Status {
		case model.SubscriptionStatusActive, model.SubscriptionStatusCancelled, model.SubscriptionStatusSuspended:
			return !s.EndDate.After(cutoff)
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *SubscriptionRepo) list(tx repository.Tx, keep func(*model.Subscription) bool) ([]*model.Subscription, error) {
	mt, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []*model.Subscription
	if mt != nil {
		for id, st := range mt.subs {
			seen[id] = true
			if keep(st.rec) {
				out = append(out, st.rec.Clone())
			}
		}
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for id, s := range r.store.subs {
		if seen[id] || !keep(s) {
			continue
		}
		out = append(out, s.Clone())
	}
	return out, nil
}

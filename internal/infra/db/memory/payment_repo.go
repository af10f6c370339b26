package memory

import (
	"context"
	"sort"
	"time"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
)

var _ repository.PaymentRepository = (*PaymentRepo)(nil)

type PaymentRepo struct{ store *Store }

func NewPaymentRepo(store *Store) *PaymentRepo {
	return &PaymentRepo{store: store}
}

func (r *PaymentRepo) Create(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	mt, err := txOf(tx)
	if err != nil {
		return err
	}
	if p == nil || p.ID == "" {
		return domain.ErrInvalidArgument
	}
	if mt != nil {
		if _, ok := mt.payments[p.ID]; ok {
			return domain.ErrAlreadyExists
		}
		mt.payments[p.ID] = &stagedPayment{rec: p.Clone(), create: true}
		return nil
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if _, ok := r.store.payments[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.store.payments[p.ID] = p.Clone()
	return nil
}

func (r *PaymentRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Payment, error) {
	mt, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	if mt != nil {
		if st, ok := mt.payments[id]; ok {
			return st.rec.Clone(), nil
		}
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	p, ok := r.store.payments[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p.Clone(), nil
}

func (r *PaymentRepo) Transition(ctx context.Context, tx repository.Tx, p *model.Payment) error {
	mt, err := txOf(tx)
	if err != nil {
		return err
	}
	if p == nil || p.ID == "" {
		return domain.ErrInvalidArgument
	}
	if mt != nil {
		if st, ok := mt.payments[p.ID]; ok {
			if st.rec.Version != p.Version || st.rec.Status.IsTerminal() {
				return domain.ErrConflict
			}
			p.Version++
			st.rec = p.Clone()
			return nil
		}
		r.store.mu.RLock()
		cur, ok := r.store.payments[p.ID]
		r.store.mu.RUnlock()
		if !ok {
			return domain.ErrNotFound
		}
		if cur.Version != p.Version || cur.Status.IsTerminal() {
			return domain.ErrConflict
		}
		base := p.Version
		p.Version++
		mt.payments[p.ID] = &stagedPayment{rec: p.Clone(), base: base}
		return nil
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cur, ok := r.store.payments[p.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Version != p.Version || cur.Status.IsTerminal() {
		return domain.ErrConflict
	}
	p.Version++
	r.store.payments[p.ID] = p.Clone()
	return nil
}

func (r *PaymentRepo) ListPendingBySubscription(ctx context.Context, tx repository.Tx, subscriptionID string) ([]*model.Payment, error) {
	out, err := r.list(tx, func(p *model.Payment) bool {
		return p.SubscriptionID == subscriptionID && p.Status.Open()
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *PaymentRepo) ListPendingExpiredBefore(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := r.list(tx, func(p *model.Payment) bool {
		return p.Status.Open() && p.ExpiresAt.Before(cutoff)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *PaymentRepo) AppendAudit(ctx context.Context, tx repository.Tx, a *model.PaymentAudit) error {
	mt, err := txOf(tx)
	if err != nil {
		return err
	}
	cp := *a
	if mt != nil {
		mt.audits = append(mt.audits, &cp)
		return nil
	}
	r.store.mu.Lock()
	r.store.audits[a.PaymentID] = append(r.store.audits[a.PaymentID], &cp)
	r.store.mu.Unlock()
	return nil
}

func (r *PaymentRepo) ListAudit(ctx context.Context, tx repository.Tx, paymentID string) ([]*model.PaymentAudit, error) {
	mt, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	var out []*model.PaymentAudit
	for _, a := range r.store.audits[paymentID] {
		cp := *a
		out = append(out, &cp)
	}
	r.store.mu.RUnlock()
	if mt != nil {
		for _, a := range mt.audits {
			if a.PaymentID == paymentID {
				cp := *a
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (r *PaymentRepo) list(tx repository.Tx, keep func(*model.Payment) bool) ([]*model.Payment, error) {
	mt, err := txOf(tx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []*model.Payment
	if mt != nil {
		for id, st := range mt.payments {
			seen[id] = true
			if keep(st.rec) {
				out = append(out, st.rec.Clone())
			}
		}
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for id, p := range r.store.payments {
		if seen[id] || !keep(p) {
			continue
		}
		out = append(out, p.Clone())
	}
	return out, nil
}

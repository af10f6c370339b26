// Package memory is an in-process store for development and tests. Writes
// inside a transaction are staged and validated against record versions at
// commit, so concurrent transactions behave like optimistic row locks.
package memory

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v4"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/repository"
)

var _ repository.TransactionManager = (*TxManager)(nil)

// Store holds every record. Repositories and the TxManager share one Store.
type Store struct {
	mu       sync.RWMutex
	subs     map[string]*model.Subscription
	payments map[string]*model.Payment
	audits   map[string][]*model.PaymentAudit
	plans    map[string]*model.Plan
}

func NewStore() *Store {
	return &Store{
		subs:     make(map[string]*model.Subscription),
		payments: make(map[string]*model.Payment),
		audits:   make(map[string][]*model.PaymentAudit),
		plans:    make(map[string]*model.Plan),
	}
}

type stagedSub struct {
	rec    *model.Subscription
	base   int64
	create bool
}

type stagedPayment struct {
	rec    *model.Payment
	base   int64
	create bool
}

// memTx is the handle passed to repositories inside WithTx.
type memTx struct {
	subs     map[string]*stagedSub
	payments map[string]*stagedPayment
	audits   []*model.PaymentAudit
}

func txOf(tx repository.Tx) (*memTx, error) {
	switch v := tx.(type) {
	case nil:
		return nil, nil
	case *memTx:
		return v, nil
	default:
		return nil, domain.ErrInvalidExecContext
	}
}

// TxManager implements repository.TransactionManager for the memory store.
type TxManager struct {
	store *Store
}

func NewTxManager(store *Store) *TxManager {
	return &TxManager{store: store}
}

// WithTx stages fn's writes and commits them atomically. A record changed by
// another commit since it was read fails the whole commit with ErrConflict.
func (m *TxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	tx := &memTx{
		subs:     make(map[string]*stagedSub),
		payments: make(map[string]*stagedPayment),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.store.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range tx.subs {
		cur, ok := s.subs[id]
		if st.create {
			if ok {
				return domain.ErrAlreadyExists
			}
			continue
		}
		if !ok {
			return domain.ErrNotFound
		}
		if cur.Version != st.base {
			return domain.ErrConflict
		}
	}
	for id, st := range tx.payments {
		cur, ok := s.payments[id]
		if st.create {
			if ok {
				return domain.ErrAlreadyExists
			}
			continue
		}
		if !ok {
			return domain.ErrNotFound
		}
		if cur.Version != st.base || cur.Status.IsTerminal() {
			return domain.ErrConflict
		}
	}

	for id, st := range tx.subs {
		s.subs[id] = st.rec
	}
	for id, st := range tx.payments {
		s.payments[id] = st.rec
	}
	for _, a := range tx.audits {
		s.audits[a.PaymentID] = append(s.audits[a.PaymentID], a)
	}
	return nil
}

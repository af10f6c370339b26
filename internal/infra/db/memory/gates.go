package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
)

var (
	_ adapter.CooldownGate   = (*Cooldown)(nil)
	_ adapter.Locker         = (*Locker)(nil)
	_ adapter.BehaviorSource = (*BehaviorSource)(nil)
)

// Cooldown is the in-process CooldownGate.
type Cooldown struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{until: make(map[string]time.Time), now: time.Now}
}

func (c *Cooldown) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if u, ok := c.until[key]; ok && now.Before(u) {
		return false, nil
	}
	c.until[key] = now.Add(ttl)
	return true, nil
}

// Locker is the in-process Locker. Locks expire after their ttl.
type Locker struct {
	mu   sync.Mutex
	held map[string]lease
}

type lease struct {
	token    string
	expireAt time.Time
}

func NewLocker() *Locker {
	return &Locker{held: make(map[string]lease)}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && time.Now().Before(cur.expireAt) {
		return "", domain.ErrConflict
	}
	token := uuid.NewString()
	l.held[key] = lease{token: token, expireAt: time.Now().Add(ttl)}
	return token, nil
}

func (l *Locker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && cur.token == token {
		delete(l.held, key)
	}
	return nil
}

// BehaviorSource serves snapshots put in by tests or the demo.
type BehaviorSource struct {
	mu    sync.RWMutex
	snaps map[string]model.BehaviorSnapshot
}

func NewBehaviorSource() *BehaviorSource {
	return &BehaviorSource{snaps: make(map[string]model.BehaviorSnapshot)}
}

func (b *BehaviorSource) Put(s model.BehaviorSnapshot) {
	b.mu.Lock()
	b.snaps[s.UserID] = s
	b.mu.Unlock()
}

func (b *BehaviorSource) Snapshot(ctx context.Context, userID string) (*model.BehaviorSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.snaps[userID]
	if !ok {
		return &model.BehaviorSnapshot{UserID: userID}, nil
	}
	cp := s
	return &cp, nil
}

// RateLimiter is the in-process fixed-window limiter.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]window), now: time.Now}
}

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, per time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	w, ok := r.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = window{resetAt: now.Add(per)}
	}
	w.count++
	r.windows[key] = w
	return w.count <= limit, nil
}

package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
	ucport "subscription-engine/internal/domain/ports/usecase"
	"subscription-engine/internal/infra/metrics"
)

var _ ucport.PaymentWatcher = (*PollRegistry)(nil)

type PollState string

const (
	PollIdle        PollState = "idle"
	PollQRDisplayed PollState = "qr_displayed"
	PollSucceeded   PollState = "succeeded"
	PollFailed      PollState = "failed"
	PollExpired     PollState = "expired"
)

func (s PollState) Terminal() bool {
	return s == PollSucceeded || s == PollFailed || s == PollExpired
}

// PollSession tracks one displayed QR code. The first terminal transition
// wins; later ones are ignored.
type PollSession struct {
	OrderID   string
	UserID    string
	ExpiresAt time.Time

	mu    sync.Mutex
	state PollState
	done  chan struct{}
}

func newPollSession(orderID, userID string, expiresAt time.Time) *PollSession {
	return &PollSession{
		OrderID:   orderID,
		UserID:    userID,
		ExpiresAt: expiresAt,
		state:     PollIdle,
		done:      make(chan struct{}),
	}
}

func (s *PollSession) State() PollState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches a terminal state.
func (s *PollSession) Done() <-chan struct{} { return s.done }

func (s *PollSession) display() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != PollIdle {
		return false
	}
	s.state = PollQRDisplayed
	return true
}

// finish moves the session to a terminal state and reports whether this call
// did it.
func (s *PollSession) finish(to PollState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = to
	close(s.done)
	return true
}

type PollerOptions struct {
	Interval     time.Duration
	QueryTimeout time.Duration
}

// PollRegistry runs one session per displayed QR code. Each tick queries the
// gateway and feeds the answer to the same Apply the webhook uses, so a lost
// push still converges.
type PollRegistry struct {
	gateway adapter.PaymentGateway
	rec     ucport.Reconciler
	locker  adapter.Locker
	opts    PollerOptions
	now     func() time.Time
	log     *zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*PollSession
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewPollRegistry builds the registry. locker may be nil for a single instance.
func NewPollRegistry(gateway adapter.PaymentGateway, rec ucport.Reconciler, locker adapter.Locker, opts PollerOptions, logger *zerolog.Logger) *PollRegistry {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 3 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := logger.With().Str("component", "PollRegistry").Logger()
	return &PollRegistry{
		gateway:  gateway,
		rec:      rec,
		locker:   locker,
		opts:     opts,
		now:      time.Now,
		log:      &l,
		sessions: make(map[string]*PollSession),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Watch starts polling orderID until it settles or expiresAt passes. A second
// Watch for the same order is a no-op.
func (r *PollRegistry) Watch(orderID, userID string, expiresAt time.Time) {
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	if _, ok := r.sessions[orderID]; ok {
		r.mu.Unlock()
		return
	}
	s := newPollSession(orderID, userID, expiresAt)
	r.sessions[orderID] = s
	r.wg.Add(1)
	r.mu.Unlock()

	s.display()
	go r.run(s)
}

// Session returns the live session for orderID, if any.
func (r *PollRegistry) Session(orderID string) (*PollSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[orderID]
	return s, ok
}

// Active returns the number of sessions still polling.
func (r *PollRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Settle ends a session early when another producer already moved the
// order. It is an event consumer and safe to call repeatedly.
func (r *PollRegistry) Settle(ctx context.Context, change model.StateChange) error {
	var to PollState
	switch change.Kind {
	case model.ChangePaymentCompleted:
		to = PollSucceeded
	case model.ChangePaymentFailed:
		to = PollFailed
	case model.ChangePaymentCancelled:
		to = PollExpired
	default:
		return nil
	}
	if s, ok := r.Session(change.OrderID); ok {
		r.finish(s, to, string(change.Source))
	}
	return nil
}

// Run blocks until ctx is done, then stops every session.
func (r *PollRegistry) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.opts.Interval).Msg("Starting poll registry")
	<-ctx.Done()
	r.Close()
	r.log.Info().Msg("Stopping poll registry")
	return ctx.Err()
}

// Close stops all sessions and waits for their goroutines.
func (r *PollRegistry) Close() {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *PollRegistry) run(s *PollSession) {
	defer r.wg.Done()
	defer r.forget(s)

	expiry := time.NewTimer(time.Until(s.ExpiresAt))
	defer expiry.Stop()
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	log := r.log.With().Str("order_id", s.OrderID).Logger()
	log.Debug().Time("expires_at", s.ExpiresAt).Msg("poll session started")

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-s.done:
			return
		case <-expiry.C:
			r.finish(s, PollExpired, "timer")
			return
		case <-ticker.C:
			if to, ok := r.tick(s, &log); ok {
				r.finish(s, to, string(model.SourcePoll))
				return
			}
		}
	}
}

// tick performs one query and apply. It returns a terminal state when the
// order settled.
func (r *PollRegistry) tick(s *PollSession, log *zerolog.Logger) (PollState, bool) {
	if s.State().Terminal() {
		return "", false
	}
	if r.locker != nil {
		key := "poll:" + s.OrderID
		// the TTL only bounds a lease left behind by a crashed instance
		token, err := r.locker.TryLock(r.ctx, key, r.opts.Interval)
		if err != nil {
			if !errors.Is(err, domain.ErrConflict) {
				log.Warn().Err(err).Msg("poll lock failed")
			}
			return "", false
		}
		defer func() {
			if err := r.locker.Unlock(context.WithoutCancel(r.ctx), key, token); err != nil {
				log.Debug().Err(err).Msg("poll unlock failed")
			}
		}()
	}

	qctx, cancel := context.WithTimeout(r.ctx, r.opts.QueryTimeout)
	start := time.Now()
	ev, err := r.gateway.QueryStatus(qctx, s.OrderID)
	cancel()
	metrics.ObserveGatewayCall("query_status", gatewayResult(err), time.Since(start))
	if err != nil {
		// inconclusive; the next tick tries again until the QR expires
		log.Debug().Err(err).Msg("status query inconclusive")
		return "", false
	}
	if ev.Outcome == model.OutcomePending {
		return "", false
	}
	// a settled event is persisted even if the QR countdown fires meanwhile
	res, err := r.rec.Apply(context.WithoutCancel(r.ctx), *ev, model.SourcePoll)
	if err != nil {
		log.Error().Err(err).Msg("apply from poll failed")
		return "", false
	}
	return pollStateOf(res)
}

func pollStateOf(res *model.ReconciliationResult) (PollState, bool) {
	if res.Outcome == model.ReconcileUnknownOrder {
		return PollFailed, true
	}
	if res.Payment == nil {
		return "", false
	}
	switch res.Payment.Status {
	case model.PaymentStatusCompleted:
		return PollSucceeded, true
	case model.PaymentStatusFailed:
		return PollFailed, true
	case model.PaymentStatusCancelled:
		return PollExpired, true
	}
	return "", false
}

func (r *PollRegistry) finish(s *PollSession, to PollState, by string) {
	if !s.finish(to) {
		return
	}
	metrics.IncPollSession(string(to))
	r.log.Info().
		Str("order_id", s.OrderID).
		Str("user_id", s.UserID).
		Str("state", string(to)).
		Str("by", by).
		Msg("poll session finished")
}

func (r *PollRegistry) forget(s *PollSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.OrderID]; ok && cur == s {
		delete(r.sessions, s.OrderID)
	}
	r.mu.Unlock()
}

func gatewayResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrTransientGateway):
		return "transient"
	}
	return "error"
}

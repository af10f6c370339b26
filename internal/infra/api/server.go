package api

import (
	"context"
	"net/http"
	"time"

	ws "github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
	ucport "subscription-engine/internal/domain/ports/usecase"
	"subscription-engine/internal/infra/i18n"
	"subscription-engine/internal/usecase"
)

// RateLimiter is a per-key fixed window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// PlanLister lists the plan catalogue.
type PlanLister interface {
	List(ctx context.Context) ([]*model.Plan, error)
}

// PushHandler upgrades a request to the user's push channel.
type PushHandler interface {
	Handler(userOf func(*http.Request) string, opts *ws.AcceptOptions) http.HandlerFunc
}

type Deps struct {
	Orders        usecase.OrderUseCase
	Subscriptions usecase.SubscriptionUseCase
	Plans         PlanLister
	Quota         usecase.QuotaUseCase
	Recommend     usecase.RecommendUseCase
	Reconciler    ucport.Reconciler
	Codec         adapter.NotificationCodec
	Events        adapter.EventPublisher
	Limiter       RateLimiter // nil disables rate limiting
	Auth          *Authenticator
	Push          PushHandler // nil disables /ws
	Messages      *i18n.Catalog
	Ready         func(ctx context.Context) error // health probe, may be nil
}

type Options struct {
	RequestTimeout time.Duration
	CallbackLimit  int
	CallbackWindow time.Duration
	MaxBodyBytes   int64
	AllowedOrigins []string // websocket origin patterns
	Dev            bool
}

type Server struct {
	d    Deps
	opts Options
	log  *zerolog.Logger
}

func NewServer(d Deps, opts Options, logger *zerolog.Logger) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.CallbackLimit <= 0 {
		opts.CallbackLimit = 30
	}
	if opts.CallbackWindow <= 0 {
		opts.CallbackWindow = time.Minute
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 64 << 10
	}
	l := logger.With().Str("component", "HTTPServer").Logger()
	return &Server{d: d, opts: opts, log: &l}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(s.log), RequestLog(s.log), Recover(s.log))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// the gateway authenticates with its signature, not a bearer token
		r.With(Timeout(s.opts.RequestTimeout)).Post("/payments/notify", s.handleNotify)

		r.Group(func(r chi.Router) {
			r.Use(s.d.Auth.Middleware)
			if s.d.Push != nil {
				r.Get("/ws", s.d.Push.Handler(userFrom, &ws.AcceptOptions{
					OriginPatterns:     s.opts.AllowedOrigins,
					InsecureSkipVerify: s.opts.Dev,
				}))
			}

			r.Group(func(r chi.Router) {
				r.Use(Timeout(s.opts.RequestTimeout))
				r.Get("/payments/callback", s.handleCallback)
				r.Post("/orders", s.handleCreateOrder)

				r.Get("/subscriptions/current", s.handleCurrentSubscription)
				r.Post("/subscriptions/{id}/cancel", s.handleCancelSubscription)
				r.Get("/plans", s.handleListPlans)

				r.Get("/quota", s.handleQuotaOverview)
				r.Get("/quota/{dimension}", s.handleQuotaRemaining)
				r.Post("/quota/{dimension}/consume", s.handleQuotaConsume)

				r.Get("/recommendations/proactive", s.handleProactive)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.d.Ready != nil {
		if err := s.d.Ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

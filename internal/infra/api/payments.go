package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/oapi-codegen/runtime"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
	"subscription-engine/internal/domain/ports/adapter"
	"subscription-engine/internal/infra/logging"
	"subscription-engine/internal/infra/metrics"
	red "subscription-engine/internal/infra/redis"
)

const routeCallback = "payments_callback"

// handleNotify receives gateway pushes. The body of every answer is the
// codec's acknowledgement, since the gateway retries anything else.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := logging.With(r.Context(), s.log)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		s.ack(w, "", http.StatusBadRequest, "body too large")
		metrics.ObserveWebhook("", "malformed", time.Since(start))
		return
	}

	ev, enc, err := s.d.Codec.Decode(body, r.Header)
	switch {
	case errors.Is(err, domain.ErrVerificationFailed):
		log.Warn().Bool("security_event", true).Str("encoding", string(enc)).Str("remote", r.RemoteAddr).Err(err).Msg("notification rejected")
		s.d.Events.Publish(r.Context(), model.StateChange{
			Kind: model.ChangeVerificationFailed,
			Note: r.RemoteAddr,
			At:   time.Now(),
		})
		s.ack(w, enc, http.StatusUnauthorized, "signature verification failed")
		metrics.ObserveWebhook(string(enc), "verification_failed", time.Since(start))
		return
	case errors.Is(err, domain.ErrNotificationIgnored):
		log.Debug().Err(err).Str("encoding", string(enc)).Msg("notification ignored")
		s.ack(w, enc, http.StatusOK, "")
		metrics.ObserveWebhook(string(enc), "ignored", time.Since(start))
		return
	case err != nil:
		log.Warn().Err(err).Str("encoding", string(enc)).Msg("malformed notification")
		s.ack(w, enc, http.StatusBadRequest, "malformed notification")
		metrics.ObserveWebhook(string(enc), "malformed", time.Since(start))
		return
	}

	ctx := logging.WithOrderID(r.Context(), ev.OrderID)
	log = logging.With(ctx, s.log)
	res, err := s.d.Reconciler.Apply(ctx, *ev, model.SourceWebhook)
	if err != nil {
		// a non-success ack makes the gateway deliver again
		log.Error().Err(err).Msg("apply notification failed")
		s.ack(w, enc, http.StatusInternalServerError, "retry later")
		metrics.ObserveWebhook(string(enc), "error", time.Since(start))
		return
	}

	switch res.Outcome {
	case model.ReconcileUnknownOrder:
		log.Warn().Msg("notification for unknown order")
	case model.ReconcileAlreadyReconciled:
		log.Debug().Msg("notification already reconciled")
	default:
		log.Info().Str("outcome", string(res.Outcome)).Str("event_outcome", string(ev.Outcome)).Msg("notification applied")
	}
	s.ack(w, enc, http.StatusOK, "")
	metrics.ObserveWebhook(string(enc), "processed", time.Since(start))
}

func (s *Server) ack(w http.ResponseWriter, enc adapter.Encoding, status int, msg string) {
	ct, b := s.d.Codec.Ack(enc, status == http.StatusOK, msg)
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

type orderStatusView struct {
	*model.OrderStatus
	Message string `json:"message"`
}

// handleCallback is the browser return page and the client's status poll.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	if s.d.Limiter != nil {
		ok, err := s.d.Limiter.Allow(r.Context(), red.UserRouteKey(userID, routeCallback), s.opts.CallbackLimit, s.opts.CallbackWindow)
		if err != nil {
			// fail open; the status read is harmless
			logging.With(r.Context(), s.log).Warn().Err(err).Msg("rate limiter unavailable")
		} else if !ok {
			metrics.IncRateLimited(routeCallback)
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many status requests")
			return
		}
	}

	var orderID string
	if err := runtime.BindQueryParameter("form", true, true, "orderId", r.URL.Query(), &orderID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	var pull *bool
	if err := runtime.BindQueryParameter("form", true, false, "pull", r.URL.Query(), &pull); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}

	ctx := logging.WithOrderID(r.Context(), orderID)
	st, err := s.d.Orders.Status(ctx, userID, orderID, pull != nil && *pull)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownOrder) {
			writeError(w, http.StatusNotFound, "not_found", s.message(r, "payment.not_found"))
			return
		}
		s.fail(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, orderStatusView{OrderStatus: st, Message: s.statusMessage(r, st)})
}

func (s *Server) statusMessage(r *http.Request, st *model.OrderStatus) string {
	if st.Status == model.PaymentStatusFailed {
		if st.FailureReason != "" {
			return s.message(r, "payment.failed", st.FailureReason)
		}
		return s.message(r, "payment.failed_unknown")
	}
	return s.message(r, st.MessageKey)
}

func (s *Server) message(r *http.Request, key string, args ...interface{}) string {
	if s.d.Messages == nil {
		return key
	}
	return s.d.Messages.T(r.Header.Get("Accept-Language"), key, args...)
}

type createOrderRequest struct {
	PlanID string `json:"planId"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)).Decode(&req); err != nil || req.PlanID == "" {
		writeError(w, http.StatusBadRequest, "invalid_argument", "planId is required")
		return
	}
	order, err := s.d.Orders.CreateOrder(r.Context(), userFrom(r), req.PlanID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

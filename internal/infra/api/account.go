package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"

	"subscription-engine/internal/domain"
	"subscription-engine/internal/domain/model"
)

type planView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Tier        model.Tier        `json:"tier"`
	Price       string            `json:"price"`
	AmountMinor int64             `json:"amountMinor"`
	Currency    string            `json:"currency"`
	Period      string            `json:"period"`
	Quotas      model.QuotaLimits `json:"quotas"`
}

func newPlanView(p *model.Plan) planView {
	return planView{
		ID:          p.ID,
		Name:        p.Name,
		Tier:        p.Tier,
		Price:       p.Price.StringFixed(2),
		AmountMinor: p.AmountMinor(),
		Currency:    p.Currency,
		Period:      p.Period.String(),
		Quotas:      p.Quotas,
	}
}

type subscriptionView struct {
	ID              string                   `json:"id"`
	PlanID          string                   `json:"planId"`
	Tier            model.Tier               `json:"tier"`
	Status          model.SubscriptionStatus `json:"status"`
	StartDate       time.Time                `json:"startDate"`
	EndDate         time.Time                `json:"endDate"`
	NextBillingDate *time.Time               `json:"nextBillingDate,omitempty"`
	CancelledAt     *time.Time               `json:"cancelledAt,omitempty"`
	AutoRenew       bool                     `json:"autoRenew"`
	Quotas          model.QuotaLimits        `json:"quotas"`
}

func newSubscriptionView(s *model.Subscription) *subscriptionView {
	if s == nil {
		return nil
	}
	return &subscriptionView{
		ID:              s.ID,
		PlanID:          s.PlanID,
		Tier:            s.Tier,
		Status:          s.Status,
		StartDate:       s.StartDate,
		EndDate:         s.EndDate,
		NextBillingDate: s.NextBillingDate,
		CancelledAt:     s.CancelledAt,
		AutoRenew:       s.NextBillingDate != nil,
		Quotas:          s.Quotas,
	}
}

type currentView struct {
	Subscription *subscriptionView  `json:"subscription"`
	Entitlement  *model.Entitlement `json:"entitlement"`
}

func (s *Server) handleCurrentSubscription(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	ent, err := s.d.Subscriptions.Entitlement(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cur, err := s.d.Subscriptions.Current(r.Context(), userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, currentView{Subscription: newSubscriptionView(cur), Entitlement: ent})
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	var id string
	if err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true}); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	sub, err := s.d.Subscriptions.Cancel(r.Context(), userFrom(r), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSubscriptionView(sub))
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.d.Plans.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]planView, 0, len(plans))
	for _, p := range plans {
		out = append(out, newPlanView(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuotaOverview(w http.ResponseWriter, r *http.Request) {
	usage, err := s.d.Quota.Overview(r.Context(), userFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleQuotaRemaining(w http.ResponseWriter, r *http.Request) {
	dim, ok := s.dimension(w, r)
	if !ok {
		return
	}
	usage, err := s.d.Quota.Remaining(r.Context(), userFrom(r), dim)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

type consumeRequest struct {
	Amount int64 `json:"amount"`
}

type decisionView struct {
	*model.QuotaDecision
	Remaining int64  `json:"remaining"`
	Message   string `json:"message,omitempty"`
}

// handleQuotaConsume answers 200 for denials too; allowed=false is a normal
// outcome, not a client error.
func (s *Server) handleQuotaConsume(w http.ResponseWriter, r *http.Request) {
	dim, ok := s.dimension(w, r)
	if !ok {
		return
	}
	req := consumeRequest{Amount: 1}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_argument", "malformed body")
		return
	}
	dec, err := s.d.Quota.TryConsume(r.Context(), userFrom(r), dim, req.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view := decisionView{QuotaDecision: dec, Remaining: dec.Remaining()}
	switch {
	case !dec.Allowed:
		view.Message = s.message(r, "quota.exceeded", string(dim))
		if dec.Recommendation != nil && dec.Recommendation.TargetTier != "" {
			view.Message += " " + s.message(r, "recommend.upgrade", string(dec.Recommendation.TargetTier))
		}
	case dec.Recommendation != nil:
		view.Message = s.message(r, "quota.warning", int(dec.Usage.Ratio()*100), string(dim))
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) dimension(w http.ResponseWriter, r *http.Request) (model.Dimension, bool) {
	var raw string
	if err := runtime.BindStyledParameterWithOptions("simple", "dimension", chi.URLParam(r, "dimension"), &raw,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true}); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return "", false
	}
	dim, err := model.ParseDimension(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return "", false
	}
	return dim, true
}

func (s *Server) handleProactive(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	ent, err := s.d.Subscriptions.Entitlement(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	usage, err := s.d.Quota.Overview(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.d.Recommend.Proactive(r.Context(), userID, ent.Tier, usage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

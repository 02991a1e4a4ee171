package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/callbacks"
)

var (
	policyStatuses = []domain.PolicyActionStatus{
		domain.PolicyActionPending,
		domain.PolicyActionApplied,
		domain.PolicyActionRejected,
	}
	suggestionStatuses = []domain.SuggestionStatus{
		domain.SuggestionPending,
		domain.SuggestionApproved,
		domain.SuggestionRejected,
		domain.SuggestionApplied,
		domain.SuggestionValidated,
		domain.SuggestionRolledBack,
	}
)

func (a *API) riskProfile(w http.ResponseWriter, r *http.Request) {
	c, err := a.deps.Scorer.Get(r.Context(), chi.URLParam(r, "phone"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type overrideRequest struct {
	Score  int       `json:"score"`
	Until  time.Time `json:"until,omitempty"`
	Hours  int       `json:"hours,omitempty"`
	Reason string    `json:"reason"`
}

func (a *API) riskOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	until := req.Until
	if until.IsZero() && req.Hours > 0 {
		until = a.clock.Now().Add(time.Duration(req.Hours) * time.Hour)
	}
	score, err := a.deps.Scorer.Override(r.Context(), chi.URLParam(r, "phone"), req.Score, until, req.Reason, callerFrom(r.Context()).actor())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (a *API) policyActions(w http.ResponseWriter, r *http.Request) {
	status := domain.PolicyActionStatus(strings.ToUpper(r.URL.Query().Get("status")))
	if status != "" && !lo.Contains(policyStatuses, status) {
		writeError(w, r, fmt.Errorf("%w: unknown policy action status %q", domain.ErrValidation, status))
		return
	}
	limit, err := queryLimit(r, 100, 500)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := a.deps.Risk.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.PolicyAction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": list})
}

func (a *API) policyApprove(w http.ResponseWriter, r *http.Request) {
	action, err := a.deps.Risk.Approve(r.Context(), chi.URLParam(r, "id"), callerFrom(r.Context()).actor())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (a *API) policyReject(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	action, err := a.deps.Risk.Reject(r.Context(), chi.URLParam(r, "id"), callerFrom(r.Context()).actor(), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, action)
}

func (a *API) suggestions(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.SuggestionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			s := domain.SuggestionStatus(strings.ToUpper(strings.TrimSpace(part)))
			if !lo.Contains(suggestionStatuses, s) {
				writeError(w, r, fmt.Errorf("%w: unknown suggestion status %q", domain.ErrValidation, s))
				return
			}
			statuses = append(statuses, s)
		}
	}
	limit, err := queryLimit(r, 50, 500)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := a.deps.Optimizer.List(r.Context(), statuses, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": list})
}

// suggestionAction: approve, reject, apply, rollback.
func (a *API) suggestionAction(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	actor := callerFrom(r.Context()).actor()
	ctx := r.Context()

	var (
		s   domain.Suggestion
		err error
	)
	switch chi.URLParam(r, "verb") {
	case "approve":
		s, err = a.deps.Optimizer.Approve(ctx, id, actor)
	case "reject":
		s, err = a.deps.Optimizer.Reject(ctx, id, actor)
	case "apply":
		s, err = a.deps.Optimizer.Apply(ctx, id, actor)
	case "rollback":
		reason := req.Reason
		if reason == "" {
			reason = "manual rollback by " + actor
		}
		s, err = a.deps.Optimizer.Rollback(ctx, id, actor, reason)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) adminCallback(w http.ResponseWriter, r *http.Request) {
	var cmd callbacks.Command
	if err := decode(r, &cmd); err != nil {
		writeError(w, r, err)
		return
	}
	if cmd.Actor == "" {
		cmd.Actor = callerFrom(r.Context()).actor()
	}
	res, err := a.deps.Callbacks.Dispatch(r.Context(), cmd)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

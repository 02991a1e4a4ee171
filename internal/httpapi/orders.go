package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/checkout"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
)

type createOrderRequest struct {
	Shipping      domain.Shipping      `json:"shipping"`
	PaymentMethod domain.PaymentMethod `json:"payment_method"`
	AutoShip      bool                 `json:"auto_ship"`
}

func (a *API) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c := callerFrom(r.Context())
	owner := c.UserID
	if owner == "" {
		owner = c.SessionID
	}
	if owner == "" {
		writeError(w, r, fmt.Errorf("%w: %s or %s header is required", domain.ErrValidation, HeaderUserID, HeaderSessionID))
		return
	}

	o, err := a.deps.Checkout.CreateOrder(r.Context(), checkout.CreateOrderRequest{
		UserID:        c.UserID,
		CartOwner:     owner,
		Shipping:      req.Shipping,
		PaymentMethod: req.PaymentMethod,
		AutoShip:      req.AutoShip,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (a *API) myOrders(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r.Context())
	if c.UserID == "" {
		writeError(w, r, fmt.Errorf("%w: %s header is required", domain.ErrUnauthorized, HeaderUserID))
		return
	}
	limit, err := queryLimit(r, 50, 200)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := a.deps.Machine.Repository().ListByUser(r.Context(), c.UserID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

// visibleOrder загружает заказ, доступный вызывающему.
// Чужой заказ выглядит как отсутствующий. Гостевой заказ доступен по id.
func (a *API) visibleOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := a.deps.Machine.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	c := callerFrom(ctx)
	if c.Admin || o.UserID == "" || o.UserID == c.UserID {
		return o, nil
	}
	return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.visibleOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *API) orderTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := a.visibleOrder(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := a.deps.Machine.Transitions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (a *API) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	o, err := a.visibleOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	c := callerFrom(r.Context())
	// Покупатель отменяет только неоплаченный заказ.
	if !c.Admin && o.Status != domain.OrderStatusNew && o.Status != domain.OrderStatusAwaitingPayment {
		writeError(w, r, fmt.Errorf("%w: customer cannot cancel order in %s", domain.ErrInvalidTransition, o.Status))
		return
	}
	actor := c.actor()
	if !c.Admin {
		actor = orders.ActorCustomer
	}
	updated, err := a.deps.Machine.Cancel(r.Context(), o.ID, actor, strings.TrimSpace(req.Reason))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type statusRequest struct {
	Status          domain.OrderStatus `json:"status"`
	Reason          string             `json:"reason"`
	ExpectedVersion int64              `json:"expected_version,omitempty"`
}

func (a *API) setOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, fmt.Errorf("%w: unknown status %q", domain.ErrValidation, req.Status))
		return
	}
	o, err := a.deps.Machine.Transition(r.Context(), orders.TransitionRequest{
		OrderID:         chi.URLParam(r, "id"),
		To:              req.Status,
		Actor:           callerFrom(r.Context()).actor(),
		Reason:          req.Reason,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

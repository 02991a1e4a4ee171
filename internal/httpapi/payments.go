package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type checkoutRequest struct {
	OrderID string                `json:"order_id"`
	Purpose domain.PaymentPurpose `json:"purpose,omitempty"`
}

type checkoutResponse struct {
	CheckoutURL string                `json:"checkout_url"`
	Provider    string                `json:"provider"`
	OrderID     string                `json:"order_id"`
	PaymentID   string                `json:"payment_id"`
	Purpose     domain.PaymentPurpose `json:"purpose"`
	AmountMinor int64                 `json:"amount_minor"`
	Reused      bool                  `json:"reused"`
}

func (a *API) checkout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeError(w, r, domain.ErrOrderIDRequired)
		return
	}
	intent, err := a.deps.Checkout.CreatePaymentIntent(r.Context(), req.OrderID, req.Purpose)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkoutResponse{
		CheckoutURL: intent.Payment.CheckoutURL,
		Provider:    intent.Payment.Provider,
		OrderID:     intent.Payment.OrderID,
		PaymentID:   intent.Payment.ID,
		Purpose:     intent.Payment.Purpose,
		AmountMinor: intent.Payment.AmountMinor,
		Reused:      intent.Reused,
	})
}

// paymentWebhook передаёт сырые байты процессору: подпись считается по ним.
func (a *API) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: read body: %v", domain.ErrValidation, err))
		return
	}
	res, err := a.deps.Webhooks.Handle(r.Context(), chi.URLParam(r, "provider"), r.Header.Get("Content-Type"), raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) paymentStatus(w http.ResponseWriter, r *http.Request) {
	view, err := a.deps.Checkout.PaymentStatus(r.Context(), chi.URLParam(r, "order_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/shipping"
)

type createTTNRequest struct {
	OrderID      string  `json:"order_id"`
	WeightKg     float64 `json:"weight_kg,omitempty"`
	Seats        int     `json:"seats,omitempty"`
	Description  string  `json:"description,omitempty"`
	CityRef      string  `json:"city_ref,omitempty"`
	WarehouseRef string  `json:"warehouse_ref,omitempty"`

	// Суммы в гривнах.
	DeclaredValue decimal.Decimal `json:"declared_value,omitempty"`
	CODAmount     decimal.Decimal `json:"cod_amount,omitempty"`
}

type ttnResponse struct {
	OrderID               string `json:"order_id"`
	TTN                   string `json:"ttn"`
	CostMinor             int64  `json:"cost_minor"`
	EstimatedDeliveryDate string `json:"estimated_delivery_date,omitempty"`
	Idempotent            bool   `json:"idempotent"`
}

func (a *API) createTTN(w http.ResponseWriter, r *http.Request) {
	var req createTTNRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.deps.Shipping.CreateTTN(r.Context(), shipping.CreateTTNRequest{
		OrderID: strings.TrimSpace(req.OrderID),
		// Ключ запроса служит и ключом события у перевозчика.
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
		Overrides: shipping.Overrides{
			Weight:       req.WeightKg,
			SeatsAmount:  req.Seats,
			Description:  req.Description,
			CityRef:      req.CityRef,
			WarehouseRef: req.WarehouseRef,

			DeclaredValueUAH: req.DeclaredValue.Round(0).IntPart(),
			CODAmountMinor:   domain.UAHToMinor(req.CODAmount),
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	out := ttnResponse{OrderID: res.OrderID, TTN: res.TTN, Idempotent: res.Idempotent}
	if a.deps.Machine != nil {
		if o, err := a.deps.Machine.Get(r.Context(), res.OrderID); err == nil && o.Shipment != nil {
			out.CostMinor = o.Shipment.CostMinor
			out.EstimatedDeliveryDate = o.Shipment.EstimatedDeliveryDate
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type trackingResponse struct {
	TTN           string     `json:"ttn"`
	Code          string     `json:"code"`
	Text          string     `json:"text"`
	ArrivalAt     *time.Time `json:"arrival_at,omitempty"`
	StorageDay1At *time.Time `json:"storage_day1_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func trackingView(st domain.TrackingStatus) trackingResponse {
	return trackingResponse{
		TTN:           st.TTN,
		Code:          st.Code,
		Text:          st.Text,
		ArrivalAt:     st.ArrivalAt,
		StorageDay1At: st.StorageDay1At,
		UpdatedAt:     st.UpdatedAt,
	}
}

func (a *API) ttnStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.deps.Shipping.TrackingStatus(r.Context(), chi.URLParam(r, "ttn"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trackingView(st))
}

func (a *API) ttnSync(w http.ResponseWriter, r *http.Request) {
	o, err := a.deps.Shipping.SyncTTN(r.Context(), chi.URLParam(r, "ttn"), chi.URLParam(r, "order_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order_id": o.ID,
		"status":   o.Status,
		"shipment": o.Shipment,
		"returns":  o.Returns,
	})
}

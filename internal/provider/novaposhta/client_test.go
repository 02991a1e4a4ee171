package novaposhta

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type capturedRequest struct {
	APIKey           string         `json:"apiKey"`
	ModelName        string         `json:"modelName"`
	CalledMethod     string         `json:"calledMethod"`
	MethodProperties map[string]any `json:"methodProperties"`
}

func TestClient_CreateDocument(t *testing.T) {
	t.Parallel()

	var got capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success":true,"data":[{"Ref":"ref-1","CostOnSite":70,"EstimatedDeliveryDate":"03.06.2025","IntDocNumber":"20450000000001","TypeDocument":"InternetDocument"}],"errors":[],"warnings":[]}`))
	}))
	defer srv.Close()

	clk := clock.NewManual(time.Date(2025, 6, 1, 21, 30, 0, 0, time.UTC))
	client := NewClient(Config{APIKey: "key", SenderCityRef: "city-s", SenderPhone: "380500000000", BaseURL: srv.URL}, srv.Client(), nil, clk)

	doc, err := client.CreateDocument(context.Background(), domain.ShipmentRequest{
		OrderID:          "o-1",
		RecipientLast:    "Шевченко",
		RecipientFirst:   "Тарас",
		RecipientMiddle:  "Григорович",
		Phone:            "050 111 22 33",
		CityRef:          "city-r",
		WarehouseRef:     "wh-r",
		DeclaredValueUAH: 2475,
		CODAmountMinor:   150_000,
		Description:      "Order o-1",
	})
	require.NoError(t, err)
	require.Equal(t, "20450000000001", doc.TTN)
	require.Equal(t, int64(7000), doc.CostMinor)
	require.Equal(t, "03.06.2025", doc.EstimatedDeliveryDate)

	require.Equal(t, "key", got.APIKey)
	require.Equal(t, "InternetDocument", got.ModelName)
	require.Equal(t, "save", got.CalledMethod)
	props := got.MethodProperties
	require.Equal(t, "Шевченко Тарас Григорович", props["RecipientName"])
	require.Equal(t, "380501112233", props["RecipientsPhone"])
	require.Equal(t, "2475", props["Cost"])
	// 21:30 UTC 1 июня в Киеве уже 2 июня.
	require.Equal(t, "02.06.2025", props["DateTime"])
	backward, ok := props["BackwardDeliveryData"].([]any)
	require.True(t, ok)
	require.Equal(t, "1500.00", backward[0].(map[string]any)["RedeliveryString"])
}

func TestClient_TrackingStatus_Arrival(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req capturedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "getStatusDocuments", req.CalledMethod)
		_, _ = w.Write([]byte(`{"success":true,"data":[{"Number":"20450000000001","StatusCode":"7","Status":"Прибув на відділення","ActualDeliveryDate":"2025-06-03 10:15:00","DateFirstDayStorage":"2025-06-09"}]}`))
	}))
	defer srv.Close()

	client := NewClient(Config{APIKey: "key", BaseURL: srv.URL}, srv.Client(), nil, nil)
	status, err := client.TrackingStatus(context.Background(), "20450000000001", "+380501112233")
	require.NoError(t, err)
	require.Equal(t, "7", status.Code)
	require.NotNil(t, status.ArrivalAt)
	// 10:15 по Киеву летом равно 07:15 UTC.
	require.Equal(t, time.Date(2025, 6, 3, 7, 15, 0, 0, time.UTC), *status.ArrivalAt)
	require.NotNil(t, status.StorageDay1At)
}

func TestClient_TrackingStatus_InTransitHasNoArrival(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":true,"data":[{"StatusCode":"5","Status":"Відправлення прямує до міста","ActualDeliveryDate":"2025-06-03 10:15:00"}]}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, srv.Client(), nil, nil)
	status, err := client.TrackingStatus(context.Background(), "1", "")
	require.NoError(t, err)
	require.Nil(t, status.ArrivalAt)
	require.Equal(t, "Відправлення прямує до міста", status.Text)
}

func TestClient_UnsuccessfulResponseIsProviderError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"data":[],"errors":["RecipientsPhone is invalid"]}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, srv.Client(), nil, nil)
	_, err := client.CreateDocument(context.Background(), domain.ShipmentRequest{OrderID: "o-1"})
	require.ErrorIs(t, err, domain.ErrProvider)
	require.Contains(t, err.Error(), "RecipientsPhone is invalid")
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"+380501112233":   "380501112233",
		"050 111 22 33":   "380501112233",
		"(050) 111-22-33": "380501112233",
		"":                "",
	}
	for in, want := range cases {
		require.Equal(t, want, normalizePhone(in), in)
	}
}

package fondy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

func TestSign_KnownVector(t *testing.T) {
	t.Parallel()

	payload := map[string]any{
		"order_id":    "o-1:ORDER_PAYMENT:p-1",
		"merchant_id": "1396424",
		"amount":      "247500",
		"currency":    "UAH",
		"order_desc":  "",
		"signature":   "ignored",
	}
	sig := Sign("test", payload)
	// sha1("test|247500|UAH|1396424|o-1:ORDER_PAYMENT:p-1")
	require.Equal(t, "85a6afd680f13bf12d680dafe1025006b9970815", sig)
	require.Equal(t, sig, Sign("test", map[string]any{
		"currency":    "UAH",
		"amount":      json.Number("247500"),
		"order_id":    "o-1:ORDER_PAYMENT:p-1",
		"merchant_id": 1396424,
	}))
}

// Подпись, затем проверка с тем же секретом даёт true; изменение любого
// непустого поля делает подпись невалидной.
func TestSignVerify_RoundTripProperty(t *testing.T) {
	t.Parallel()

	faker := gofakeit.New(7)
	for i := 0; i < 200; i++ {
		secret := faker.Password(true, true, true, false, false, 16)
		payload := map[string]any{
			"order_id":     faker.UUID() + ":ORDER_PAYMENT:" + faker.UUID(),
			"order_status": faker.RandomString([]string{"approved", "declined", "processing"}),
			"amount":       strconv.Itoa(faker.IntRange(100, 10_000_000)),
			"currency":     "UAH",
			"payment_id":   strconv.Itoa(faker.IntRange(1, 1<<30)),
			"sender_email": faker.Email(),
		}
		payload["signature"] = Sign(secret, payload)
		require.True(t, Verify(secret, payload))

		keys := []string{"order_id", "order_status", "amount", "currency", "payment_id", "sender_email"}
		key := keys[faker.IntRange(0, len(keys)-1)]
		tampered := make(map[string]any, len(payload))
		for k, v := range payload {
			tampered[k] = v
		}
		tampered[key] = payload[key].(string) + "x"
		require.False(t, Verify(secret, tampered), "tampered %s must fail", key)
		require.False(t, Verify(secret+"!", payload))
	}
}

func TestVerify_UppercaseSignatureAccepted(t *testing.T) {
	t.Parallel()

	payload := map[string]any{"order_id": "a", "amount": "1"}
	sig := Sign("s", payload)
	payload["signature"] = "  " + strings.ToUpper(sig)
	require.True(t, Verify("s", payload))

	delete(payload, "signature")
	require.False(t, Verify("s", payload))
}

func TestParsePayload(t *testing.T) {
	t.Parallel()

	jsonPayload, err := ParsePayload("application/json", []byte(`{"order_id":"o:ORDER_PAYMENT:p","amount":1234500}`))
	require.NoError(t, err)
	require.Equal(t, "1234500", valueString(jsonPayload["amount"]))

	wrapped, err := ParsePayload("application/json; charset=utf-8", []byte(`{"response":{"order_id":"x","amount":"5"}}`))
	require.NoError(t, err)
	require.Equal(t, "x", wrapped["order_id"])

	form, err := ParsePayload("application/x-www-form-urlencoded", []byte("order_id=o%3AORDER_PAYMENT%3Ap&amount=247500&order_status=approved"))
	require.NoError(t, err)
	require.Equal(t, "o:ORDER_PAYMENT:p", form["order_id"])

	sniffed, err := ParsePayload("", []byte("order_id=a&amount=1"))
	require.NoError(t, err)
	require.Equal(t, "a", sniffed["order_id"])

	_, err = ParsePayload("application/json", []byte(`{broken`))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestParseEvent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status string
		want   domain.PaymentStatus
	}{
		{"approved", domain.PaymentStatusPaid},
		{"declined", domain.PaymentStatusDeclined},
		{"expired", domain.PaymentStatusExpired},
		{"reversed", domain.PaymentStatusReversed},
		{"processing", domain.PaymentStatusPending},
		{"created", domain.PaymentStatusPending},
	}
	for _, tc := range cases {
		ev, err := ParseEvent(map[string]any{
			"order_id":     "o:ORDER_PAYMENT:p",
			"order_status": tc.status,
			"amount":       json.Number("247500"),
			"currency":     "UAH",
			"signature":    "ABCDEF0123456789ABCDEF0123456789ABCDEF01",
		})
		require.NoError(t, err)
		require.Equal(t, tc.want, ev.Status)
		require.Equal(t, int64(247500), ev.AmountMinor)
		require.Equal(t, "o:ORDER_PAYMENT:p:"+tc.status+":abcdef0123456789abcdef0123456789", ev.EventID)
	}

	_, err := ParseEvent(map[string]any{"order_id": "x", "order_status": "weird"})
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = ParseEvent(map[string]any{"order_status": "approved"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestClient_CreatePaymentAndStatus(t *testing.T) {
	t.Parallel()

	var gotRequest map[string]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRequest))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/checkout/url/":
			_, _ = w.Write([]byte(`{"response":{"response_status":"success","checkout_url":"https://pay.fondy.eu/merchants/x","payment_id":"777"}}`))
		case "/api/status/order_id":
			_, _ = w.Write([]byte(`{"response":{"response_status":"success","order_id":"o:ORDER_PAYMENT:p","order_status":"approved","amount":"247500","currency":"UAH","payment_id":"777"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := NewClient(Config{MerchantID: "1396424", Secret: "test", BaseURL: srv.URL}, srv.Client(), nil)

	session, err := client.CreatePayment(context.Background(), domain.PaymentRequest{
		ProviderOrderID: "o:ORDER_PAYMENT:p",
		AmountMinor:     247500,
		Currency:        "UAH",
		Description:     "Замовлення o",
	})
	require.NoError(t, err)
	require.Equal(t, "777", session.ProviderPaymentID)
	require.NotEmpty(t, session.CheckoutURL)
	require.True(t, Verify("test", gotRequest["request"]), "outgoing request must be signed")

	ev, err := client.Status(context.Background(), "o:ORDER_PAYMENT:p")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPaid, ev.Status)
}

func TestClient_FailureIsProviderError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":{"response_status":"failure","error_message":"Invalid merchant","error_code":1002}}`))
	}))
	defer srv.Close()

	client := NewClient(Config{MerchantID: "1", Secret: "s", BaseURL: srv.URL}, srv.Client(), nil)
	_, err := client.CreatePayment(context.Background(), domain.PaymentRequest{ProviderOrderID: "o:ORDER_PAYMENT:p", AmountMinor: 1, Currency: "UAH"})
	require.True(t, errors.Is(err, domain.ErrProvider))
	require.Equal(t, domain.KindProvider, domain.KindOf(err))
}

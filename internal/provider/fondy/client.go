package fondy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/provider"
)

// Name — идентификатор провайдера в событиях и платежах.
const Name = "fondy"

const (
	defaultBaseURL = "https://pay.fondy.eu"
	defaultTimeout = 30 * time.Second
)

// Config — параметры мерчанта.
type Config struct {
	MerchantID  string
	Secret      string
	CallbackURL string
	ReturnURL   string
	BaseURL     string
	Timeout     time.Duration
}

// Client — HTTP-клиент Fondy.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *provider.CircuitBreaker
	logger  *log.Entry
}

var _ domain.PaymentProvider = (*Client)(nil)

// NewClient создаёт клиента. httpClient может быть nil.
func NewClient(cfg Config, httpClient *http.Client, breaker *provider.CircuitBreaker) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if breaker == nil {
		breaker = provider.NewCircuitBreaker(Name, 5, 30*time.Second, nil)
	}
	return &Client{
		cfg:     cfg,
		http:    httpClient,
		breaker: breaker,
		logger:  log.WithField("component", "fondy-client"),
	}
}

// Name возвращает имя провайдера.
func (c *Client) Name() string { return Name }

// CreatePayment создаёт checkout у Fondy.
func (c *Client) CreatePayment(ctx context.Context, req domain.PaymentRequest) (domain.PaymentSession, error) {
	body := map[string]any{
		"order_id":            req.ProviderOrderID,
		"merchant_id":         c.cfg.MerchantID,
		"order_desc":          req.Description,
		"amount":              strconv.FormatInt(req.AmountMinor, 10),
		"currency":            req.Currency,
		"server_callback_url": c.cfg.CallbackURL,
		"response_url":        c.cfg.ReturnURL,
	}
	if req.Email != "" {
		body["sender_email"] = req.Email
	}
	body[fieldSignature] = Sign(c.cfg.Secret, body)

	resp, err := c.call(ctx, "checkout", "/api/checkout/url/", body)
	if err != nil {
		return domain.PaymentSession{}, err
	}
	checkoutURL := valueString(resp["checkout_url"])
	if checkoutURL == "" {
		return domain.PaymentSession{}, fmt.Errorf("fondy checkout: empty checkout_url: %w", domain.ErrProvider)
	}
	return domain.PaymentSession{
		CheckoutURL:       checkoutURL,
		ProviderPaymentID: valueString(resp["payment_id"]),
	}, nil
}

// Status запрашивает статус заказа у Fondy.
func (c *Client) Status(ctx context.Context, providerOrderID string) (domain.WebhookEvent, error) {
	body := map[string]any{
		"order_id":    providerOrderID,
		"merchant_id": c.cfg.MerchantID,
	}
	body[fieldSignature] = Sign(c.cfg.Secret, body)

	var resp map[string]any
	err := provider.Retry(ctx, provider.DefaultRetryConfig(), domain.Retryable, func(ctx context.Context) error {
		var callErr error
		resp, callErr = c.call(ctx, "status", "/api/status/order_id", body)
		return callErr
	})
	if err != nil {
		return domain.WebhookEvent{}, err
	}
	return c.ParseWebhook(resp)
}

// VerifyWebhook проверяет подпись входящего payload.
func (c *Client) VerifyWebhook(raw []byte, payload map[string]any) bool {
	if payload == nil {
		parsed, err := ParsePayload("", raw)
		if err != nil {
			return false
		}
		payload = parsed
	}
	return Verify(c.cfg.Secret, payload)
}

// ParseWebhook нормализует payload Fondy.
func (c *Client) ParseWebhook(payload map[string]any) (domain.WebhookEvent, error) {
	return ParseEvent(payload)
}

// ParseEvent нормализует payload Fondy без привязки к мерчанту.
func ParseEvent(payload map[string]any) (domain.WebhookEvent, error) {
	orderID := valueString(payload["order_id"])
	if orderID == "" {
		return domain.WebhookEvent{}, fmt.Errorf("%w: order_id is missing", domain.ErrValidation)
	}
	providerStatus := strings.ToLower(valueString(payload["order_status"]))
	status, ok := MapStatus(providerStatus)
	if !ok {
		return domain.WebhookEvent{}, fmt.Errorf("%w: unknown order_status %q", domain.ErrValidation, providerStatus)
	}

	var amount int64
	if s := valueString(payload["amount"]); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return domain.WebhookEvent{}, fmt.Errorf("%w: amount %q", domain.ErrValidation, s)
		}
		amount = v
	}

	signature := strings.ToLower(valueString(payload[fieldSignature]))
	raw, _ := json.Marshal(payload)

	return domain.WebhookEvent{
		EventID:           EventID(orderID, providerStatus, signature),
		ProviderOrderID:   orderID,
		ProviderStatus:    providerStatus,
		Status:            status,
		AmountMinor:       amount,
		Currency:          valueString(payload["currency"]),
		ProviderPaymentID: valueString(payload["payment_id"]),
		Signature:         signature,
		Raw:               raw,
	}, nil
}

// EventID собирает ключ дедупликации события.
func EventID(providerOrderID, orderStatus, signature string) string {
	if len(signature) > 32 {
		signature = signature[:32]
	}
	return providerOrderID + ":" + orderStatus + ":" + signature
}

// MapStatus переводит order_status Fondy во внутренний статус платежа.
func MapStatus(s string) (domain.PaymentStatus, bool) {
	switch s {
	case "approved":
		return domain.PaymentStatusPaid, true
	case "declined":
		return domain.PaymentStatusDeclined, true
	case "expired":
		return domain.PaymentStatusExpired, true
	case "reversed":
		return domain.PaymentStatusReversed, true
	case "processing", "created":
		return domain.PaymentStatusPending, true
	default:
		return "", false
	}
}

func (c *Client) call(ctx context.Context, operation, path string, request map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.breaker.Execute(ctx, operation, func(ctx context.Context) error {
		payload, err := json.Marshal(map[string]any{"request": request})
		if err != nil {
			return fmt.Errorf("marshal fondy request: %w", err)
		}

		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("build fondy request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("fondy %s: %w: %v", operation, domain.ErrProvider, err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("fondy %s: read body: %w: %v", operation, domain.ErrProvider, err)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("fondy %s: http %d: %w", operation, resp.StatusCode, domain.ErrProvider)
		}

		parsed, err := ParsePayload("application/json", raw)
		if err != nil {
			return fmt.Errorf("fondy %s: %w: %v", operation, domain.ErrProvider, err)
		}
		if status := valueString(parsed["response_status"]); status != "" && status != "success" {
			return fmt.Errorf("fondy %s: %s (%s): %w", operation, valueString(parsed["error_message"]), valueString(parsed["error_code"]), domain.ErrProvider)
		}
		out = parsed
		return nil
	})
	if err != nil {
		c.logger.WithError(err).WithField("operation", operation).Warn("fondy call failed")
	}
	return out, err
}

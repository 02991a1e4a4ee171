// Package fake содержит детерминированные платёжный шлюз и перевозчика для dev-окружения и тестов.
package fake

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/provider/fondy"
)

// PaymentProviderName — имя фейкового шлюза в платежах.
const PaymentProviderName = "fake"

// PaymentProvider — шлюз с подписью Fondy и настраиваемыми ответами.
type PaymentProvider struct {
	mu sync.Mutex

	secret   string
	name     string
	statuses map[string]domain.PaymentStatus
	amounts  map[string]int64

	CreateErr error
	StatusErr error

	CreateCalls int
	StatusCalls int
}

var _ domain.PaymentProvider = (*PaymentProvider)(nil)

// NewPaymentProvider создаёт шлюз, подписывающий webhook секретом secret.
func NewPaymentProvider(secret string) *PaymentProvider {
	return &PaymentProvider{
		secret:   secret,
		name:     PaymentProviderName,
		statuses: make(map[string]domain.PaymentStatus),
		amounts:  make(map[string]int64),
	}
}

// WithName переименовывает провайдера, например чтобы подменить fondy в тестах.
func (p *PaymentProvider) WithName(name string) *PaymentProvider {
	p.name = name
	return p
}

func (p *PaymentProvider) Name() string { return p.name }

// CreatePayment возвращает checkout URL и запоминает сумму.
func (p *PaymentProvider) CreatePayment(_ context.Context, req domain.PaymentRequest) (domain.PaymentSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CreateCalls++
	if p.CreateErr != nil {
		return domain.PaymentSession{}, p.CreateErr
	}
	p.amounts[req.ProviderOrderID] = req.AmountMinor
	if _, ok := p.statuses[req.ProviderOrderID]; !ok {
		p.statuses[req.ProviderOrderID] = domain.PaymentStatusPending
	}
	return domain.PaymentSession{
		CheckoutURL:       "https://pay.example.test/checkout/" + req.ProviderOrderID,
		ProviderPaymentID: "fake-" + strconv.Itoa(p.CreateCalls),
	}, nil
}

// SetStatus задаёт статус, который вернёт Status.
func (p *PaymentProvider) SetStatus(providerOrderID string, status domain.PaymentStatus) {
	p.mu.Lock()
	p.statuses[providerOrderID] = status
	p.mu.Unlock()
}

// Status возвращает заданный статус с подписанным событием.
func (p *PaymentProvider) Status(_ context.Context, providerOrderID string) (domain.WebhookEvent, error) {
	p.mu.Lock()
	p.StatusCalls++
	err := p.StatusErr
	status, ok := p.statuses[providerOrderID]
	amount := p.amounts[providerOrderID]
	p.mu.Unlock()

	if err != nil {
		return domain.WebhookEvent{}, err
	}
	if !ok {
		return domain.WebhookEvent{}, domain.ErrPaymentNotFound
	}
	return p.ParseWebhook(p.SignedPayload(providerOrderID, providerStatus(status), amount))
}

// VerifyWebhook проверяет подпись по правилам Fondy.
func (p *PaymentProvider) VerifyWebhook(raw []byte, payload map[string]any) bool {
	if payload == nil {
		parsed, err := fondy.ParsePayload("", raw)
		if err != nil {
			return false
		}
		payload = parsed
	}
	return fondy.Verify(p.secret, payload)
}

func (p *PaymentProvider) ParseWebhook(payload map[string]any) (domain.WebhookEvent, error) {
	return fondy.ParseEvent(payload)
}

// SignedPayload собирает подписанный webhook payload.
func (p *PaymentProvider) SignedPayload(providerOrderID, orderStatus string, amountMinor int64) map[string]any {
	payload := map[string]any{
		"order_id":     providerOrderID,
		"order_status": orderStatus,
		"amount":       strconv.FormatInt(amountMinor, 10),
		"currency":     domain.CurrencyUAH,
		"payment_id":   "fake-" + providerOrderID,
	}
	payload["signature"] = fondy.Sign(p.secret, payload)
	return payload
}

// SignedBody возвращает подписанный webhook в JSON.
func (p *PaymentProvider) SignedBody(providerOrderID, orderStatus string, amountMinor int64) []byte {
	body, _ := json.Marshal(p.SignedPayload(providerOrderID, orderStatus, amountMinor))
	return body
}

func providerStatus(s domain.PaymentStatus) string {
	switch s {
	case domain.PaymentStatusPaid:
		return "approved"
	case domain.PaymentStatusDeclined:
		return "declined"
	case domain.PaymentStatusExpired:
		return "expired"
	case domain.PaymentStatusReversed:
		return "reversed"
	default:
		return "processing"
	}
}

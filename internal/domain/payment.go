package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PaymentStatus описывает состояние платежа.
type PaymentStatus string

const (
	PaymentStatusCreated  PaymentStatus = "CREATED"
	PaymentStatusPending  PaymentStatus = "PENDING"
	PaymentStatusPaid     PaymentStatus = "PAID"
	PaymentStatusDeclined PaymentStatus = "DECLINED"
	PaymentStatusExpired  PaymentStatus = "EXPIRED"
	PaymentStatusReversed PaymentStatus = "REVERSED"
)

// Active — платёж ещё может быть оплачен.
func (s PaymentStatus) Active() bool {
	return s == PaymentStatusCreated || s == PaymentStatusPending
}

// PaymentPurpose — назначение платежа.
type PaymentPurpose string

const (
	PurposeOrderPayment PaymentPurpose = "ORDER_PAYMENT"
	PurposeShipDeposit  PaymentPurpose = "SHIP_DEPOSIT"
)

// Valid проверяет назначение платежа.
func (p PaymentPurpose) Valid() bool {
	return p == PurposeOrderPayment || p == PurposeShipDeposit
}

// Payment — запись о платеже у провайдера.
type Payment struct {
	ID                string          `json:"id"`
	OrderID           string          `json:"order_id"`
	Purpose           PaymentPurpose  `json:"purpose"`
	Provider          string          `json:"provider"`
	AmountMinor       int64           `json:"amount_minor"`
	Currency          string          `json:"currency"`
	Status            PaymentStatus   `json:"status"`
	CheckoutURL       string          `json:"checkout_url,omitempty"`
	ProviderOrderID   string          `json:"provider_order_id"`
	ProviderPaymentID string          `json:"provider_payment_id,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ProviderOrderID собирает order_id для провайдера: "{order_id}:{purpose}:{payment_id}".
func ProviderOrderID(orderID string, purpose PaymentPurpose, paymentID string) string {
	return orderID + ":" + string(purpose) + ":" + paymentID
}

// ParseProviderOrderID раскладывает order_id провайдера на составляющие.
func ParseProviderOrderID(value string) (orderID string, purpose PaymentPurpose, paymentID string, err error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("%w: %q", ErrMalformedProviderOrderID, value)
	}
	purpose = PaymentPurpose(parts[1])
	if !purpose.Valid() {
		return "", "", "", fmt.Errorf("%w: unknown purpose %q", ErrMalformedProviderOrderID, parts[1])
	}
	return parts[0], purpose, parts[2], nil
}

// EventStatus — статус обработки входящего события провайдера.
type EventStatus string

const (
	EventStatusReceived  EventStatus = "RECEIVED"
	EventStatusProcessed EventStatus = "PROCESSED"
	EventStatusFailed    EventStatus = "FAILED"
)

// ProviderEvent — якорь идемпотентности для событий провайдеров.
type ProviderEvent struct {
	ID            string          `json:"id"`
	Provider      string          `json:"provider"`
	EventID       string          `json:"event_id"`
	SignatureHash string          `json:"signature_hash,omitempty"`
	OrderID       string          `json:"order_id"`
	Type          string          `json:"type"`
	Status        EventStatus     `json:"status"`
	FailReason    string          `json:"fail_reason,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PaymentAuditEntry — запись аудита входящего webhook до любой валидации.
type PaymentAuditEntry struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	Raw            []byte    `json:"raw"`
	SignatureValid bool      `json:"signature_valid"`
	Outcome        string    `json:"outcome"`
	CreatedAt      time.Time `json:"created_at"`
}

// WebhookEvent — нормализованное событие платёжного провайдера.
type WebhookEvent struct {
	EventID           string
	ProviderOrderID   string
	ProviderStatus    string
	Status            PaymentStatus
	AmountMinor       int64
	Currency          string
	ProviderPaymentID string
	Signature         string
	Raw               json.RawMessage
}

// PaymentSession — результат создания платежа у провайдера.
type PaymentSession struct {
	CheckoutURL       string
	ProviderPaymentID string
}

// PaymentRequest — запрос на создание платежа у провайдера.
type PaymentRequest struct {
	ProviderOrderID string
	AmountMinor     int64
	Currency        string
	Description     string
	Email           string
}

package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Channel — канал доставки сообщения.
type Channel string

const (
	ChannelSMS      Channel = "SMS"
	ChannelEmail    Channel = "EMAIL"
	ChannelTelegram Channel = "TELEGRAM"
)

// OutboxKind различает уведомления клиентам и алерты операторам.
type OutboxKind string

const (
	OutboxKindNotification OutboxKind = "NOTIFICATION"
	OutboxKindAdminAlert   OutboxKind = "ADMIN_ALERT"
)

// OutboxStatus — статус доставки.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "PENDING"
	OutboxStatusSent    OutboxStatus = "SENT"
	OutboxStatusFailed  OutboxStatus = "FAILED"
)

// Шаблоны сообщений.
const (
	TemplateTTNCreated        = "TTN_CREATED"
	TemplateOrderPaid         = "ORDER_PAID"
	TemplateOrderDelivered    = "ORDER_DELIVERED"
	TemplateOrderCanceled     = "ORDER_CANCELED"
	TemplatePaymentReminder15 = "PAYMENT_REMINDER_15M"
	TemplatePaymentReminder60 = "PAYMENT_REMINDER_60M"
	TemplatePickupReminderFmt = "PICKUP_REMINDER_%s"
	TemplateManual            = "MANUAL"
	TemplateAdminAlert        = "ADMIN_ALERT"
)

// Типы алертов администраторам.
const (
	AlertPaymentReceived = "PAYMENT_RECEIVED"
	AlertTTNCreated      = "TTN_CREATED"
	AlertPickupRisk      = "PICKUP_RISK"
	AlertReturnDetected  = "RETURN_DETECTED"
	AlertHighRisk        = "HIGH_RISK_CUSTOMER"
	AlertPolicyProposal  = "POLICY_PROPOSAL"
	AlertROESuggestion   = "ROE_SUGGESTION"
	AlertROERollback     = "ROE_ROLLBACK"
	AlertPaymentTimeout  = "PAYMENT_TIMEOUT"
)

// Button — кнопка inline-клавиатуры для канала администраторов.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// ReplyMarkup — набор кнопок, по строкам.
type ReplyMarkup struct {
	Rows [][]Button `json:"inline_keyboard"`
}

// CallbackData кодирует действие кнопки как "action:target_id".
func CallbackData(action, targetID string) string {
	return action + ":" + targetID
}

// ParseCallbackData раскладывает "action:target_id". Target может содержать двоеточия.
func ParseCallbackData(data string) (action, targetID string, ok bool) {
	action, targetID, ok = strings.Cut(strings.TrimSpace(data), ":")
	if !ok || action == "" || targetID == "" {
		return "", "", false
	}
	return action, targetID, true
}

// OutboxMessage — сообщение в durable очереди побочных эффектов.
type OutboxMessage struct {
	ID          string            `json:"id"`
	Kind        OutboxKind        `json:"kind"`
	Type        string            `json:"type,omitempty"`
	Channel     Channel           `json:"channel"`
	To          string            `json:"to"`
	Template    string            `json:"template"`
	Payload     json.RawMessage   `json:"payload"`
	DedupeKey   string            `json:"dedupe_key"`
	Status      OutboxStatus      `json:"status"`
	Attempts    int               `json:"attempts"`
	NextRetryAt *time.Time        `json:"next_retry_at,omitempty"`
	FailReason  string            `json:"fail_reason,omitempty"`
	ReplyMarkup *ReplyMarkup      `json:"reply_markup,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	SentAt      *time.Time        `json:"sent_at,omitempty"`
}

// EnqueueResult — результат постановки в очередь с учётом dedupe_key.
type EnqueueResult struct {
	Inserted bool
	Message  OutboxMessage
}

// OutboxStats описывает текущее состояние backlog outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
	DeadCount       int
}

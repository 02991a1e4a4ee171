package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// Топики по умолчанию.
const (
	TopicOrderEvents        = "market.order.events"
	TopicAdminCallbacks     = "market.admin.callbacks"
	TopicOutboxDLQ          = "market.outbox.dlq"
	TopicNotificationPrefix = "market.notifications"
)

// EventTypeStatusChanged — тип события перехода статуса заказа.
const EventTypeStatusChanged = "order.status_changed"

// Заголовки сообщений.
const (
	HeaderEventType     = "x-event-type"
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderDedupeKey     = "x-dedupe-key"
)

// OrderEvent — конверт события заказа в market.order.events.
type OrderEvent struct {
	EventType string                    `json:"event_type"`
	OrderID   string                    `json:"order_id"`
	Data      domain.StatusChangedEvent `json:"data"`
	Timestamp time.Time                 `json:"timestamp"`
}

// NewStatusChangedEvent оборачивает переход статуса в конверт.
func NewStatusChangedEvent(event domain.StatusChangedEvent) OrderEvent {
	ts := event.At
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return OrderEvent{
		EventType: EventTypeStatusChanged,
		OrderID:   event.OrderID,
		Data:      event,
		Timestamp: ts,
	}
}

// Notification — сообщение outbox для шлюза канала (SMS, email, Telegram).
type Notification struct {
	ID          string              `json:"id"`
	Kind        domain.OutboxKind   `json:"kind"`
	Type        string              `json:"type,omitempty"`
	Channel     domain.Channel      `json:"channel"`
	To          string              `json:"to"`
	Template    string              `json:"template"`
	Payload     json.RawMessage     `json:"payload"`
	ReplyMarkup *domain.ReplyMarkup `json:"reply_markup,omitempty"`
	Attempt     int                 `json:"attempt"`
	CreatedAt   time.Time           `json:"created_at"`
}

// NewNotification собирает конверт из сообщения outbox.
func NewNotification(msg domain.OutboxMessage) Notification {
	payload := msg.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return Notification{
		ID:          msg.ID,
		Kind:        msg.Kind,
		Type:        msg.Type,
		Channel:     msg.Channel,
		To:          msg.To,
		Template:    msg.Template,
		Payload:     payload,
		ReplyMarkup: msg.ReplyMarkup,
		Attempt:     msg.Attempts + 1,
		CreatedAt:   msg.CreatedAt,
	}
}

// DeadLetter — конверт сообщения в DLQ.
type DeadLetter struct {
	Source        string          `json:"source"`
	OriginalTopic string          `json:"original_topic,omitempty"`
	Partition     int32           `json:"original_partition,omitempty"`
	Offset        int64           `json:"original_offset,omitempty"`
	Key           string          `json:"original_key,omitempty"`
	Value         string          `json:"original_value"`
	Error         string          `json:"error_message"`
	RetryCount    int             `json:"retry_count"`
	FailedAt      time.Time       `json:"failed_at"`
}

// Источники DLQ.
const (
	DeadLetterSourceOutbox   = "outbox"
	DeadLetterSourceConsumer = "consumer"
)

package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// OrderEventPublisher публикует переходы статусов заказа.
type OrderEventPublisher struct {
	producer *Producer
	topic    string
}

var _ domain.OrderEventPublisher = (*OrderEventPublisher)(nil)

// NewOrderEventPublisher создаёт publisher; пустой topic заменяется на market.order.events.
func NewOrderEventPublisher(producer *Producer, topic string) *OrderEventPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OrderEventPublisher{producer: producer, topic: topic}
}

// PublishStatusChanged отправляет событие с ключом order_id, чтобы события заказа шли по порядку.
func (p *OrderEventPublisher) PublishStatusChanged(_ context.Context, event domain.StatusChangedEvent) error {
	_, err := p.producer.Publish(p.topic, event.OrderID, NewStatusChangedEvent(event), map[string]string{
		HeaderEventType: EventTypeStatusChanged,
	})
	return err
}

// NotificationTransport доставляет сообщения outbox в топик своего канала.
type NotificationTransport struct {
	producer *Producer
	prefix   string
}

var _ domain.OutboxTransport = (*NotificationTransport)(nil)

// NewNotificationTransport создаёт транспорт; топик канала "<prefix>.<channel>".
func NewNotificationTransport(producer *Producer, prefix string) *NotificationTransport {
	if prefix == "" {
		prefix = TopicNotificationPrefix
	}
	return &NotificationTransport{producer: producer, prefix: strings.TrimSuffix(prefix, ".")}
}

// Topic возвращает топик канала.
func (t *NotificationTransport) Topic(channel domain.Channel) string {
	return t.prefix + "." + strings.ToLower(string(channel))
}

// Deliver публикует сообщение и возвращает partition и offset как метаданные доставки.
func (t *NotificationTransport) Deliver(_ context.Context, msg domain.OutboxMessage) (map[string]string, error) {
	if msg.Channel == "" {
		return nil, fmt.Errorf("%w: outbox message %s has no channel", domain.ErrValidation, msg.ID)
	}
	topic := t.Topic(msg.Channel)
	d, err := t.producer.Publish(topic, msg.To, NewNotification(msg), map[string]string{
		HeaderEventType: msg.Template,
		HeaderDedupeKey: msg.DedupeKey,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"transport": "kafka",
		"topic":     d.Topic,
		"partition": strconv.Itoa(int(d.Partition)),
		"offset":    strconv.FormatInt(d.Offset, 10),
	}, nil
}

// DeadLetterPublisher складывает исчерпавшие попытки сообщения outbox в DLQ.
type DeadLetterPublisher struct {
	producer *Producer
	topic    string
}

var _ domain.DeadLetterPublisher = (*DeadLetterPublisher)(nil)

// NewDeadLetterPublisher создаёт publisher; пустой topic заменяется на market.outbox.dlq.
func NewDeadLetterPublisher(producer *Producer, topic string) *DeadLetterPublisher {
	if topic == "" {
		topic = TopicOutboxDLQ
	}
	return &DeadLetterPublisher{producer: producer, topic: topic}
}

// PublishDeadLetter публикует конверт с исходным сообщением и причиной.
func (p *DeadLetterPublisher) PublishDeadLetter(_ context.Context, msg domain.OutboxMessage, reason string) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox message: %w", err)
	}
	failedAt := p.producer.clock.Now()
	letter := DeadLetter{
		Source:     DeadLetterSourceOutbox,
		Key:        msg.DedupeKey,
		Value:      string(raw),
		Error:      reason,
		RetryCount: msg.Attempts,
		FailedAt:   failedAt,
	}
	_, err = p.producer.Publish(p.topic, msg.ID, letter, map[string]string{
		HeaderRetryCount:   strconv.Itoa(msg.Attempts),
		HeaderErrorMessage: reason,
		HeaderFailedAt:     formatTime(failedAt),
	})
	return err
}

// PublishConsumerDeadLetter публикует сообщение, которое consumer не смог обработать.
func (p *DeadLetterPublisher) PublishConsumerDeadLetter(letter DeadLetter) error {
	letter.Source = DeadLetterSourceConsumer
	if letter.FailedAt.IsZero() {
		letter.FailedAt = p.producer.clock.Now()
	}
	_, err := p.producer.Publish(p.topic, letter.Key, letter, map[string]string{
		HeaderRetryCount:    strconv.Itoa(letter.RetryCount),
		HeaderOriginalTopic: letter.OriginalTopic,
		HeaderErrorMessage:  letter.Error,
		HeaderFailedAt:      formatTime(letter.FailedAt),
	})
	return err
}

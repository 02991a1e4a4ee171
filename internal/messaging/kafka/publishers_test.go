package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

func TestOrderEventPublisher(t *testing.T) {
	producer, mockProducer := testProducer(t)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event OrderEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.EventType != EventTypeStatusChanged || event.OrderID != "order-1" ||
			event.Data.From != domain.OrderStatusNew || event.Data.To != domain.OrderStatusCanceled {
			return fmt.Errorf("unexpected event %+v", event)
		}
		return nil
	})

	publisher := NewOrderEventPublisher(producer, "")
	require.Equal(t, TopicOrderEvents, publisher.topic)

	err := publisher.PublishStatusChanged(context.Background(), domain.StatusChangedEvent{
		OrderID: "order-1",
		From:    domain.OrderStatusNew,
		To:      domain.OrderStatusCanceled,
		Actor:   "customer",
		Version: 2,
	})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestNotificationTransport_Topics(t *testing.T) {
	transport := NewNotificationTransport(nil, "market.notifications.")
	require.Equal(t, "market.notifications.sms", transport.Topic(domain.ChannelSMS))
	require.Equal(t, "market.notifications.email", transport.Topic(domain.ChannelEmail))
	require.Equal(t, "market.notifications.telegram", transport.Topic(domain.ChannelTelegram))
	require.Equal(t, TopicNotificationPrefix+".sms", NewNotificationTransport(nil, "").Topic(domain.ChannelSMS))
}

func TestNotificationTransport_Deliver(t *testing.T) {
	producer, mockProducer := testProducer(t)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var n Notification
		if err := json.Unmarshal(val, &n); err != nil {
			return err
		}
		if n.ID != "msg-1" || n.To != "+380501112233" || n.Template != domain.TemplateTTNCreated || n.Attempt != 2 {
			return fmt.Errorf("unexpected notification %+v", n)
		}
		if string(n.Payload) != `{"ttn":"20450000000001"}` {
			return fmt.Errorf("unexpected payload %s", n.Payload)
		}
		return nil
	})

	transport := NewNotificationTransport(producer, "")
	meta, err := transport.Deliver(context.Background(), domain.OutboxMessage{
		ID:        "msg-1",
		Kind:      domain.OutboxKindNotification,
		Channel:   domain.ChannelSMS,
		To:        "+380501112233",
		Template:  domain.TemplateTTNCreated,
		Payload:   json.RawMessage(`{"ttn":"20450000000001"}`),
		DedupeKey: "ttn:order-1",
		Attempts:  1,
	})
	require.NoError(t, err)
	require.Equal(t, "kafka", meta["transport"])
	require.Equal(t, "market.notifications.sms", meta["topic"])
	require.Contains(t, meta, "partition")
	require.Contains(t, meta, "offset")
	require.NoError(t, mockProducer.Close())
}

func TestNotificationTransport_DeliverErrors(t *testing.T) {
	producer, mockProducer := testProducer(t)
	transport := NewNotificationTransport(producer, "")

	_, err := transport.Deliver(context.Background(), domain.OutboxMessage{ID: "msg-1"})
	require.ErrorIs(t, err, domain.ErrValidation)

	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	_, err = transport.Deliver(context.Background(), domain.OutboxMessage{ID: "msg-2", Channel: domain.ChannelTelegram})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, mockProducer.Close())
}

func TestNotificationEmptyPayload(t *testing.T) {
	n := NewNotification(domain.OutboxMessage{ID: "m"})
	require.JSONEq(t, `{}`, string(n.Payload))
	require.Equal(t, 1, n.Attempt)
}

func TestDeadLetterPublisher(t *testing.T) {
	producer, mockProducer := testProducer(t)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var letter DeadLetter
		if err := json.Unmarshal(val, &letter); err != nil {
			return err
		}
		if letter.Source != DeadLetterSourceOutbox || letter.RetryCount != 8 || letter.Error != "gateway down" {
			return fmt.Errorf("unexpected dead letter %+v", letter)
		}
		if !letter.FailedAt.Equal(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)) {
			return fmt.Errorf("unexpected failed_at %s", letter.FailedAt)
		}
		var original domain.OutboxMessage
		if err := json.Unmarshal([]byte(letter.Value), &original); err != nil {
			return err
		}
		if original.ID != "msg-9" {
			return fmt.Errorf("unexpected original %+v", original)
		}
		return nil
	})

	publisher := NewDeadLetterPublisher(producer, "")
	require.Equal(t, TopicOutboxDLQ, publisher.topic)
	err := publisher.PublishDeadLetter(context.Background(), domain.OutboxMessage{
		ID:        "msg-9",
		Channel:   domain.ChannelEmail,
		DedupeKey: "paid:order-1",
		Attempts:  8,
	}, "gateway down")
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

package kafka

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

func testProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	mockProducer := mocks.NewSyncProducer(t, nil)
	p := NewProducerFrom(mockProducer,
		WithProducerLogger(log.WithField("component", "kafka-producer-test")),
		WithProducerClock(clock.NewManual(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))),
	)
	return p, mockProducer
}

func TestProducer_PublishEvent(t *testing.T) {
	producer, mockProducer := testProducer(t)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got map[string]string
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got["order_id"] != "order-123" {
			return fmt.Errorf("unexpected payload %s", val)
		}
		return nil
	})

	err := producer.PublishEvent(TopicOrderEvents, "order-123", map[string]string{"order_id": "order-123"})
	require.NoError(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishEvent_Error(t *testing.T) {
	producer, mockProducer := testProducer(t)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	err := producer.PublishEvent(TopicOrderEvents, "order-123", map[string]string{})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_PublishMarshalError(t *testing.T) {
	producer, mockProducer := testProducer(t)

	_, err := producer.Publish(TopicOrderEvents, "k", make(chan int), nil)
	require.Error(t, err)
	require.NoError(t, mockProducer.Close())
}

func TestProducer_NotInitialized(t *testing.T) {
	var p *Producer
	_, err := p.Publish(TopicOrderEvents, "k", struct{}{}, nil)
	require.Error(t, err)
}

func TestNewProducerConfig(t *testing.T) {
	config := NewProducerConfig()
	require.Equal(t, sarama.WaitForAll, config.Producer.RequiredAcks)
	require.True(t, config.Producer.Idempotent)
	require.True(t, config.Producer.Return.Successes)
	require.Equal(t, 1, config.Net.MaxOpenRequests)
	require.NoError(t, config.Validate())
}

func TestNewStatusChangedEvent(t *testing.T) {
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	event := NewStatusChangedEvent(domain.StatusChangedEvent{
		OrderID: "order-1",
		From:    domain.OrderStatusPaid,
		To:      domain.OrderStatusProcessing,
		Actor:   "system",
		Version: 4,
		At:      at,
	})

	require.Equal(t, EventTypeStatusChanged, event.EventType)
	require.Equal(t, "order-1", event.OrderID)
	require.Equal(t, at, event.Timestamp)
	require.Equal(t, domain.OrderStatusProcessing, event.Data.To)

	zero := NewStatusChangedEvent(domain.StatusChangedEvent{OrderID: "order-2"})
	require.False(t, zero.Timestamp.IsZero())
}

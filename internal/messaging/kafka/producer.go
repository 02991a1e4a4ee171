package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
)

// Producer публикует JSON-сообщения в Kafka синхронно.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
	clock    clock.Clock
}

// ProducerOption настраивает Producer.
type ProducerOption func(*Producer)

// WithProducerLogger задаёт logger.
func WithProducerLogger(logger *log.Entry) ProducerOption {
	return func(p *Producer) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithProducerClock задаёт часы для timestamp сообщений.
func WithProducerClock(clk clock.Clock) ProducerOption {
	return func(p *Producer) {
		if clk != nil {
			p.clock = clk
		}
	}
}

// NewProducerConfig возвращает конфигурацию идемпотентного producer.
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	// Идемпотентный producer требует одного запроса в полёте.
	config.Net.MaxOpenRequests = 1
	return config
}

// NewProducer подключается к брокерам.
func NewProducer(brokers []string, options ...ProducerOption) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerFrom(producer, options...), nil
}

// NewProducerFrom оборачивает готовый sarama.SyncProducer.
func NewProducerFrom(producer sarama.SyncProducer, options ...ProducerOption) *Producer {
	p := &Producer{
		producer: producer,
		logger:   log.WithField("component", "kafka-producer"),
		clock:    clock.Real{},
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Delivery — координаты записанного сообщения.
type Delivery struct {
	Topic     string
	Partition int32
	Offset    int64
}

// PublishEvent публикует событие без заголовков.
func (p *Producer) PublishEvent(topic, key string, event any) error {
	_, err := p.Publish(topic, key, event, nil)
	return err
}

// Publish сериализует value в JSON и отправляет с заголовками.
func (p *Producer) Publish(topic, key string, value any, headers map[string]string) (Delivery, error) {
	if p == nil || p.producer == nil {
		return Delivery{}, fmt.Errorf("kafka producer is not initialized")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return Delivery{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(data),
		Timestamp: p.clock.Now(),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).WithFields(log.Fields{
			"topic": topic,
			"key":   key,
		}).Error("failed to send message to kafka")
		return Delivery{}, fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.WithFields(log.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("message sent to kafka")

	return Delivery{Topic: topic, Partition: partition, Offset: offset}, nil
}

// Close закрывает producer.
func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

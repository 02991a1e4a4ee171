package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/config"
	"github.com/vladislavdragonenkov/marketcore/internal/messaging/kafka"
)

// kafkaRuntime — producer и построенные поверх него publisher-ы.
type kafkaRuntime struct {
	producer      *kafka.Producer
	events        *kafka.OrderEventPublisher
	notifications *kafka.NotificationTransport
	deadLetters   *kafka.DeadLetterPublisher
}

// initKafka создаёт producer, если брокеры заданы.
// Ошибка подключения не фатальна: сервис работает без Kafka, уведомления идут в лог.
func initKafka(cfg config.KafkaConfig, clk clock.Clock, logger *log.Entry) *kafkaRuntime {
	producer, err := initKafkaProducer(cfg.Brokers, clk, logger)
	if err != nil || producer == nil {
		return nil
	}
	return &kafkaRuntime{
		producer:      producer,
		events:        kafka.NewOrderEventPublisher(producer, cfg.EventsTopic),
		notifications: kafka.NewNotificationTransport(producer, cfg.NotificationPrefix),
		deadLetters:   kafka.NewDeadLetterPublisher(producer, cfg.DLQTopic),
	}
}

// initKafkaProducer возвращает nil, nil для пустого списка брокеров.
func initKafkaProducer(brokers []string, clk clock.Clock, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers,
		kafka.WithProducerLogger(logger.WithField("layer", "kafka")),
		kafka.WithProducerClock(clk),
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

// startCallbackConsumer подписывается на нажатия кнопок админки.
func startCallbackConsumer(ctx context.Context, rt *kafkaRuntime, cfg config.KafkaConfig, dispatcher kafka.CallbackDispatcher, logger *log.Entry) *kafka.Consumer {
	if rt == nil || cfg.CallbacksTopic == "" {
		return nil
	}
	consumerLogger := logger.WithField("layer", "kafka-callbacks")
	consumer, err := kafka.NewConsumer(cfg.Brokers, cfg.CallbackGroup, []string{cfg.CallbacksTopic},
		kafka.CallbackHandler(dispatcher, consumerLogger),
		kafka.WithConsumerLogger(consumerLogger),
		kafka.WithConsumerDeadLetter(rt.deadLetters),
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create callback consumer, admin buttons only via HTTP")
		return nil
	}
	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Warn("failed to start callback consumer")
		_ = consumer.Stop()
		return nil
	}
	return consumer
}

// closeKafka останавливает consumer и закрывает producer. nil-аргументы пропускаются.
func closeKafka(rt *kafkaRuntime, consumer *kafka.Consumer, logger *log.Entry) {
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			logger.WithError(err).Warn("failed to stop kafka consumer")
		}
	}
	if rt == nil || rt.producer == nil {
		return
	}
	if err := rt.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

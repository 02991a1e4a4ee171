package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/callbacks"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 500 * time.Millisecond
)

// MessageHandler обрабатывает сообщение из Kafka.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ErrPermanent помечает ошибку, повтор которой не поможет.
var ErrPermanent = errors.New("permanent message error")

// Permanent оборачивает err как неповторяемую.
func Permanent(err error) error {
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// ConsumerOptions задаёт параметры Consumer.
type ConsumerOptions struct {
	Logger     *log.Entry
	DeadLetter *DeadLetterPublisher
	MaxRetries int
	RetryDelay time.Duration
}

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*ConsumerOptions)

// WithConsumerLogger задаёт logger.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(o *ConsumerOptions) { o.Logger = logger }
}

// WithConsumerDeadLetter включает отправку необработанных сообщений в DLQ.
func WithConsumerDeadLetter(dlq *DeadLetterPublisher) ConsumerOption {
	return func(o *ConsumerOptions) { o.DeadLetter = dlq }
}

// WithRetry задаёт число повторов и паузу между ними.
func WithRetry(maxRetries int, delay time.Duration) ConsumerOption {
	return func(o *ConsumerOptions) {
		o.MaxRetries = maxRetries
		o.RetryDelay = delay
	}
}

// Consumer читает топики в consumer group, повторяет обработку и отправляет отказы в DLQ.
type Consumer struct {
	consumer   sarama.ConsumerGroup
	topics     []string
	handler    MessageHandler
	logger     *log.Entry
	wg         sync.WaitGroup
	deadLetter *DeadLetterPublisher
	maxRetries int
	retryDelay time.Duration
}

// NewConsumerConfig возвращает конфигурацию consumer group.
func NewConsumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	return config
}

// NewConsumer подключается к брокерам как участник groupID.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, options ...ConsumerOption) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, NewConsumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return NewConsumerFrom(group, topics, handler, options...), nil
}

// NewConsumerFrom оборачивает готовую consumer group.
func NewConsumerFrom(group sarama.ConsumerGroup, topics []string, handler MessageHandler, options ...ConsumerOption) *Consumer {
	opts := ConsumerOptions{
		MaxRetries: defaultMaxRetries,
		RetryDelay: defaultRetryDelay,
	}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "kafka-consumer")
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Consumer{
		consumer:   group,
		topics:     topics,
		handler:    handler,
		logger:     opts.Logger,
		deadLetter: opts.DeadLetter,
		maxRetries: opts.MaxRetries,
		retryDelay: opts.RetryDelay,
	}
}

// Start запускает чтение в фоне до отмены ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume завершается на каждом rebalance.
			if err := c.consumer.Consume(ctx, c.topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumer.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup вызывается при старте сессии.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup вызывается при завершении сессии.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения партиции.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			entry := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			entry.Debug("received message")

			if err := c.handleMessage(session.Context(), message); err != nil {
				// Без отметки offset сообщение перечитается после rebalance.
				entry.WithError(err).Error("message processing failed")
				continue
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handleMessage повторяет обработку до maxRetries раз, затем отдаёт сообщение в DLQ.
func (c *Consumer) handleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	var err error
	attempt := 0
	for {
		err = c.handler(ctx, message)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) || attempt >= c.maxRetries {
			break
		}
		attempt++
		c.logger.WithError(err).WithFields(log.Fields{
			"topic":       message.Topic,
			"retry_count": attempt,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed, will retry")

		timer := time.NewTimer(c.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if c.deadLetter == nil {
		return err
	}
	letter := DeadLetter{
		OriginalTopic: message.Topic,
		Partition:     message.Partition,
		Offset:        message.Offset,
		Key:           string(message.Key),
		Value:         string(message.Value),
		Error:         err.Error(),
		RetryCount:    retryCount(message) + attempt,
	}
	if dlqErr := c.deadLetter.PublishConsumerDeadLetter(letter); dlqErr != nil {
		return fmt.Errorf("failed to send to DLQ: %w", dlqErr)
	}
	c.logger.WithFields(log.Fields{
		"topic":       message.Topic,
		"retry_count": letter.RetryCount,
	}).Info("message sent to DLQ")
	return nil
}

// retryCount читает счётчик повторов, если сообщение уже проходило через DLQ.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == HeaderRetryCount {
			if n, err := strconv.Atoi(string(header.Value)); err == nil {
				return n
			}
		}
	}
	return 0
}

// CallbackDispatcher исполняет команды кнопок.
type CallbackDispatcher interface {
	Dispatch(ctx context.Context, cmd callbacks.Command) (callbacks.Result, error)
}

// CallbackHandler превращает сообщения market.admin.callbacks в команды диспетчера.
// Ошибки данных и устаревшие кнопки логируются и не повторяются.
func CallbackHandler(dispatcher CallbackDispatcher, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "kafka-callbacks")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		var cmd callbacks.Command
		if err := json.Unmarshal(message.Value, &cmd); err != nil {
			return Permanent(fmt.Errorf("failed to unmarshal callback: %w", err))
		}
		if cmd.Actor == "" {
			cmd.Actor = callbacks.DefaultActor
		}
		entry := logger.WithFields(log.Fields{
			"callback_data": cmd.CallbackData,
			"actor":         cmd.Actor,
		})
		res, err := dispatcher.Dispatch(ctx, cmd)
		if err != nil {
			if domain.Retryable(err) {
				return err
			}
			entry.WithError(err).WithField("error_code", domain.ErrorCode(err)).Warn("admin callback rejected")
			return nil
		}
		entry.WithField("result", res.Message).Info("admin callback executed")
		return nil
	}
}

package outbox

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

const (
	defaultBatchSize = 100
	// DefaultMaxAttempts — число попыток до перевода в dead.
	DefaultMaxAttempts = 8
)

// backoffSchedule — задержки повторной доставки, последняя повторяется.
var backoffSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
}

var (
	outboxDeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "market_outbox_delivery_attempts_total",
		Help: "Total number of outbox delivery attempts grouped by result.",
	}, []string{"result"})
	outboxPendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_outbox_pending_records",
		Help: "Current number of pending records in outbox.",
	})
	outboxDeadRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_outbox_dead_records",
		Help: "Current number of outbox records that exhausted delivery attempts.",
	})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "market_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox record.",
	})
)

// Backoff возвращает задержку перед следующей попыткой после attempts неудачных.
func Backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return backoffSchedule[0]
	}
	if attempts > len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempts-1]
}

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger      *log.Entry
	Clock       clock.Clock
	DeadLetter  domain.DeadLetterPublisher
	BatchSize   int
	MaxAttempts int
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithClock задаёт часы для расчёта next_retry_at.
func WithClock(c clock.Clock) Option {
	return func(opts *WorkerOptions) {
		opts.Clock = c
	}
}

// WithDeadLetter задаёт publisher для сообщений, исчерпавших попытки.
func WithDeadLetter(publisher domain.DeadLetterPublisher) Option {
	return func(opts *WorkerOptions) {
		opts.DeadLetter = publisher
	}
}

// WithBatchSize задаёт размер выборки из outbox.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxAttempts задаёт число попыток доставки перед dead/DLQ.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// Worker доставляет сообщения outbox через транспорт.
type Worker struct {
	repo        domain.OutboxRepository
	transport   domain.OutboxTransport
	deadLetter  domain.DeadLetterPublisher
	clock       clock.Clock
	logger      *log.Entry
	batchSize   int
	maxAttempts int
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, transport domain.OutboxTransport, options ...Option) *Worker {
	opts := WorkerOptions{
		BatchSize:   defaultBatchSize,
		MaxAttempts: DefaultMaxAttempts,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-worker")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}

	return &Worker{
		repo:        repo,
		transport:   transport,
		deadLetter:  opts.DeadLetter,
		clock:       clk,
		logger:      logger,
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
	}
}

// ProcessOnce выполняет один цикл pick + deliver и возвращает число доставленных.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := w.clock.Now()
	messages, err := w.repo.Pick(ctx, now, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pick outbox messages")
		return 0, err
	}

	sent := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}
		if w.deliver(ctx, msg) {
			sent++
		}
	}

	w.refreshBacklogMetrics(ctx)
	return sent, nil
}

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) bool {
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":  msg.ID,
		"dedupe_key": msg.DedupeKey,
		"channel":    msg.Channel,
		"template":   msg.Template,
	})

	meta, err := w.transport.Deliver(ctx, msg)
	now := w.clock.Now()
	if err == nil {
		outboxDeliveryAttempts.WithLabelValues("sent").Inc()
		if markErr := w.repo.MarkSent(ctx, msg.ID, meta, now); markErr != nil {
			entry.WithError(markErr).Warn("failed to mark outbox message as sent")
		}
		return true
	}

	attempts := msg.Attempts + 1
	if attempts >= w.maxAttempts {
		outboxDeliveryAttempts.WithLabelValues("dead").Inc()
		entry.WithError(err).WithField("attempts", attempts).Error("outbox delivery failed, attempts exhausted")
		if markErr := w.repo.MarkFailed(ctx, msg.ID, err.Error(), attempts, nil, now); markErr != nil {
			entry.WithError(markErr).Warn("failed to mark outbox message as dead")
		}
		w.publishDeadLetter(ctx, msg, attempts, err)
		return false
	}

	next := now.Add(Backoff(attempts))
	outboxDeliveryAttempts.WithLabelValues("retry").Inc()
	entry.WithError(err).WithFields(log.Fields{
		"attempts":      attempts,
		"next_retry_at": next,
	}).Warn("outbox delivery failed, will retry")
	if markErr := w.repo.MarkFailed(ctx, msg.ID, err.Error(), attempts, &next, now); markErr != nil {
		entry.WithError(markErr).Warn("failed to mark outbox message as failed")
	}
	return false
}

func (w *Worker) publishDeadLetter(ctx context.Context, msg domain.OutboxMessage, attempts int, cause error) {
	if w.deadLetter == nil {
		return
	}
	msg.Attempts = attempts
	msg.Status = domain.OutboxStatusFailed
	msg.FailReason = cause.Error()
	if err := w.deadLetter.PublishDeadLetter(ctx, msg, cause.Error()); err != nil {
		outboxDeliveryAttempts.WithLabelValues("dlq_failed").Inc()
		w.logger.WithError(err).WithField("outbox_id", msg.ID).Warn("failed to publish to DLQ")
	}
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	outboxPendingRecords.Set(float64(stats.PendingCount))
	outboxDeadRecords.Set(float64(stats.DeadCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}

	age := w.clock.Now().Sub(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	outboxOldestPendingAge.Set(age)
}

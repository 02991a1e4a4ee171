package payments

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
	"github.com/vladislavdragonenkov/marketcore/internal/service/outbox"
)

// Стадии напоминаний об оплате.
const (
	StageRemind15m = "REMIND_15M"
	StageRemind60m = "REMIND_60M"
	StageCancel24h = "CANCEL_24H"

	// ReasonPaymentTimeout — причина автоотмены неоплаченного заказа.
	ReasonPaymentTimeout = "PAYMENT_TIMEOUT_24H"
)

// RetryConfig — параметры цикла напоминаний.
type RetryConfig struct {
	// Window — сколько дней назад смотреть на неоплаченные заказы.
	Window time.Duration
	Limit  int
}

// DefaultRetryConfig возвращает окно в 3 дня и лимит 500.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Window: 72 * time.Hour, Limit: 500}
}

// RetryStats — итог одного прохода.
type RetryStats struct {
	Scanned    int `json:"scanned"`
	Reminded15 int `json:"reminded_15m"`
	Reminded60 int `json:"reminded_60m"`
	Canceled   int `json:"canceled"`
	Failed     int `json:"failed"`
}

// RetryLoop напоминает об оплате и отменяет заказы по таймауту.
type RetryLoop struct {
	effects
	cfg RetryConfig
}

// NewRetryLoop создаёт RetryLoop.
func NewRetryLoop(deps Deps, cfg RetryConfig) *RetryLoop {
	def := DefaultRetryConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	return &RetryLoop{effects: effects{deps.withDefaults("payment-retry")}, cfg: cfg}
}

// StageFor возвращает стадию по возрасту заказа или пустую строку.
func StageFor(age time.Duration) string {
	minutes := int(age / time.Minute)
	switch {
	case minutes >= 24*60:
		return StageCancel24h
	case minutes >= 60:
		return StageRemind60m
	case minutes >= 15:
		return StageRemind15m
	default:
		return ""
	}
}

// RetryDedupeKey — ключ дедупликации стадии для заказа.
func RetryDedupeKey(orderID, stage string) string {
	return "payretry:" + orderID + ":" + stage
}

// ProcessOnce обрабатывает одну пачку заказов в AWAITING_PAYMENT.
func (l *RetryLoop) ProcessOnce(ctx context.Context) (RetryStats, error) {
	now := l.Clock.Now()
	list, err := l.Machine.Repository().List(ctx, domain.OrderFilter{
		Statuses:     []domain.OrderStatus{domain.OrderStatusAwaitingPayment},
		CreatedAfter: now.Add(-l.cfg.Window),
		Limit:        l.cfg.Limit,
	})
	if err != nil {
		return RetryStats{}, fmt.Errorf("list awaiting payment orders: %w", err)
	}

	var stats RetryStats
	for _, o := range list {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Scanned++

		stage := StageFor(now.Sub(o.CreatedAt))
		if stage == "" {
			continue
		}
		logger := l.Logger.WithFields(log.Fields{"order_id": o.ID, "stage": stage})

		if stage == StageCancel24h {
			canceled, err := l.cancel(ctx, o)
			if err != nil {
				stats.Failed++
				logger.WithError(err).Warn("failed to cancel unpaid order")
				continue
			}
			if canceled {
				stats.Canceled++
			}
			continue
		}

		sent, err := l.remind(ctx, o, stage)
		if err != nil {
			stats.Failed++
			logger.WithError(err).Warn("failed to enqueue payment reminder")
			continue
		}
		if sent {
			l.Metrics.RecordReminder("payment", stage)
			if stage == StageRemind15m {
				stats.Reminded15++
			} else {
				stats.Reminded60++
			}
		}
	}
	return stats, nil
}

func (l *RetryLoop) remind(ctx context.Context, o domain.Order, stage string) (bool, error) {
	if l.Notifier == nil {
		return false, nil
	}
	rcpt := outbox.RecipientFor(o, l.customer(ctx, o.Shipping.Phone))
	if rcpt.OptOut || rcpt.Blocked {
		return false, nil
	}
	channel, to, ok := rcpt.Preferred()
	if !ok {
		return false, nil
	}

	template := domain.TemplatePaymentReminder15
	if stage == StageRemind60m {
		template = domain.TemplatePaymentReminder60
	}
	checkoutURL := ""
	if o.Payment != nil {
		checkoutURL = o.Payment.CheckoutURL
	}
	amount := o.TotalMinor
	if o.Deposit.Required && !o.Deposit.Paid && !o.PrepaidRequired() {
		amount = o.Deposit.AmountMinor
	}

	res, err := l.Notifier.Notify(ctx, outbox.Notification{
		Channel:  channel,
		To:       to,
		Template: template,
		Payload: map[string]any{
			"order_id":     o.ID,
			"amount":       outbox.FormatUAH(amount),
			"checkout_url": checkoutURL,
			"stage":        stage,
		},
		DedupeKey: RetryDedupeKey(o.ID, stage),
	})
	if err != nil {
		return false, err
	}
	return res.Inserted, nil
}

// cancel отменяет заказ с причиной PAYMENT_TIMEOUT_24H и гасит активные платежи.
func (l *RetryLoop) cancel(ctx context.Context, o domain.Order) (bool, error) {
	updated, err := l.Machine.Transition(ctx, orders.TransitionRequest{
		OrderID:         o.ID,
		To:              domain.OrderStatusCanceled,
		Actor:           orders.ActorRetry,
		Reason:          ReasonPaymentTimeout,
		RequireCurrent:  domain.OrderStatusAwaitingPayment,
		ExpectedVersion: o.Version,
		Patch: func(x *domain.Order) error {
			if x.Payment != nil && x.Payment.Status.Active() {
				x.Payment.Status = domain.PaymentStatusExpired
			}
			return nil
		},
	})
	if err != nil {
		if domain.IsConflict(err) {
			// Заказ успели оплатить или отменить.
			return false, nil
		}
		return false, err
	}

	l.expirePayments(ctx, o.ID)

	if l.Notifier != nil {
		rcpt := outbox.RecipientFor(updated, l.customer(ctx, updated.Shipping.Phone))
		if channel, to, ok := rcpt.Preferred(); ok && !rcpt.OptOut && !rcpt.Blocked {
			if _, err := l.Notifier.Notify(ctx, outbox.Notification{
				Channel:   channel,
				To:        to,
				Template:  domain.TemplateOrderCanceled,
				Payload:   map[string]any{"order_id": updated.ID, "reason": ReasonPaymentTimeout},
				DedupeKey: RetryDedupeKey(updated.ID, StageCancel24h),
			}); err != nil {
				l.Logger.WithError(err).WithField("order_id", updated.ID).Warn("failed to enqueue cancel notice")
			}
		}
		if _, err := l.Notifier.Alert(ctx, outbox.Alert{
			Type:      domain.AlertPaymentTimeout,
			Text:      fmt.Sprintf("Заказ %s отменён: нет оплаты 24 ч (%s)", updated.ID, outbox.FormatUAH(updated.TotalMinor)),
			Payload:   map[string]any{"order_id": updated.ID},
			DedupeKey: "payment_timeout:" + updated.ID,
		}); err != nil {
			l.Logger.WithError(err).WithField("order_id", updated.ID).Warn("failed to enqueue payment timeout alert")
		}
	}
	l.Metrics.RecordReminder("payment", StageCancel24h)
	l.Logger.WithField("order_id", updated.ID).Info("unpaid order canceled by timeout")
	return true, nil
}

func (l *RetryLoop) expirePayments(ctx context.Context, orderID string) {
	list, err := l.Payments.ListByOrder(ctx, orderID)
	if err != nil {
		l.Logger.WithError(err).WithField("order_id", orderID).Warn("failed to list payments for expiry")
		return
	}
	now := l.Clock.Now()
	for _, p := range list {
		if !p.Status.Active() {
			continue
		}
		_, err := l.Payments.Update(ctx, p.ID, func(x *domain.Payment) error {
			if x.Status.Active() {
				x.Status = domain.PaymentStatusExpired
				x.UpdatedAt = now
			}
			return nil
		})
		if err != nil {
			l.Logger.WithError(err).WithField("payment_id", p.ID).Warn("failed to expire payment")
		}
	}
}

// Package payments обрабатывает webhook провайдеров, напоминает об оплате и сверяет зависшие платежи.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/metrics"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
	"github.com/vladislavdragonenkov/marketcore/internal/service/outbox"
)

// amountTolerance — допуск сверки суммы в копейках.
const amountTolerance = 1

// AutoShipper создаёт ТТН для заказов с auto_ship.
type AutoShipper interface {
	AutoShip(ctx context.Context, orderID string) error
}

// Deps — зависимости пакета.
type Deps struct {
	Machine   *orders.Machine
	Payments  domain.PaymentRepository
	Events    domain.EventRepository
	Audit     domain.PaymentAuditRepository
	Ledger    domain.LedgerRepository
	Customers domain.CustomerRepository
	Notifier  *outbox.Notifier
	Providers map[string]domain.PaymentProvider
	Shipper   AutoShipper
	Metrics   *metrics.Lifecycle
	Clock     clock.Clock
	Logger    *log.Entry
}

func (d Deps) withDefaults(component string) Deps {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Logger == nil {
		d.Logger = log.WithField("component", component)
	}
	return d
}

// Outcome — результат применения статуса платежа к заказу.
type Outcome struct {
	OrderID     string                `json:"order_id"`
	Purpose     domain.PaymentPurpose `json:"purpose"`
	Payment     domain.PaymentStatus  `json:"payment_status"`
	OrderStatus domain.OrderStatus    `json:"order_status"`
	// Applied — заказ изменён этим вызовом.
	Applied bool `json:"applied"`
	// Ignored — причина, по которой событие не изменило состояние.
	Ignored string `json:"ignored,omitempty"`
}

// effects — общие эффекты подтверждённого статуса платежа для webhook и сверки.
type effects struct {
	Deps
}

// apply применяет нормализованное событие к платежу и заказу.
func (e *effects) apply(ctx context.Context, p domain.Payment, ev domain.WebhookEvent, actor string) (Outcome, error) {
	out := Outcome{OrderID: p.OrderID, Purpose: p.Purpose, Payment: ev.Status}

	if p.Status == domain.PaymentStatusPaid && ev.Status != domain.PaymentStatusPaid && ev.Status != domain.PaymentStatusReversed {
		out.Payment = p.Status
		out.Ignored = "NO_DOWNGRADE"
		return out, nil
	}

	switch ev.Status {
	case domain.PaymentStatusPaid:
		return e.applyPaid(ctx, p, ev, actor)
	case domain.PaymentStatusReversed:
		return e.applyReversed(ctx, p, ev, actor)
	default:
		return e.applyUnpaid(ctx, p, ev)
	}
}

func (e *effects) markPayment(ctx context.Context, p domain.Payment, ev domain.WebhookEvent) (domain.Payment, error) {
	now := e.Clock.Now()
	return e.Payments.Update(ctx, p.ID, func(x *domain.Payment) error {
		if x.Status == ev.Status {
			return nil
		}
		x.Status = ev.Status
		if ev.ProviderPaymentID != "" {
			x.ProviderPaymentID = ev.ProviderPaymentID
		}
		if len(ev.Raw) > 0 {
			x.Raw = ev.Raw
		}
		if ev.Status == domain.PaymentStatusPaid && x.PaidAt == nil {
			x.PaidAt = domain.TimePtr(now)
		}
		x.UpdatedAt = now
		return nil
	})
}

func (e *effects) applyPaid(ctx context.Context, p domain.Payment, ev domain.WebhookEvent, actor string) (Outcome, error) {
	out := Outcome{OrderID: p.OrderID, Purpose: p.Purpose, Payment: domain.PaymentStatusPaid}

	stored, err := e.markPayment(ctx, p, ev)
	if err != nil {
		return out, fmt.Errorf("mark payment paid: %w", err)
	}

	var order domain.Order
	if p.Purpose == domain.PurposeShipDeposit {
		order, out.Applied, err = e.releaseDeposit(ctx, stored, actor)
	} else {
		order, out.Applied, err = e.confirmOrderPayment(ctx, stored, actor)
	}
	if err != nil {
		current, getErr := e.Machine.Get(ctx, p.OrderID)
		if getErr != nil {
			return out, getErr
		}
		if !current.Status.Terminal() && !errors.Is(err, domain.ErrInvalidTransition) {
			return out, err
		}
		// Деньги пришли на закрытый заказ: нужен ручной возврат.
		out.OrderStatus = current.Status
		out.Ignored = "ORDER_NOT_PAYABLE"
		e.alertPaid(ctx, current, stored, "оплата по закрытому заказу, нужен возврат")
		e.Logger.WithFields(log.Fields{
			"order_id":   p.OrderID,
			"payment_id": p.ID,
			"status":     current.Status,
		}).Warn("payment confirmed for order that cannot be paid")
		return out, nil
	}
	out.OrderStatus = order.Status

	if err := e.recordPaymentIn(ctx, stored); err != nil {
		return out, err
	}

	if p.Purpose == domain.PurposeOrderPayment && order.AutoShip && order.Status == domain.OrderStatusProcessing && order.TTN() == "" && e.Shipper != nil {
		if err := e.Shipper.AutoShip(ctx, order.ID); err != nil {
			e.Logger.WithError(err).WithField("order_id", order.ID).Warn("auto ship failed, ttn can be created manually")
		} else if latest, err := e.Machine.Get(ctx, order.ID); err == nil {
			order = latest
			out.OrderStatus = order.Status
		}
	}

	e.notifyPaid(ctx, order, stored)
	e.alertPaid(ctx, order, stored, "")
	return out, nil
}

// confirmOrderPayment переводит заказ в PAID и сразу в PROCESSING.
func (e *effects) confirmOrderPayment(ctx context.Context, p domain.Payment, actor string) (domain.Order, bool, error) {
	paidAt := e.Clock.Now()
	if p.PaidAt != nil {
		paidAt = *p.PaidAt
	}
	order, applied, err := e.Machine.MarkPaid(ctx, p.OrderID, actor, func(o *domain.Order) error {
		checkoutURL := ""
		if o.Payment != nil {
			checkoutURL = o.Payment.CheckoutURL
		}
		o.Payment = &domain.OrderPayment{
			Provider:          p.Provider,
			ProviderPaymentID: p.ProviderPaymentID,
			PaymentID:         p.ID,
			Status:            domain.PaymentStatusPaid,
			PaidAt:            domain.TimePtr(paidAt),
			CheckoutURL:       checkoutURL,
			Raw:               p.Raw,
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	if order.Status != domain.OrderStatusPaid {
		return order, applied, nil
	}

	processing, err := e.Machine.Transition(ctx, orders.TransitionRequest{
		OrderID:        order.ID,
		To:             domain.OrderStatusProcessing,
		Actor:          actor,
		Reason:         "payment confirmed",
		RequireCurrent: domain.OrderStatusPaid,
	})
	if err == nil {
		return processing, applied, nil
	}
	if !domain.IsConflict(err) {
		return domain.Order{}, applied, err
	}
	latest, getErr := e.Machine.Get(ctx, order.ID)
	if getErr != nil {
		return domain.Order{}, applied, getErr
	}
	return latest, applied, nil
}

// releaseDeposit отмечает депозит оплаченным и возвращает заказ в NEW.
func (e *effects) releaseDeposit(ctx context.Context, p domain.Payment, actor string) (domain.Order, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		current, err := e.Machine.Get(ctx, p.OrderID)
		if err != nil {
			return domain.Order{}, false, err
		}
		if current.Deposit.Paid {
			return current, false, nil
		}
		patch := func(o *domain.Order) error {
			o.Deposit.Paid = true
			o.Deposit.PaymentID = p.ID
			return nil
		}
		var updated domain.Order
		if current.Status == domain.OrderStatusAwaitingPayment {
			updated, err = e.Machine.Transition(ctx, orders.TransitionRequest{
				OrderID:         current.ID,
				To:              domain.OrderStatusNew,
				Actor:           actor,
				Reason:          "shipping deposit paid",
				RequireCurrent:  domain.OrderStatusAwaitingPayment,
				ExpectedVersion: current.Version,
				Patch:           patch,
			})
		} else if current.Status.Terminal() {
			return domain.Order{}, false, fmt.Errorf("%w: order %s is %s", domain.ErrInvalidTransition, current.ID, current.Status)
		} else {
			updated, err = e.Machine.Mutate(ctx, current.ID, domain.OrderGuard{Version: current.Version}, patch)
		}
		if err == nil {
			return updated, true, nil
		}
		if !domain.IsConflict(err) {
			return domain.Order{}, false, err
		}
	}
	return domain.Order{}, false, fmt.Errorf("%w: deposit for order %s", domain.ErrOrderConflict, p.OrderID)
}

func (e *effects) recordPaymentIn(ctx context.Context, p domain.Payment) error {
	if e.Ledger == nil {
		return nil
	}
	meta, _ := json.Marshal(map[string]string{
		"payment_id": p.ID,
		"provider":   p.Provider,
		"purpose":    string(p.Purpose),
	})
	inserted, err := e.Ledger.Append(ctx, domain.LedgerEntry{
		ID:          uuid.NewString(),
		OrderID:     p.OrderID,
		Type:        domain.LedgerPaymentIn,
		Ref:         p.ID,
		Direction:   domain.DirectionOf(domain.LedgerPaymentIn),
		AmountMinor: p.AmountMinor,
		Currency:    p.Currency,
		Meta:        meta,
		CreatedAt:   e.Clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("append ledger PAYMENT_IN: %w", err)
	}
	if inserted {
		e.Logger.WithFields(log.Fields{"order_id": p.OrderID, "payment_id": p.ID, "amount": p.AmountMinor}).Info("payment recorded in ledger")
	}
	return nil
}

func (e *effects) applyReversed(ctx context.Context, p domain.Payment, ev domain.WebhookEvent, actor string) (Outcome, error) {
	out := Outcome{OrderID: p.OrderID, Purpose: p.Purpose, Payment: domain.PaymentStatusReversed}
	if _, err := e.markPayment(ctx, p, ev); err != nil {
		return out, fmt.Errorf("mark payment reversed: %w", err)
	}

	current, err := e.Machine.Get(ctx, p.OrderID)
	if err != nil {
		return out, err
	}
	out.OrderStatus = current.Status
	if p.Purpose != domain.PurposeOrderPayment || current.Payment == nil || current.Payment.PaymentID != p.ID {
		out.Ignored = "NOT_ORDER_PAYMENT"
		return out, nil
	}
	patch := func(o *domain.Order) error {
		if o.Payment != nil {
			o.Payment.Status = domain.PaymentStatusReversed
		}
		return nil
	}

	if domain.CanTransition(current.Status, domain.OrderStatusRefunded) {
		updated, err := e.Machine.Transition(ctx, orders.TransitionRequest{
			OrderID:         current.ID,
			To:              domain.OrderStatusRefunded,
			Actor:           actor,
			Reason:          "payment reversed by provider",
			RequireCurrent:  current.Status,
			ExpectedVersion: current.Version,
			Patch:           patch,
		})
		if err != nil {
			return out, err
		}
		out.OrderStatus = updated.Status
		out.Applied = true
		return out, nil
	}
	if current.Status == domain.OrderStatusRefunded {
		out.Ignored = "ALREADY_REFUNDED"
		return out, nil
	}

	// В пути заказ вернуть нельзя, фиксируем статус платежа и зовём оператора.
	if _, err := e.Machine.Mutate(ctx, current.ID, domain.OrderGuard{Version: current.Version}, patch); err != nil {
		return out, err
	}
	out.Ignored = "REFUND_NOT_ALLOWED_IN_STATUS"
	e.alertPaid(ctx, current, p, "платёж отозван провайдером, заказ в статусе "+string(current.Status))
	return out, nil
}

// applyUnpaid фиксирует DECLINED, EXPIRED и PENDING. Заказ остаётся ждать оплату.
func (e *effects) applyUnpaid(ctx context.Context, p domain.Payment, ev domain.WebhookEvent) (Outcome, error) {
	out := Outcome{OrderID: p.OrderID, Purpose: p.Purpose, Payment: ev.Status}
	if p.Status == ev.Status {
		out.Ignored = "UNCHANGED"
		return out, nil
	}
	if _, err := e.markPayment(ctx, p, ev); err != nil {
		return out, fmt.Errorf("mark payment %s: %w", ev.Status, err)
	}

	order, err := e.Machine.Mutate(ctx, p.OrderID, domain.OrderGuard{
		Status: domain.OrderStatusAwaitingPayment,
		Check: func(o domain.Order) error {
			if o.Payment == nil || o.Payment.PaymentID != p.ID {
				return fmt.Errorf("%w: payment block belongs to another payment", domain.ErrOrderConflict)
			}
			return nil
		},
	}, func(o *domain.Order) error {
		o.Payment.Status = ev.Status
		return nil
	})
	switch {
	case err == nil:
		out.OrderStatus = order.Status
		out.Applied = true
	case domain.IsConflict(err):
		// Платёжный блок уже не наш или заказ ушёл дальше.
		out.Ignored = "ORDER_NOT_AWAITING"
	default:
		return out, err
	}
	return out, nil
}

func (e *effects) customer(ctx context.Context, phone string) domain.Customer {
	if e.Customers == nil || phone == "" {
		return domain.Customer{}
	}
	c, err := e.Customers.Get(ctx, phone)
	if err != nil {
		if !errors.Is(err, domain.ErrCustomerNotFound) {
			e.Logger.WithError(err).Warn("failed to load customer contacts")
		}
		return domain.Customer{}
	}
	return c
}

func (e *effects) notifyPaid(ctx context.Context, o domain.Order, p domain.Payment) {
	if e.Notifier == nil {
		return
	}
	rcpt := outbox.RecipientFor(o, e.customer(ctx, o.Shipping.Phone))
	if rcpt.OptOut || rcpt.Blocked {
		return
	}
	channel, to, ok := rcpt.Preferred()
	if !ok {
		return
	}
	_, err := e.Notifier.Notify(ctx, outbox.Notification{
		Channel:  channel,
		To:       to,
		Template: domain.TemplateOrderPaid,
		Payload: map[string]any{
			"order_id": o.ID,
			"purpose":  p.Purpose,
			"amount":   outbox.FormatUAH(p.AmountMinor),
		},
		DedupeKey: "order_paid:" + o.ID + ":" + string(p.Purpose),
	})
	if err != nil {
		e.Logger.WithError(err).WithField("order_id", o.ID).Warn("failed to enqueue ORDER_PAID")
	}
}

func (e *effects) alertPaid(ctx context.Context, o domain.Order, p domain.Payment, note string) {
	if e.Notifier == nil {
		return
	}
	text := fmt.Sprintf("Оплата %s по заказу %s (%s)", outbox.FormatUAH(p.AmountMinor), o.ID, p.Purpose)
	key := "payment_received:" + p.ID
	if note != "" {
		text += ": " + note
		key += ":" + string(o.Status)
	}
	_, err := e.Notifier.Alert(ctx, outbox.Alert{
		Type: domain.AlertPaymentReceived,
		Text: text,
		Payload: map[string]any{
			"order_id":   o.ID,
			"payment_id": p.ID,
			"status":     o.Status,
		},
		DedupeKey: key,
	})
	if err != nil {
		e.Logger.WithError(err).WithField("order_id", o.ID).Warn("failed to enqueue PAYMENT_RECEIVED alert")
	}
}

// amountMatches сверяет сумму события с ожидаемой с допуском в 1 копейку.
func amountMatches(expected, got int64) bool {
	return domain.WithinTolerance(expected, got, amountTolerance)
}

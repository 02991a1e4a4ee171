// Package orders реализует конечный автомат статусов заказа поверх OrderRepository.
package orders

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/metrics"
)

// Actor — источники изменений статуса в истории.
const (
	ActorSystem    = "system"
	ActorWebhook   = "payment_webhook"
	ActorReconcile = "payment_reconcile"
	ActorRetry     = "payment_retry"
	ActorShipping  = "shipping"
	ActorTracking  = "tracking_poll"
	ActorCheckout  = "checkout"
	ActorCustomer  = "customer"
	ActorAdmin     = "admin"
)

// TransitionRequest описывает атомарный переход статуса.
type TransitionRequest struct {
	OrderID string
	To      domain.OrderStatus
	Actor   string
	Reason  string
	// RequireCurrent — ожидаемый текущий статус; пустой означает любой допустимый.
	RequireCurrent domain.OrderStatus
	// ExpectedVersion — ожидаемая версия; 0 отключает проверку.
	ExpectedVersion int64
	// Check выполняется под блокировкой строки; ошибка отменяет переход.
	Check func(domain.Order) error
	// Patch применяется к документу в той же записи, что и смена статуса.
	Patch func(*domain.Order) error
}

// Option настраивает Machine.
type Option func(*Machine)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock задаёт часы.
func WithClock(c clock.Clock) Option {
	return func(m *Machine) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithPublisher задаёт publisher событий смены статуса.
func WithPublisher(publisher domain.OrderEventPublisher) Option {
	return func(m *Machine) {
		m.publisher = publisher
	}
}

// WithMetrics задаёт метрики переходов.
func WithMetrics(lifecycle *metrics.Lifecycle) Option {
	return func(m *Machine) {
		m.metrics = lifecycle
	}
}

// Machine — единственная точка изменения статуса заказа.
type Machine struct {
	repo      domain.OrderRepository
	clock     clock.Clock
	publisher domain.OrderEventPublisher
	metrics   *metrics.Lifecycle
	logger    *log.Entry
}

// NewMachine создаёт автомат статусов.
func NewMachine(repo domain.OrderRepository, options ...Option) *Machine {
	m := &Machine{
		repo:   repo,
		clock:  clock.Real{},
		logger: log.WithField("component", "order-machine"),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Repository возвращает репозиторий для чтения заказов.
func (m *Machine) Repository() domain.OrderRepository {
	return m.repo
}

// Get читает заказ.
func (m *Machine) Get(ctx context.Context, id string) (domain.Order, error) {
	return m.repo.Get(ctx, id)
}

// Transition выполняет atomic_transition: проверка графа, CAS по статусу и версии, запись истории.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (domain.Order, error) {
	current, err := m.repo.Get(ctx, req.OrderID)
	if err != nil {
		return domain.Order{}, err
	}

	from := current.Status
	if req.RequireCurrent != "" && from != req.RequireCurrent {
		m.metrics.RecordConflict()
		return domain.Order{}, fmt.Errorf("%w: order %s is %s, expected %s", domain.ErrOrderConflict, req.OrderID, from, req.RequireCurrent)
	}
	if !domain.CanTransition(from, req.To) {
		return domain.Order{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, req.To)
	}

	now := m.clock.Now()
	guard := domain.OrderGuard{Status: from, Version: req.ExpectedVersion, Check: req.Check}
	updated, err := m.repo.Update(ctx, req.OrderID, guard, func(o *domain.Order) error {
		if req.Patch != nil {
			if err := req.Patch(o); err != nil {
				return err
			}
		}
		// Возврат в NEW разрешён только после оплаты депозита.
		if from == domain.OrderStatusAwaitingPayment && req.To == domain.OrderStatusNew && !o.Deposit.Paid {
			return fmt.Errorf("%w: %s -> %s requires a paid deposit", domain.ErrInvalidTransition, from, req.To)
		}
		o.Status = req.To
		o.StatusHistory = append(o.StatusHistory, domain.StatusChange{
			From:   from,
			To:     req.To,
			Actor:  req.Actor,
			Reason: req.Reason,
			At:     now,
		})
		o.UpdatedAt = now
		return nil
	})
	if err != nil {
		if domain.IsConflict(err) {
			m.metrics.RecordConflict()
		}
		return domain.Order{}, err
	}

	m.metrics.RecordTransition(string(from), string(req.To))
	m.logger.WithFields(log.Fields{
		"order_id": updated.ID,
		"from":     from,
		"to":       req.To,
		"actor":    req.Actor,
		"version":  updated.Version,
	}).Info("order status changed")
	m.publish(ctx, updated, from, req)

	return updated, nil
}

// Cancel переводит заказ в CANCELED из любого статуса, где отмена разрешена графом.
func (m *Machine) Cancel(ctx context.Context, orderID, actor, reason string) (domain.Order, error) {
	if reason == "" {
		reason = "canceled by " + actor
	}
	return m.Transition(ctx, TransitionRequest{
		OrderID: orderID,
		To:      domain.OrderStatusCanceled,
		Actor:   actor,
		Reason:  reason,
	})
}

// MarkPaid — идемпотентный перевод в PAID: для PAID и дальше возвращает заказ без изменений.
// applied=false означает, что заказ уже был оплачен.
func (m *Machine) MarkPaid(ctx context.Context, orderID, actor string, patch func(*domain.Order) error) (domain.Order, bool, error) {
	current, err := m.repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, false, err
	}
	if current.Status.PaidOrBeyond() {
		return current, false, nil
	}

	updated, err := m.Transition(ctx, TransitionRequest{
		OrderID:        orderID,
		To:             domain.OrderStatusPaid,
		Actor:          actor,
		Reason:         "payment confirmed",
		RequireCurrent: domain.OrderStatusAwaitingPayment,
		Patch:          patch,
	})
	if err == nil {
		return updated, true, nil
	}
	if !domain.IsConflict(err) {
		return domain.Order{}, false, err
	}

	// Конкурентный webhook мог оплатить заказ раньше.
	latest, getErr := m.repo.Get(ctx, orderID)
	if getErr != nil {
		return domain.Order{}, false, getErr
	}
	if latest.Status.PaidOrBeyond() {
		return latest, false, nil
	}
	return domain.Order{}, false, err
}

// Mutate применяет изменение без смены статуса через тот же CAS, увеличивая версию.
func (m *Machine) Mutate(ctx context.Context, orderID string, guard domain.OrderGuard, patch func(*domain.Order) error) (domain.Order, error) {
	now := m.clock.Now()
	updated, err := m.repo.Update(ctx, orderID, guard, func(o *domain.Order) error {
		status := o.Status
		if err := patch(o); err != nil {
			return err
		}
		if o.Status != status {
			return fmt.Errorf("%w: status change outside of transition", domain.ErrInvalidTransition)
		}
		o.UpdatedAt = now
		return nil
	})
	if err != nil && domain.IsConflict(err) {
		m.metrics.RecordConflict()
	}
	return updated, err
}

// TransitionsView — текущее состояние и допустимые переходы для API.
type TransitionsView struct {
	OrderID string                `json:"order_id"`
	Status  domain.OrderStatus    `json:"status"`
	Version int64                 `json:"version"`
	Allowed []domain.OrderStatus  `json:"allowed"`
	History []domain.StatusChange `json:"history"`
}

// Transitions возвращает допустимые переходы и историю заказа.
func (m *Machine) Transitions(ctx context.Context, orderID string) (TransitionsView, error) {
	o, err := m.repo.Get(ctx, orderID)
	if err != nil {
		return TransitionsView{}, err
	}
	allowed := domain.AllowedTransitions(o.Status)
	if allowed == nil {
		allowed = []domain.OrderStatus{}
	}
	return TransitionsView{
		OrderID: o.ID,
		Status:  o.Status,
		Version: o.Version,
		Allowed: allowed,
		History: o.StatusHistory,
	}, nil
}

func (m *Machine) publish(ctx context.Context, o domain.Order, from domain.OrderStatus, req TransitionRequest) {
	if m.publisher == nil {
		return
	}
	event := domain.StatusChangedEvent{
		OrderID: o.ID,
		From:    from,
		To:      req.To,
		Actor:   req.Actor,
		Reason:  req.Reason,
		Version: o.Version,
		At:      o.UpdatedAt,
	}
	if err := m.publisher.PublishStatusChanged(ctx, event); err != nil {
		m.logger.WithError(err).WithField("order_id", o.ID).Warn("failed to publish order status event")
	}
}

// Package checkout создаёт заказы из корзины и платёжные намерения.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/abtest"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
	"github.com/vladislavdragonenkov/marketcore/internal/service/policy"
)

// DiscountTypePrepaid — тип скидки за предоплату.
const DiscountTypePrepaid = "PREPAID_PERCENT"

const maxIntentAttempts = 3

// Config — параметры оформления.
type Config struct {
	// ShippingFlatCostMinor — стоимость доставки, добавляемая к заказу при создании.
	ShippingFlatCostMinor int64
}

// Deps — зависимости сервиса.
type Deps struct {
	Machine   *orders.Machine
	Catalog   domain.Catalog
	Carts     domain.CartStore
	Customers domain.CustomerRepository
	Settings  domain.SystemConfigRepository
	Payments  domain.PaymentRepository
	Provider  domain.PaymentProvider
	Decider   *policy.Decider
	Assigner  *abtest.Assigner
	Clock     clock.Clock
	Logger    *log.Entry
}

// Service реализует create_order и create_payment_intent.
type Service struct {
	deps   Deps
	cfg    Config
	clock  clock.Clock
	logger *log.Entry
}

// NewService создаёт сервис оформления.
func NewService(deps Deps, cfg Config) *Service {
	s := &Service{deps: deps, cfg: cfg, clock: deps.Clock, logger: deps.Logger}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "checkout")
	}
	return s
}

// CreateOrderRequest — входные данные оформления.
type CreateOrderRequest struct {
	UserID string
	// CartOwner — владелец корзины: пользователь или гостевая сессия.
	CartOwner     string
	Shipping      domain.Shipping
	PaymentMethod domain.PaymentMethod
	AutoShip      bool
}

func (r CreateOrderRequest) validate() error {
	var errs []error
	if !r.PaymentMethod.Valid() {
		errs = append(errs, fmt.Errorf("%w: payment_method must be card or cash", domain.ErrValidation))
	}
	if strings.TrimSpace(r.Shipping.Phone) == "" {
		errs = append(errs, domain.ErrPhoneRequired)
	}
	if strings.TrimSpace(r.Shipping.FullName) == "" {
		errs = append(errs, fmt.Errorf("%w: shipping.full_name is required", domain.ErrValidation))
	}
	if strings.TrimSpace(r.Shipping.City) == "" {
		errs = append(errs, fmt.Errorf("%w: shipping.city is required", domain.ErrValidation))
	}
	if r.CartOwner == "" {
		errs = append(errs, fmt.Errorf("%w: cart owner is required", domain.ErrValidation))
	}
	return errors.Join(errs...)
}

// CreateOrder оформляет заказ из корзины.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.Order, error) {
	if err := req.validate(); err != nil {
		return domain.Order{}, err
	}
	now := s.clock.Now()
	phone := strings.TrimSpace(req.Shipping.Phone)

	var ab *abtest.Result
	if s.deps.Assigner != nil {
		res, ok, err := s.deps.Assigner.Assign(ctx, abtest.PrepaidDiscountExperiment, phone)
		if err != nil {
			return domain.Order{}, fmt.Errorf("ab assignment: %w", err)
		}
		if ok {
			ab = &res
		}
	}

	items, err := s.snapshotItems(ctx, req.CartOwner)
	if err != nil {
		return domain.Order{}, err
	}

	order := domain.Order{
		ID:                uuid.NewString(),
		Items:             items,
		ShippingCostMinor: s.cfg.ShippingFlatCostMinor,
		Currency:          domain.CurrencyUAH,
		UserID:            req.UserID,
		Shipping:          req.Shipping,
		PaymentMethod:     req.PaymentMethod,
		AutoShip:          req.AutoShip,
		Returns:           domain.Returns{Stage: domain.ReturnStageNone},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	order.Shipping.Phone = phone
	if order.Shipping.PickupPointType == "" {
		order.Shipping.PickupPointType = domain.PickupPointBranch
	}
	order.RecalculateTotals()

	if req.PaymentMethod != domain.PaymentMethodCash {
		pct, err := s.discountPct(ctx, ab)
		if err != nil {
			return domain.Order{}, err
		}
		if pct > 0 {
			order.Discount = domain.Discount{
				Type:        DiscountTypePrepaid,
				Value:       pct,
				AmountMinor: domain.PercentOf(order.SubtotalMinor, pct),
			}
		}
	}
	if ab != nil {
		order.AB = &domain.ABTag{
			ExpID:       ab.Assignment.ExpID,
			Variant:     ab.Assignment.Variant,
			DiscountPct: ab.Variant.DiscountPct,
			Active:      ab.Active,
		}
	}
	order.RecalculateTotals()

	isNew, err := s.isNewCustomer(ctx, phone)
	if err != nil {
		return domain.Order{}, err
	}
	decision, err := s.deps.Decider.Decide(ctx, policy.Input{
		Phone:         phone,
		City:          order.Shipping.City,
		AmountMinor:   order.TotalMinor,
		IsNewCustomer: isNew,
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("payment policy: %w", err)
	}
	order.PaymentPolicy = decision.Policy()
	if decision.Mode == domain.PaymentModeShipDeposit && req.PaymentMethod == domain.PaymentMethodCash {
		order.Deposit = domain.Deposit{Required: true, AmountMinor: decision.Deposit.AmountMinor}
	}

	order.Status = domain.OrderStatusNew
	if order.PrepaidRequired() || order.Deposit.Required {
		order.Status = domain.OrderStatusAwaitingPayment
	}
	order.StatusHistory = []domain.StatusChange{{
		To:     order.Status,
		Actor:  orders.ActorCheckout,
		Reason: "order created",
		At:     now,
	}}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, errors.Join(errs...)
	}
	if err := s.deps.Machine.Repository().Create(ctx, order); err != nil {
		return domain.Order{}, fmt.Errorf("persist order: %w", err)
	}
	if err := s.deps.Carts.Clear(ctx, req.CartOwner); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to clear cart")
	}

	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"status":   order.Status,
		"mode":     order.PaymentPolicy.Mode,
		"total":    order.TotalMinor,
	}).Info("order created")

	return s.deps.Machine.Get(ctx, order.ID)
}

func (s *Service) snapshotItems(ctx context.Context, owner string) ([]domain.OrderItem, error) {
	cart, err := s.deps.Carts.Get(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("load cart: %w", err)
	}
	lines := lo.Filter(cart.Lines, func(l domain.CartLine, _ int) bool { return l.ProductID != "" })
	if len(lines) == 0 {
		return nil, domain.ErrCartEmpty
	}

	ids := lo.Uniq(lo.Map(lines, func(l domain.CartLine, _ int) string { return l.ProductID }))
	products, err := s.deps.Catalog.Products(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	items := make([]domain.OrderItem, 0, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %s", domain.ErrItemQtyInvalid, line.ProductID)
		}
		p, ok := products[line.ProductID]
		if !ok || !p.Active {
			return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, line.ProductID)
		}
		items = append(items, domain.OrderItem{
			ProductID:      p.ID,
			Title:          p.Title,
			Quantity:       line.Quantity,
			UnitPriceMinor: p.PriceMinor,
		})
	}
	return items, nil
}

func (s *Service) discountPct(ctx context.Context, ab *abtest.Result) (float64, error) {
	if ab != nil && ab.Active {
		return ab.Variant.DiscountPct, nil
	}
	if s.deps.Settings == nil {
		return domain.DefaultSystemConfig().PrepaidDiscountValue, nil
	}
	cfg, err := s.deps.Settings.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("load system config: %w", err)
	}
	return cfg.PrepaidDiscountValue, nil
}

func (s *Service) isNewCustomer(ctx context.Context, phone string) (bool, error) {
	c, err := s.deps.Customers.Get(ctx, phone)
	if errors.Is(err, domain.ErrCustomerNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load customer: %w", err)
	}
	return c.Segment == domain.SegmentNew && c.Counters.DeliveredCount == 0, nil
}

// PaymentIntent — результат create_payment_intent.
type PaymentIntent struct {
	Payment domain.Payment
	Order   domain.Order
	// Reused — возвращён уже активный платёж.
	Reused bool
}

// CreatePaymentIntent создаёт платёж у провайдера или возвращает активный.
// Пустой purpose выбирается по заказу: депозит, если он обязателен и не оплачен.
func (s *Service) CreatePaymentIntent(ctx context.Context, orderID string, purpose domain.PaymentPurpose) (PaymentIntent, error) {
	order, err := s.deps.Machine.Get(ctx, orderID)
	if err != nil {
		return PaymentIntent{}, err
	}
	if purpose == "" {
		purpose = DefaultPurpose(order)
	}
	if !purpose.Valid() {
		return PaymentIntent{}, fmt.Errorf("%w: unknown purpose %q", domain.ErrValidation, purpose)
	}
	if order.Status != domain.OrderStatusNew && order.Status != domain.OrderStatusAwaitingPayment {
		return PaymentIntent{}, fmt.Errorf("%w: order %s is %s", domain.ErrPaymentNotAllowed, order.ID, order.Status)
	}
	if purpose == domain.PurposeShipDeposit && (!order.Deposit.Required || order.Deposit.Paid) {
		return PaymentIntent{}, fmt.Errorf("%w: deposit is not due for order %s", domain.ErrPaymentNotAllowed, order.ID)
	}

	active, err := s.deps.Payments.FindActive(ctx, order.ID, purpose)
	switch {
	case err == nil:
		return PaymentIntent{Payment: active, Order: order, Reused: true}, nil
	case !errors.Is(err, domain.ErrPaymentNotFound):
		return PaymentIntent{}, fmt.Errorf("find active payment: %w", err)
	}

	amount := order.AmountDue(purpose)
	paymentID := uuid.NewString()
	providerOrderID := domain.ProviderOrderID(order.ID, purpose, paymentID)

	session, err := s.deps.Provider.CreatePayment(ctx, domain.PaymentRequest{
		ProviderOrderID: providerOrderID,
		AmountMinor:     amount,
		Currency:        order.Currency,
		Description:     "Order " + order.ID,
		Email:           order.Shipping.Email,
	})
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("create payment at %s: %w", s.deps.Provider.Name(), err)
	}

	now := s.clock.Now()
	stored, created, err := s.deps.Payments.CreateOrGetActive(ctx, domain.Payment{
		ID:                paymentID,
		OrderID:           order.ID,
		Purpose:           purpose,
		Provider:          s.deps.Provider.Name(),
		AmountMinor:       amount,
		Currency:          order.Currency,
		Status:            domain.PaymentStatusPending,
		CheckoutURL:       session.CheckoutURL,
		ProviderOrderID:   providerOrderID,
		ProviderPaymentID: session.ProviderPaymentID,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	if err != nil {
		return PaymentIntent{}, fmt.Errorf("store payment: %w", err)
	}
	if !created {
		return PaymentIntent{Payment: stored, Order: order, Reused: true}, nil
	}

	updated, err := s.attachPayment(ctx, order.ID, stored)
	if err != nil {
		return PaymentIntent{}, err
	}
	s.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"payment_id": stored.ID,
		"purpose":    purpose,
		"amount":     amount,
	}).Info("payment intent created")
	return PaymentIntent{Payment: stored, Order: updated}, nil
}

func (s *Service) attachPayment(ctx context.Context, orderID string, p domain.Payment) (domain.Order, error) {
	patch := func(o *domain.Order) error {
		if p.Purpose == domain.PurposeShipDeposit {
			o.Deposit.PaymentID = p.ID
			return nil
		}
		o.Payment = &domain.OrderPayment{
			Provider:          p.Provider,
			ProviderPaymentID: p.ProviderPaymentID,
			PaymentID:         p.ID,
			Status:            p.Status,
			CheckoutURL:       p.CheckoutURL,
		}
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < maxIntentAttempts; attempt++ {
		current, err := s.deps.Machine.Get(ctx, orderID)
		if err != nil {
			return domain.Order{}, err
		}
		var updated domain.Order
		switch current.Status {
		case domain.OrderStatusNew:
			updated, err = s.deps.Machine.Transition(ctx, orders.TransitionRequest{
				OrderID:         orderID,
				To:              domain.OrderStatusAwaitingPayment,
				Actor:           orders.ActorCheckout,
				Reason:          "payment intent created",
				RequireCurrent:  domain.OrderStatusNew,
				ExpectedVersion: current.Version,
				Patch:           patch,
			})
		case domain.OrderStatusAwaitingPayment:
			updated, err = s.deps.Machine.Mutate(ctx, orderID, domain.OrderGuard{
				Status:  domain.OrderStatusAwaitingPayment,
				Version: current.Version,
			}, patch)
		default:
			return domain.Order{}, fmt.Errorf("%w: order %s is %s", domain.ErrPaymentNotAllowed, orderID, current.Status)
		}
		if err == nil {
			return updated, nil
		}
		if !domain.IsConflict(err) {
			return domain.Order{}, err
		}
		lastErr = err
	}
	return domain.Order{}, lastErr
}

// DefaultPurpose выбирает назначение платежа для заказа.
func DefaultPurpose(o domain.Order) domain.PaymentPurpose {
	if o.Deposit.Required && !o.Deposit.Paid && !o.PrepaidRequired() {
		return domain.PurposeShipDeposit
	}
	return domain.PurposeOrderPayment
}

// StatusView — состояние оплаты заказа для API.
type StatusView struct {
	OrderID     string               `json:"order_id"`
	OrderStatus domain.OrderStatus   `json:"order_status"`
	TotalMinor  int64                `json:"total_minor"`
	Payment     *domain.OrderPayment `json:"payment,omitempty"`
	Deposit     domain.Deposit       `json:"deposit"`
	Payments    []domain.Payment     `json:"payments"`
}

// PaymentStatus возвращает платёжный блок заказа и его платежи.
func (s *Service) PaymentStatus(ctx context.Context, orderID string) (StatusView, error) {
	o, err := s.deps.Machine.Get(ctx, orderID)
	if err != nil {
		return StatusView{}, err
	}
	payments, err := s.deps.Payments.ListByOrder(ctx, orderID)
	if err != nil {
		return StatusView{}, fmt.Errorf("list payments: %w", err)
	}
	for i := range payments {
		payments[i].Raw = nil
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	view := StatusView{
		OrderID:     o.ID,
		OrderStatus: o.Status,
		TotalMinor:  o.TotalMinor,
		Payment:     o.Payment,
		Deposit:     o.Deposit,
		Payments:    payments,
	}
	if view.Payment != nil {
		view.Payment.Raw = nil
	}
	return view, nil
}

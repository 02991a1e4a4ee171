// Package shipping создаёт ТТН у перевозчика и отслеживает доставку.
package shipping

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/metrics"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
	"github.com/vladislavdragonenkov/marketcore/internal/service/outbox"
)

const (
	minDeclaredValueUAH = 100
	defaultWeightKg     = 1.0
	defaultDescription  = "Товари інтернет-магазину"
)

// Config — параметры отгрузки и трекинга.
type Config struct {
	// DeliveredCodes — коды перевозчика, означающие вручение.
	DeliveredCodes []string
	// HistoryLimit — длина кольца истории трекинга.
	HistoryLimit int
	ScanLimit    int
}

// DefaultConfig возвращает коды 9, 10, 11 и историю из 20 точек.
func DefaultConfig() Config {
	return Config{
		DeliveredCodes: []string{"9", "10", "11"},
		HistoryLimit:   20,
		ScanLimit:      500,
	}
}

// Deps — зависимости сервиса.
type Deps struct {
	Machine   *orders.Machine
	Carrier   domain.Carrier
	Events    domain.EventRepository
	Ledger    domain.LedgerRepository
	Customers domain.CustomerRepository
	Notifier  *outbox.Notifier
	Metrics   *metrics.Lifecycle
	Clock     clock.Clock
	Logger    *log.Entry
}

// Service — операции с ТТН.
type Service struct {
	deps      Deps
	cfg       Config
	delivered map[string]bool
}

// NewService создаёт Service.
func NewService(deps Deps, cfg Config) *Service {
	def := DefaultConfig()
	if len(cfg.DeliveredCodes) == 0 {
		cfg.DeliveredCodes = def.DeliveredCodes
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = def.ScanLimit
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = log.WithField("component", "shipping")
	}
	delivered := make(map[string]bool, len(cfg.DeliveredCodes))
	for _, code := range cfg.DeliveredCodes {
		delivered[strings.TrimSpace(code)] = true
	}
	return &Service{deps: deps, cfg: cfg, delivered: delivered}
}

// Overrides — ручные параметры накладной.
type Overrides struct {
	Weight       float64 `json:"weight,omitempty"`
	SeatsAmount  int     `json:"seats_amount,omitempty"`
	Description  string  `json:"description,omitempty"`
	CityRef      string  `json:"city_ref,omitempty"`
	WarehouseRef string  `json:"warehouse_ref,omitempty"`

	// DeclaredValueUAH — объявленная ценность в целых гривнах, не ниже минимума.
	DeclaredValueUAH int64 `json:"declared_value,omitempty"`
	// CODAmountMinor — сумма наложенного платежа; только для COD-заказов.
	CODAmountMinor   int64 `json:"cod_amount,omitempty"`
}

func (ov Overrides) validate(o domain.Order) error {
	if ov.Weight < 0 || ov.SeatsAmount < 0 || ov.DeclaredValueUAH < 0 || ov.CODAmountMinor < 0 {
		return fmt.Errorf("%w: overrides must not be negative", domain.ErrValidation)
	}
	if ov.CODAmountMinor > 0 && !o.IsCOD() {
		return fmt.Errorf("%w: cod_amount is allowed only for cash on delivery", domain.ErrValidation)
	}
	return nil
}

// CreateTTNRequest — запрос на создание ТТН.
type CreateTTNRequest struct {
	OrderID string
	// IdempotencyKey — ключ события у перевозчика; пустой означает order_id.
	IdempotencyKey string
	Overrides      Overrides
}

// TTNResult — созданная или ранее выданная ТТН.
type TTNResult struct {
	OrderID    string `json:"order_id"`
	TTN        string `json:"ttn"`
	Idempotent bool   `json:"idempotent"`
}

// AutoShip создаёт ТТН сразу после оплаты заказа с auto_ship.
func (s *Service) AutoShip(ctx context.Context, orderID string) error {
	_, err := s.CreateTTN(ctx, CreateTTNRequest{OrderID: orderID})
	return err
}

// CreateTTN создаёт накладную и переводит заказ PROCESSING -> SHIPPED.
// Повторный вызов с тем же ключом или для заказа с ТТН возвращает существующий номер.
func (s *Service) CreateTTN(ctx context.Context, req CreateTTNRequest) (TTNResult, error) {
	if strings.TrimSpace(req.OrderID) == "" {
		return TTNResult{}, domain.ErrOrderIDRequired
	}
	eventID := req.IdempotencyKey
	if eventID == "" {
		eventID = req.OrderID
	}
	logger := s.deps.Logger.WithFields(log.Fields{"order_id": req.OrderID, "event_id": eventID})

	now := s.deps.Clock.Now()
	event, inserted, err := s.deps.Events.Insert(ctx, domain.ProviderEvent{
		ID:        uuid.NewString(),
		Provider:  s.deps.Carrier.Name(),
		EventID:   eventID,
		OrderID:   req.OrderID,
		Type:      "CREATE_TTN",
		Status:    domain.EventStatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return TTNResult{}, fmt.Errorf("insert carrier event: %w", err)
	}
	if !inserted && event.Status == domain.EventStatusProcessed {
		var cached TTNResult
		if err := json.Unmarshal(event.Result, &cached); err == nil && cached.TTN != "" {
			cached.Idempotent = true
			logger.WithField("ttn", cached.TTN).Info("ttn returned from event cache")
			return cached, nil
		}
	}

	res, err := s.createTTN(ctx, req, logger)
	if err != nil {
		if markErr := s.deps.Events.MarkFailed(ctx, event.ID, domain.ErrorCode(err), s.deps.Clock.Now()); markErr != nil {
			logger.WithError(markErr).Warn("failed to mark carrier event failed")
		}
		return TTNResult{}, err
	}

	stored := res
	stored.Idempotent = false
	raw, _ := json.Marshal(stored)
	if err := s.deps.Events.MarkProcessed(ctx, event.ID, raw, s.deps.Clock.Now()); err != nil {
		logger.WithError(err).Warn("failed to mark carrier event processed")
	}
	return res, nil
}

func (s *Service) createTTN(ctx context.Context, req CreateTTNRequest, logger *log.Entry) (TTNResult, error) {
	o, err := s.deps.Machine.Get(ctx, req.OrderID)
	if err != nil {
		return TTNResult{}, err
	}
	if ttn := o.TTN(); ttn != "" {
		return TTNResult{OrderID: o.ID, TTN: ttn, Idempotent: true}, nil
	}
	if err := req.Overrides.validate(o); err != nil {
		return TTNResult{}, err
	}

	switch o.Status {
	case domain.OrderStatusProcessing:
	case domain.OrderStatusPaid:
		o, err = s.toProcessing(ctx, o)
		if err != nil {
			return TTNResult{}, err
		}
		if ttn := o.TTN(); ttn != "" {
			return TTNResult{OrderID: o.ID, TTN: ttn, Idempotent: true}, nil
		}
	default:
		return TTNResult{}, fmt.Errorf("%w: %s", domain.ErrStatusNotAllowedForTTN, o.Status)
	}

	doc, err := s.deps.Carrier.CreateDocument(ctx, s.shipmentRequest(o, req.Overrides))
	if err != nil {
		return TTNResult{}, fmt.Errorf("create carrier document: %w", err)
	}
	logger = logger.WithField("ttn", doc.TTN)

	pickupType := o.Shipping.PickupPointType
	if pickupType == "" {
		pickupType = domain.PickupPointBranch
	}
	updated, err := s.deps.Machine.Transition(ctx, orders.TransitionRequest{
		OrderID:        o.ID,
		To:             domain.OrderStatusShipped,
		Actor:          orders.ActorShipping,
		Reason:         "ttn " + doc.TTN,
		RequireCurrent: domain.OrderStatusProcessing,
		Check: func(current domain.Order) error {
			if current.TTN() != "" {
				return fmt.Errorf("%w: ttn already set", domain.ErrOrderConflict)
			}
			return nil
		},
		Patch: func(x *domain.Order) error {
			x.Shipment = &domain.Shipment{
				Provider:              s.deps.Carrier.Name(),
				TTN:                   doc.TTN,
				CostMinor:             doc.CostMinor,
				EstimatedDeliveryDate: doc.EstimatedDeliveryDate,
				PickupPointType:       pickupType,
			}
			return nil
		},
	})
	if err != nil {
		if !domain.IsConflict(err) {
			return TTNResult{}, err
		}
		// Гонку выиграл другой вызов: отдаём его ТТН.
		latest, getErr := s.deps.Machine.Get(ctx, o.ID)
		if getErr != nil {
			return TTNResult{}, getErr
		}
		if ttn := latest.TTN(); ttn != "" {
			logger.WithField("winner_ttn", ttn).Warn("concurrent ttn creation, carrier document left unused")
			return TTNResult{OrderID: o.ID, TTN: ttn, Idempotent: true}, nil
		}
		return TTNResult{}, err
	}

	s.recordShipCost(ctx, updated)
	s.notifyCreated(ctx, updated)
	s.deps.Metrics.RecordTTNCreated()
	logger.WithField("cost", doc.CostMinor).Info("ttn created")
	return TTNResult{OrderID: updated.ID, TTN: doc.TTN}, nil
}

func (s *Service) toProcessing(ctx context.Context, o domain.Order) (domain.Order, error) {
	updated, err := s.deps.Machine.Transition(ctx, orders.TransitionRequest{
		OrderID:        o.ID,
		To:             domain.OrderStatusProcessing,
		Actor:          orders.ActorShipping,
		Reason:         "ttn requested",
		RequireCurrent: domain.OrderStatusPaid,
	})
	if err == nil {
		return updated, nil
	}
	if !domain.IsConflict(err) {
		return domain.Order{}, err
	}
	latest, getErr := s.deps.Machine.Get(ctx, o.ID)
	if getErr != nil {
		return domain.Order{}, getErr
	}
	if latest.Status != domain.OrderStatusProcessing && latest.TTN() == "" {
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrStatusNotAllowedForTTN, latest.Status)
	}
	return latest, nil
}

func (s *Service) shipmentRequest(o domain.Order, ov Overrides) domain.ShipmentRequest {
	last, first, middle := SplitFullName(o.Shipping.FullName)
	declared := domain.MinorToUAH(o.TotalMinor).Round(0).IntPart()
	if ov.DeclaredValueUAH > 0 {
		declared = ov.DeclaredValueUAH
	}
	if declared < minDeclaredValueUAH {
		declared = minDeclaredValueUAH
	}
	req := domain.ShipmentRequest{
		OrderID:          o.ID,
		RecipientLast:    last,
		RecipientFirst:   first,
		RecipientMiddle:  middle,
		Phone:            o.Shipping.Phone,
		CityRef:          o.Shipping.CityRef,
		WarehouseRef:     o.Shipping.WarehouseRef,
		DeclaredValueUAH: declared,
		Weight:           defaultWeightKg,
		SeatsAmount:      1,
		Description:      defaultDescription,
		PickupPointType:  o.Shipping.PickupPointType,
	}
	if o.IsCOD() {
		cod := o.TotalMinor
		if o.Deposit.Paid {
			cod -= o.Deposit.AmountMinor
		}
		if ov.CODAmountMinor > 0 {
			cod = ov.CODAmountMinor
		}
		if cod > 0 {
			req.CODAmountMinor = cod
		}
	}
	if ov.Weight > 0 {
		req.Weight = ov.Weight
	}
	if ov.SeatsAmount > 0 {
		req.SeatsAmount = ov.SeatsAmount
	}
	if ov.Description != "" {
		req.Description = ov.Description
	}
	if ov.CityRef != "" {
		req.CityRef = ov.CityRef
	}
	if ov.WarehouseRef != "" {
		req.WarehouseRef = ov.WarehouseRef
	}
	return req
}

// SplitFullName делит ФИО на фамилию, имя и отчество.
// Одно слово считается и фамилией, и именем.
func SplitFullName(fullName string) (last, first, middle string) {
	parts := strings.Fields(fullName)
	switch len(parts) {
	case 0:
		return "", "", ""
	case 1:
		return parts[0], parts[0], ""
	case 2:
		return parts[0], parts[1], ""
	default:
		return parts[0], parts[1], strings.Join(parts[2:], " ")
	}
}

func (s *Service) recordShipCost(ctx context.Context, o domain.Order) {
	if s.deps.Ledger == nil || o.Shipment == nil || o.Shipment.CostMinor <= 0 {
		return
	}
	_, err := s.deps.Ledger.Append(ctx, domain.LedgerEntry{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Type:        domain.LedgerShipCostOut,
		Ref:         o.Shipment.TTN,
		Direction:   domain.DirectionOf(domain.LedgerShipCostOut),
		AmountMinor: o.Shipment.CostMinor,
		Currency:    domain.CurrencyUAH,
		CreatedAt:   s.deps.Clock.Now(),
	})
	if err != nil {
		s.deps.Logger.WithError(err).WithField("order_id", o.ID).Warn("failed to record SHIP_COST_OUT")
	}
}

func (s *Service) notifyCreated(ctx context.Context, o domain.Order) {
	if s.deps.Notifier == nil {
		return
	}
	logger := s.deps.Logger.WithFields(log.Fields{"order_id": o.ID, "ttn": o.TTN()})
	payload := map[string]any{
		"order_id":                o.ID,
		"ttn":                     o.TTN(),
		"estimated_delivery_date": o.Shipment.EstimatedDeliveryDate,
	}

	rcpt, err := outbox.LoadRecipient(ctx, s.deps.Customers, o)
	if err != nil {
		logger.WithError(err).Warn("failed to load recipient")
	}
	if !rcpt.OptOut && !rcpt.Blocked {
		targets := map[domain.Channel]string{domain.ChannelSMS: rcpt.Phone, domain.ChannelEmail: rcpt.Email}
		for _, channel := range []domain.Channel{domain.ChannelSMS, domain.ChannelEmail} {
			to := targets[channel]
			if to == "" {
				continue
			}
			_, err := s.deps.Notifier.Notify(ctx, outbox.Notification{
				Channel:   channel,
				To:        to,
				Template:  domain.TemplateTTNCreated,
				Payload:   payload,
				DedupeKey: "ttn_created:" + o.ID + ":" + strings.ToLower(string(channel)),
			})
			if err != nil {
				logger.WithError(err).WithField("channel", channel).Warn("failed to enqueue TTN_CREATED")
			}
		}
	}

	_, err = s.deps.Notifier.Alert(ctx, outbox.Alert{
		Type:    domain.AlertTTNCreated,
		Text:    fmt.Sprintf("ТТН %s для заказа %s (%s)", o.TTN(), o.ID, outbox.FormatUAH(o.TotalMinor)),
		Payload: payload,
		Buttons: [][]domain.Button{{
			outbox.Button("Синхронізувати", "ttn_sync", o.ID),
			outbox.Button("Скасувати", "order_cancel", o.ID),
		}},
		DedupeKey: "ttn_created:" + o.ID,
	})
	if err != nil {
		logger.WithError(err).Warn("failed to enqueue TTN_CREATED alert")
	}
}

// TrackingStatus возвращает текущий статус ТТН у перевозчика без записи в заказ.
func (s *Service) TrackingStatus(ctx context.Context, ttn string) (domain.TrackingStatus, error) {
	if strings.TrimSpace(ttn) == "" {
		return domain.TrackingStatus{}, fmt.Errorf("%w: ttn is required", domain.ErrValidation)
	}
	return s.deps.Carrier.TrackingStatus(ctx, ttn, "")
}

// SyncTTN вручную обновляет трекинг заказа по ТТН.
func (s *Service) SyncTTN(ctx context.Context, ttn, orderID string) (domain.Order, error) {
	o, err := s.deps.Machine.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if o.TTN() == "" || o.TTN() != ttn {
		return domain.Order{}, fmt.Errorf("%w: ttn %s does not belong to order %s", domain.ErrValidation, ttn, orderID)
	}
	updated, _, err := s.sync(ctx, o)
	if domain.IsConflict(err) {
		return s.deps.Machine.Get(ctx, orderID)
	}
	return updated, err
}

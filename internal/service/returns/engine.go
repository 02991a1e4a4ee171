package returns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/metrics"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
	"github.com/vladislavdragonenkov/marketcore/internal/service/outbox"
)

// Пороги повышения сегмента клиента.
const (
	riskReturnsThreshold     = 2
	blockCODRefusalThreshold = 3
)

// Config — параметры движка возвратов.
type Config struct {
	// ReturnCostRatio — доля стоимости доставки, списываемая за обратную доставку.
	ReturnCostRatio decimal.Decimal
	// FallbackShipCostMinor используется, если стоимость доставки неизвестна.
	FallbackShipCostMinor int64
	ScanLimit             int
}

// DefaultConfig возвращает коэффициент 0.5 и оценку доставки 70 грн.
func DefaultConfig() Config {
	return Config{
		ReturnCostRatio:       decimal.NewFromFloat(0.5),
		FallbackShipCostMinor: 7_000,
		ScanLimit:             500,
	}
}

// Deps — зависимости движка.
type Deps struct {
	Machine   *orders.Machine
	Carrier   domain.Carrier
	Ledger    domain.LedgerRepository
	Customers domain.CustomerRepository
	Notifier  *outbox.Notifier
	Metrics   *metrics.Lifecycle
	Clock     clock.Clock
	Logger    *log.Entry
}

// Stats — итог одного прохода.
type Stats struct {
	Scanned  int `json:"scanned"`
	Detected int `json:"detected"`
	Failed   int `json:"failed"`
}

// Outcome — результат применения распознанного возврата к заказу.
type Outcome struct {
	Order          domain.Order
	Applied        bool
	CountersBumped bool
}

// Engine распознаёт возвраты и проводит их последствия.
type Engine struct {
	deps Deps
	cfg  Config
}

// NewEngine создаёт Engine.
func NewEngine(deps Deps, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.ReturnCostRatio.IsZero() {
		cfg.ReturnCostRatio = def.ReturnCostRatio
	}
	if cfg.FallbackShipCostMinor <= 0 {
		cfg.FallbackShipCostMinor = def.FallbackShipCostMinor
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = def.ScanLimit
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = log.WithField("component", "returns")
	}
	return &Engine{deps: deps, cfg: cfg}
}

// ScanOnce опрашивает перевозчика по заказам в пути и применяет распознанные возвраты.
func (e *Engine) ScanOnce(ctx context.Context) (Stats, error) {
	list, err := e.deps.Machine.Repository().List(ctx, domain.OrderFilter{
		Statuses: []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusShipped},
		WithTTN:  true,
		Limit:    e.cfg.ScanLimit,
	})
	if err != nil {
		return Stats{}, fmt.Errorf("list orders in transit: %w", err)
	}

	var stats Stats
	for _, o := range list {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Scanned++
		logger := e.deps.Logger.WithFields(log.Fields{"order_id": o.ID, "ttn": o.TTN()})

		status, err := e.deps.Carrier.TrackingStatus(ctx, o.TTN(), o.Shipping.Phone)
		if err != nil {
			stats.Failed++
			logger.WithError(err).Warn("carrier tracking failed")
			continue
		}
		det, ok := Classify(status.Code, status.Text)
		if !ok {
			continue
		}
		out, err := e.Apply(ctx, o, det, status.Text)
		if err != nil {
			if domain.IsConflict(err) {
				continue
			}
			stats.Failed++
			logger.WithError(err).Warn("apply return failed")
			continue
		}
		if out.Applied {
			stats.Detected++
		}
	}
	return stats, nil
}

// Apply записывает стадию возврата в заказ, проводки и счётчики клиента.
// Повтор с той же (ttn, stage, reason) ничего не меняет; RETURNED не откатывается в RETURNING.
func (e *Engine) Apply(ctx context.Context, o domain.Order, det Detection, npStatus string) (Outcome, error) {
	if !advances(o.Returns, det) {
		return Outcome{Order: o}, nil
	}
	now := e.deps.Clock.Now()
	updated, err := e.deps.Machine.Mutate(ctx, o.ID, domain.OrderGuard{
		Check: func(cur domain.Order) error {
			if !advances(cur.Returns, det) {
				return fmt.Errorf("%w: return stage already %s", domain.ErrOrderConflict, cur.Returns.Stage)
			}
			return nil
		},
	}, func(x *domain.Order) error {
		x.Returns = domain.Returns{
			Stage:      det.Stage,
			Reason:     det.Reason,
			Confidence: det.Confidence,
			UpdatedAt:  domain.TimePtr(now),
			NPStatus:   npStatus,
		}
		return nil
	})
	if err != nil {
		return Outcome{Order: o}, err
	}

	logger := e.deps.Logger.WithFields(log.Fields{
		"order_id": updated.ID,
		"ttn":      updated.TTN(),
		"stage":    det.Stage,
		"reason":   det.Reason,
	})
	logger.Info("return detected")

	out := Outcome{Order: updated, Applied: true}
	firstReturn, err := e.postLedger(ctx, updated)
	if err != nil {
		logger.WithError(err).Warn("failed to post return ledger entries")
	}
	if firstReturn {
		if err := e.bumpCustomer(ctx, updated); err != nil {
			logger.WithError(err).Warn("failed to update customer counters")
		} else {
			out.CountersBumped = true
		}
	}
	e.alert(ctx, updated, det)
	e.deps.Metrics.RecordReturn(string(det.Stage))
	return out, nil
}

func advances(cur domain.Returns, det Detection) bool {
	switch cur.Stage {
	case domain.ReturnStageResolved:
		return false
	case domain.ReturnStageReturned:
		return det.Stage == domain.ReturnStageReturned && det.Reason != cur.Reason
	}
	return cur.Stage != det.Stage || cur.Reason != det.Reason
}

// postLedger пишет SHIP_COST_OUT, RETURN_COST_OUT и для наложенного платежа SALE_LOST.
// Возвращает true, если RETURN_COST_OUT по этой ТТН записан впервые.
func (e *Engine) postLedger(ctx context.Context, o domain.Order) (bool, error) {
	if e.deps.Ledger == nil {
		return false, nil
	}
	ttn := o.TTN()
	shipCost := e.cfg.FallbackShipCostMinor
	estimated := true
	if o.Shipment != nil && o.Shipment.CostMinor > 0 {
		shipCost = o.Shipment.CostMinor
		estimated = false
	}
	returnCost := e.cfg.ReturnCostRatio.Mul(decimal.NewFromInt(shipCost)).Round(0).IntPart()

	if _, err := e.append(ctx, o, domain.LedgerShipCostOut, ttn, shipCost, map[string]any{"estimated": estimated}); err != nil {
		return false, err
	}
	inserted, err := e.append(ctx, o, domain.LedgerReturnCostOut, ttn, returnCost, map[string]any{
		"ratio":  e.cfg.ReturnCostRatio.String(),
		"stage":  o.Returns.Stage,
		"reason": o.Returns.Reason,
	})
	if err != nil {
		return false, err
	}
	if o.IsCOD() {
		lost := o.TotalMinor
		if o.Deposit.Paid {
			lost -= o.Deposit.AmountMinor
		}
		if lost > 0 {
			if _, err := e.append(ctx, o, domain.LedgerSaleLost, ttn, lost, nil); err != nil {
				return inserted, err
			}
		}
	}
	return inserted, nil
}

func (e *Engine) append(ctx context.Context, o domain.Order, typ domain.LedgerType, ref string, amount int64, meta map[string]any) (bool, error) {
	var raw json.RawMessage
	if meta != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return false, fmt.Errorf("marshal ledger meta: %w", err)
		}
		raw = b
	}
	inserted, err := e.deps.Ledger.Append(ctx, domain.LedgerEntry{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Type:        typ,
		Ref:         ref,
		Direction:   domain.DirectionOf(typ),
		AmountMinor: amount,
		Currency:    domain.CurrencyUAH,
		Meta:        raw,
		CreatedAt:   e.deps.Clock.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("append %s: %w", typ, err)
	}
	return inserted, nil
}

// bumpCustomer увеличивает счётчики возвратов и повышает сегмент.
func (e *Engine) bumpCustomer(ctx context.Context, o domain.Order) error {
	if e.deps.Customers == nil || o.Shipping.Phone == "" {
		return nil
	}
	cod := o.IsCOD()
	_, err := e.deps.Customers.Update(ctx, o.Shipping.Phone, e.deps.Clock.Now(), func(c *domain.Customer) error {
		c.Counters.ReturnsTotal++
		if cod {
			c.Counters.CODRefusalsTotal++
		}
		c.Segment = PromoteSegment(c.Segment, c.Counters)
		return nil
	})
	return err
}

// PromoteSegment повышает сегмент по счётчикам; понижения здесь не бывает.
func PromoteSegment(cur domain.Segment, c domain.Counters) domain.Segment {
	if c.CODRefusalsTotal >= blockCODRefusalThreshold {
		return domain.SegmentBlockCOD
	}
	if c.ReturnsTotal >= riskReturnsThreshold && cur != domain.SegmentBlockCOD && cur != domain.SegmentVIP {
		return domain.SegmentRisk
	}
	return cur
}

func (e *Engine) alert(ctx context.Context, o domain.Order, det Detection) {
	if e.deps.Notifier == nil {
		return
	}
	ttn := o.TTN()
	buttons := [][]domain.Button{{outbox.Button("Скасувати замовлення", "order_cancel", o.ID)}}
	if o.Shipping.Phone != "" {
		buttons = append([][]domain.Button{{outbox.Button("Заборонити накладений платіж", "block_cod", o.Shipping.Phone)}}, buttons...)
	}
	_, err := e.deps.Notifier.Alert(ctx, outbox.Alert{
		Type: domain.AlertReturnDetected,
		Text: fmt.Sprintf("Повернення %s: замовлення %s, %s (%s)", ttn, o.ID, det.Reason, det.Stage),
		Payload: map[string]any{
			"order_id":   o.ID,
			"ttn":        ttn,
			"phone":      o.Shipping.Phone,
			"stage":      det.Stage,
			"reason":     det.Reason,
			"confidence": det.Confidence,
			"cod":        o.IsCOD(),
			"total":      outbox.FormatUAH(o.TotalMinor),
		},
		DedupeKey: fmt.Sprintf("return:%s:%s:%s", ttn, det.Stage, det.Reason),
		Buttons:   buttons,
	})
	if err != nil {
		e.deps.Logger.WithError(err).WithField("order_id", o.ID).Warn("failed to enqueue return alert")
	}
}

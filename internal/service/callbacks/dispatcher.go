// Package callbacks исполняет команды операторов, пришедшие из кнопок алертов ("action:target_id").
package callbacks

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
	"github.com/vladislavdragonenkov/marketcore/internal/service/pickup"
	"github.com/vladislavdragonenkov/marketcore/internal/service/risk"
	"github.com/vladislavdragonenkov/marketcore/internal/service/roe"
	"github.com/vladislavdragonenkov/marketcore/internal/service/shipping"
)

// Действия кнопок.
const (
	ActionPolicyApprove = "policy_approve"
	ActionPolicyReject  = "policy_reject"
	ActionROEApprove    = "roe_approve"
	ActionROEReject     = "roe_reject"
	ActionROEApply      = "roe_apply"
	ActionROERollback   = "roe_rollback"
	ActionOrderCancel   = "order_cancel"
	ActionPickupMute    = "pickup_mute"
	ActionPickupList    = "pickup_list"
	ActionBlockCOD      = "block_cod"
	ActionTTNSync       = "ttn_sync"
)

// DefaultActor — автор команды, если канал его не передал.
const DefaultActor = "telegram_admin"

const defaultMuteFor = 24 * time.Hour

// Command — нажатие кнопки.
type Command struct {
	CallbackData string `json:"callback_data"`
	Actor        string `json:"actor,omitempty"`
}

// Result — результат исполнения команды.
type Result struct {
	Action  string `json:"action"`
	Target  string `json:"target"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Deps — сервисы, к которым ведут кнопки. Команда к неподключённому сервису отклоняется.
type Deps struct {
	Machine   *orders.Machine
	Risk      *risk.Engine
	Optimizer *roe.Optimizer
	Pickup    *pickup.Control
	Shipping  *shipping.Service
	MuteFor   time.Duration
	Logger    *log.Entry
}

type handler func(ctx context.Context, target, actor string) (Result, error)

// Dispatcher разбирает callback_data и вызывает нужный сервис.
type Dispatcher struct {
	deps     Deps
	handlers map[string]handler
}

// NewDispatcher создаёт Dispatcher.
func NewDispatcher(deps Deps) *Dispatcher {
	if deps.MuteFor <= 0 {
		deps.MuteFor = defaultMuteFor
	}
	if deps.Logger == nil {
		deps.Logger = log.WithField("component", "admin-callbacks")
	}
	d := &Dispatcher{deps: deps}
	d.handlers = map[string]handler{
		ActionPolicyApprove: d.policyApprove,
		ActionPolicyReject:  d.policyReject,
		ActionROEApprove:    d.roeApprove,
		ActionROEReject:     d.roeReject,
		ActionROEApply:      d.roeApply,
		ActionROERollback:   d.roeRollback,
		ActionOrderCancel:   d.orderCancel,
		ActionPickupMute:    d.pickupMute,
		ActionPickupList:    d.pickupList,
		ActionBlockCOD:      d.blockCOD,
		ActionTTNSync:       d.ttnSync,
	}
	return d
}

// Actions возвращает поддерживаемые действия.
func (d *Dispatcher) Actions() []string {
	out := make([]string, 0, len(d.handlers))
	for action := range d.handlers {
		out = append(out, action)
	}
	return out
}

// Dispatch исполняет команду.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	action, target, ok := domain.ParseCallbackData(cmd.CallbackData)
	if !ok {
		return Result{}, fmt.Errorf("%w: malformed callback data %q", domain.ErrValidation, cmd.CallbackData)
	}
	h, ok := d.handlers[action]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown callback action %q", domain.ErrValidation, action)
	}
	actor := cmd.Actor
	if actor == "" {
		actor = DefaultActor
	}

	logger := d.deps.Logger.WithFields(log.Fields{"action": action, "target": target, "actor": actor})
	res, err := h(ctx, target, actor)
	if err != nil {
		logger.WithError(err).Warn("admin callback failed")
		return Result{}, err
	}
	res.Action = action
	res.Target = target
	logger.Info("admin callback executed")
	return res, nil
}

func notConfigured(name string) error {
	return fmt.Errorf("%w: %s is not configured", domain.ErrValidation, name)
}

func (d *Dispatcher) policyApprove(ctx context.Context, id, actor string) (Result, error) {
	if d.deps.Risk == nil {
		return Result{}, notConfigured("policy engine")
	}
	action, err := d.deps.Risk.Approve(ctx, id, actor)
	if err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("%s для %s підтверджено", action.Type, action.Target), Data: action}, nil
}

func (d *Dispatcher) policyReject(ctx context.Context, id, actor string) (Result, error) {
	if d.deps.Risk == nil {
		return Result{}, notConfigured("policy engine")
	}
	action, err := d.deps.Risk.Reject(ctx, id, actor, "rejected via callback")
	if err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("%s для %s відхилено", action.Type, action.Target), Data: action}, nil
}

func (d *Dispatcher) roeApprove(ctx context.Context, id, actor string) (Result, error) {
	return d.suggestion("approved", func(o *roe.Optimizer) (domain.Suggestion, error) { return o.Approve(ctx, id, actor) })
}

func (d *Dispatcher) roeReject(ctx context.Context, id, actor string) (Result, error) {
	return d.suggestion("rejected", func(o *roe.Optimizer) (domain.Suggestion, error) { return o.Reject(ctx, id, actor) })
}

func (d *Dispatcher) roeApply(ctx context.Context, id, actor string) (Result, error) {
	return d.suggestion("applied", func(o *roe.Optimizer) (domain.Suggestion, error) { return o.Apply(ctx, id, actor) })
}

func (d *Dispatcher) roeRollback(ctx context.Context, id, actor string) (Result, error) {
	return d.suggestion("rolled back", func(o *roe.Optimizer) (domain.Suggestion, error) {
		return o.Rollback(ctx, id, actor, "manual rollback by "+actor)
	})
}

func (d *Dispatcher) suggestion(verb string, fn func(*roe.Optimizer) (domain.Suggestion, error)) (Result, error) {
	if d.deps.Optimizer == nil {
		return Result{}, notConfigured("revenue optimizer")
	}
	s, err := fn(d.deps.Optimizer)
	if err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("suggestion %s %s", s.ID, verb), Data: s}, nil
}

func (d *Dispatcher) orderCancel(ctx context.Context, orderID, actor string) (Result, error) {
	if d.deps.Machine == nil {
		return Result{}, notConfigured("order machine")
	}
	o, err := d.deps.Machine.Cancel(ctx, orderID, actor, "canceled by operator")
	if err != nil {
		return Result{}, err
	}
	return Result{Message: fmt.Sprintf("замовлення %s скасовано", o.ID), Data: o}, nil
}

// pickupMute: target содержит дату алерта и на длительность не влияет.
func (d *Dispatcher) pickupMute(ctx context.Context, _ string, actor string) (Result, error) {
	if d.deps.Pickup == nil {
		return Result{}, notConfigured("pickup control")
	}
	until, err := d.deps.Pickup.Mute(ctx, actor, d.deps.MuteFor)
	if err != nil {
		return Result{}, err
	}
	return Result{Message: "алерти про видачу вимкнено до " + until.Format(time.RFC3339), Data: map[string]time.Time{"muted_until": until}}, nil
}

func (d *Dispatcher) pickupList(ctx context.Context, _ string, _ string) (Result, error) {
	if d.deps.Pickup == nil {
		return Result{}, notConfigured("pickup control")
	}
	list, err := d.deps.Pickup.AtRisk(ctx)
	if err != nil {
		return Result{}, err
	}
	type row struct {
		OrderID    string `json:"order_id"`
		TTN        string `json:"ttn"`
		TotalMinor int64  `json:"total_minor"`
	}
	rows := make([]row, 0, len(list))
	for _, o := range list {
		rows = append(rows, row{OrderID: o.ID, TTN: o.TTN(), TotalMinor: o.TotalMinor})
	}
	return Result{Message: fmt.Sprintf("%d посилок під ризиком", len(rows)), Data: rows}, nil
}

func (d *Dispatcher) blockCOD(ctx context.Context, phone, actor string) (Result, error) {
	if d.deps.Risk == nil {
		return Result{}, notConfigured("policy engine")
	}
	c, err := d.deps.Risk.BlockCOD(ctx, phone, actor, "")
	if err != nil {
		return Result{}, err
	}
	return Result{Message: "накладений платіж заблоковано для " + c.Phone, Data: c.Policy}, nil
}

func (d *Dispatcher) ttnSync(ctx context.Context, orderID, _ string) (Result, error) {
	if d.deps.Shipping == nil || d.deps.Machine == nil {
		return Result{}, notConfigured("shipping")
	}
	o, err := d.deps.Machine.Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	updated, err := d.deps.Shipping.SyncTTN(ctx, o.TTN(), orderID)
	if err != nil {
		return Result{}, err
	}
	status := ""
	if updated.Shipment != nil {
		status = updated.Shipment.TrackingStatus
	}
	return Result{Message: fmt.Sprintf("ТТН %s: %s", updated.TTN(), status), Data: updated}, nil
}

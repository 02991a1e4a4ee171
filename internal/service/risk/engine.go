package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/metrics"
	"github.com/vladislavdragonenkov/marketcore/internal/service/outbox"
)

// EngineConfig — пороги policy engine.
type EngineConfig struct {
	BlockCODRefusals   int           `yaml:"block_cod_refusals_30d"`
	PrepaidReturns     int           `yaml:"require_prepaid_returns_60d"`
	BlockCODReturns    int           `yaml:"block_cod_returns_60d"`
	CityReturnRate     float64       `yaml:"city_return_rate"`
	CityMinOrders      int           `yaml:"city_min_orders_30d"`
	ScanLimit          int           `yaml:"scan_limit"`
	RecentOrdersWindow time.Duration `yaml:"recent_orders_window"`
}

// DefaultEngineConfig возвращает пороги по умолчанию.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BlockCODRefusals:   2,
		PrepaidReturns:     2,
		BlockCODReturns:    3,
		CityReturnRate:     0.15,
		CityMinOrders:      30,
		ScanLimit:          500,
		RecentOrdersWindow: 30 * 24 * time.Hour,
	}
}

// EngineDeps — зависимости Engine.
type EngineDeps struct {
	Customers domain.CustomerRepository
	Cities    domain.CityPolicyRepository
	Policies  domain.PolicyRepository
	Signals   domain.SignalsSource
	Scorer    *Scorer
	Notifier  *outbox.Notifier
	Metrics   *metrics.Lifecycle
	Clock     clock.Clock
	Logger    *log.Entry
}

// EngineStats — итог одного прохода policy engine.
type EngineStats struct {
	Customers  int `json:"customers"`
	Cities     int `json:"cities"`
	Proposed   int `json:"proposed"`
	Suppressed int `json:"suppressed"`
	Failed     int `json:"failed"`
}

// Proposal — предложение до сохранения.
type Proposal struct {
	Type     domain.PolicyActionType
	Target   string
	Severity domain.Severity
	Reason   string
	Metrics  map[string]float64
}

// Engine предлагает ограничения клиентам и городам и применяет одобренные.
type Engine struct {
	deps EngineDeps
	cfg  EngineConfig
}

// NewEngine создаёт Engine.
func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	def := DefaultEngineConfig()
	if cfg.BlockCODRefusals <= 0 {
		cfg.BlockCODRefusals = def.BlockCODRefusals
	}
	if cfg.PrepaidReturns <= 0 {
		cfg.PrepaidReturns = def.PrepaidReturns
	}
	if cfg.BlockCODReturns <= 0 {
		cfg.BlockCODReturns = def.BlockCODReturns
	}
	if cfg.CityReturnRate <= 0 {
		cfg.CityReturnRate = def.CityReturnRate
	}
	if cfg.CityMinOrders <= 0 {
		cfg.CityMinOrders = def.CityMinOrders
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = def.ScanLimit
	}
	if cfg.RecentOrdersWindow <= 0 {
		cfg.RecentOrdersWindow = def.RecentOrdersWindow
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = log.WithField("component", "policy-engine")
	}
	return &Engine{deps: deps, cfg: cfg}
}

// CustomerProposal выбирает самое строгое действие для клиента. VIP не ограничиваются.
func CustomerProposal(cfg EngineConfig, c domain.Customer, sig domain.CustomerSignals) (Proposal, bool) {
	if c.Segment == domain.SegmentVIP {
		return Proposal{}, false
	}
	measured := map[string]float64{
		"returns_60d":      float64(sig.Returns60d),
		"cod_refusals_30d": float64(sig.CODRefusals30d),
	}
	var p Proposal
	switch {
	case sig.CODRefusals30d >= cfg.BlockCODRefusals:
		p = Proposal{Type: domain.ActionBlockCODCustomer, Severity: domain.SeverityHigh,
			Reason: fmt.Sprintf("COD_REFUSALS_30D≥%d", cfg.BlockCODRefusals)}
	case sig.Returns60d >= cfg.BlockCODReturns:
		p = Proposal{Type: domain.ActionBlockCODCustomer, Severity: domain.SeverityHigh,
			Reason: fmt.Sprintf("RETURNS_60D≥%d", cfg.BlockCODReturns)}
	case sig.Returns60d >= cfg.PrepaidReturns:
		p = Proposal{Type: domain.ActionRequirePrepaidCustomer, Severity: domain.SeverityMedium,
			Reason: fmt.Sprintf("RETURNS_60D≥%d", cfg.PrepaidReturns)}
	default:
		return Proposal{}, false
	}

	// Уже действующее ограничение не предлагается повторно.
	if c.Policy.CODBlocked {
		return Proposal{}, false
	}
	if p.Type == domain.ActionRequirePrepaidCustomer && c.Policy.RequirePrepaid {
		return Proposal{}, false
	}
	p.Target = c.Phone
	p.Metrics = measured
	return p, true
}

// CityProposal предлагает предоплату для города с высокой долей возвратов.
func CityProposal(cfg EngineConfig, stats domain.CityStats, current domain.CityPolicy) (Proposal, bool) {
	if stats.Orders30d < cfg.CityMinOrders || stats.ReturnRate() < cfg.CityReturnRate || current.RequirePrepaid {
		return Proposal{}, false
	}
	return Proposal{
		Type:     domain.ActionRequirePrepaidCity,
		Target:   stats.City,
		Severity: domain.SeverityMedium,
		Reason:   fmt.Sprintf("CITY_RETURN_RATE≥%.0f%%", cfg.CityReturnRate*100),
		Metrics: map[string]float64{
			"orders_30d":  float64(stats.Orders30d),
			"returns_30d": float64(stats.Returns30d),
			"return_rate": math.Round(stats.ReturnRate()*1000) / 1000,
		},
	}, true
}

// DedupeKey строит ключ предложения из цели и округлённых метрик: одинаковый брекет не предлагается дважды.
func (p Proposal) DedupeKey() string {
	switch p.Type {
	case domain.ActionRequirePrepaidCity:
		return fmt.Sprintf("%s:%s:rate=%d:orders=%d", p.Type, p.Target,
			int(p.Metrics["return_rate"]*100), int(p.Metrics["orders_30d"])/10*10)
	default:
		return fmt.Sprintf("%s:%s:ret=%d:cod=%d", p.Type, p.Target,
			int(p.Metrics["returns_60d"]), int(p.Metrics["cod_refusals_30d"]))
	}
}

// RunOnce сканирует клиентов с недавними заказами и города, сохраняя новые предложения.
func (e *Engine) RunOnce(ctx context.Context) (EngineStats, error) {
	now := e.deps.Clock.Now()
	since := now.Add(-e.cfg.RecentOrdersWindow)

	phones, err := e.deps.Signals.RecentPhones(ctx, since, e.cfg.ScanLimit)
	if err != nil {
		return EngineStats{}, fmt.Errorf("recent phones: %w", err)
	}

	var stats EngineStats
	for _, phone := range phones {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Customers++
		if err := e.scanCustomer(ctx, phone, now, &stats); err != nil {
			stats.Failed++
			e.deps.Logger.WithError(err).WithField("phone", phone).Warn("policy scan failed")
		}
	}

	cityStats, err := e.deps.Signals.CityStats(ctx, since)
	if err != nil {
		return stats, fmt.Errorf("city stats: %w", err)
	}
	for _, cs := range cityStats {
		stats.Cities++
		current, _, err := e.deps.Cities.Find(ctx, cs.City)
		if err != nil {
			stats.Failed++
			e.deps.Logger.WithError(err).WithField("city", cs.City).Warn("city policy lookup failed")
			continue
		}
		if p, ok := CityProposal(e.cfg, cs, current); ok {
			e.propose(ctx, p, now, &stats)
		}
	}
	return stats, nil
}

func (e *Engine) scanCustomer(ctx context.Context, phone string, now time.Time, stats *EngineStats) error {
	if e.deps.Scorer != nil {
		if _, err := e.deps.Scorer.Evaluate(ctx, phone); err != nil {
			return fmt.Errorf("evaluate risk: %w", err)
		}
	}
	c, err := e.deps.Customers.Get(ctx, phone)
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound):
		c = domain.NewCustomer(phone, now)
	case err != nil:
		return err
	}
	sig, err := e.deps.Signals.CustomerSignals(ctx, phone, now)
	if err != nil {
		return fmt.Errorf("customer signals: %w", err)
	}
	if p, ok := CustomerProposal(e.cfg, c, sig); ok {
		e.propose(ctx, p, now, stats)
	}
	return nil
}

func (e *Engine) propose(ctx context.Context, p Proposal, now time.Time, stats *EngineStats) {
	logger := e.deps.Logger.WithFields(log.Fields{"action": p.Type, "target": p.Target})
	action, inserted, err := e.deps.Policies.InsertAction(ctx, domain.PolicyAction{
		ID:               uuid.NewString(),
		Type:             p.Type,
		Target:           p.Target,
		Severity:         p.Severity,
		RequiresApproval: true,
		Status:           domain.PolicyActionPending,
		Reason:           p.Reason,
		Metrics:          p.Metrics,
		DedupeKey:        p.DedupeKey(),
		CreatedAt:        now,
	})
	if err != nil {
		stats.Failed++
		logger.WithError(err).Warn("failed to store policy proposal")
		return
	}
	if !inserted {
		stats.Suppressed++
		return
	}
	stats.Proposed++
	e.deps.Metrics.RecordPolicyProposal(string(p.Type))
	logger.WithField("reason", p.Reason).Info("policy action proposed")

	if e.deps.Notifier == nil {
		return
	}
	if _, err := e.deps.Notifier.Alert(ctx, outbox.Alert{
		Type: domain.AlertPolicyProposal,
		Text: fmt.Sprintf("Пропозиція %s для %s: %s", action.Type, action.Target, action.Reason),
		Payload: map[string]any{
			"action_id": action.ID,
			"action":    action.Type,
			"target":    action.Target,
			"severity":  action.Severity,
			"metrics":   action.Metrics,
		},
		DedupeKey: "policy:" + action.ID,
		Buttons: [][]domain.Button{{
			outbox.Button("Підтвердити", "policy_approve", action.ID),
			outbox.Button("Відхилити", "policy_reject", action.ID),
		}},
	}); err != nil {
		logger.WithError(err).Warn("failed to enqueue policy alert")
	}
}

// Pending возвращает предложения, ожидающие решения.
func (e *Engine) Pending(ctx context.Context, limit int) ([]domain.PolicyAction, error) {
	return e.deps.Policies.ListActions(ctx, domain.PolicyActionPending, limit)
}

// List возвращает предложения в статусе status; пустой означает все.
func (e *Engine) List(ctx context.Context, status domain.PolicyActionStatus, limit int) ([]domain.PolicyAction, error) {
	return e.deps.Policies.ListActions(ctx, status, limit)
}

// Approve применяет предложение. Повторное решение по уже решённому предложению даёт ErrPolicyActionState.
func (e *Engine) Approve(ctx context.Context, id, actor string) (domain.PolicyAction, error) {
	action, err := e.deps.Policies.GetAction(ctx, id)
	if err != nil {
		return domain.PolicyAction{}, err
	}
	if action.Status != domain.PolicyActionPending {
		return action, fmt.Errorf("%w: action is %s", domain.ErrPolicyActionState, action.Status)
	}
	now := e.deps.Clock.Now()
	// Эффект идемпотентен, поэтому гонка двух подтверждений безопасна: статус сменит один.
	if err := e.applyEffect(ctx, action, now); err != nil {
		return action, err
	}
	updated, err := e.decide(ctx, id, domain.PolicyActionApplied, actor, now)
	if err != nil {
		return updated, err
	}
	e.audit(ctx, updated.Target, "APPROVE "+string(updated.Type), actor, updated.Reason, now)
	return updated, nil
}

// Reject отклоняет предложение.
func (e *Engine) Reject(ctx context.Context, id, actor, reason string) (domain.PolicyAction, error) {
	now := e.deps.Clock.Now()
	updated, err := e.decide(ctx, id, domain.PolicyActionRejected, actor, now)
	if err != nil {
		return updated, err
	}
	e.audit(ctx, updated.Target, "REJECT "+string(updated.Type), actor, lo.CoalesceOrEmpty(reason, updated.Reason), now)
	return updated, nil
}

func (e *Engine) decide(ctx context.Context, id string, to domain.PolicyActionStatus, actor string, now time.Time) (domain.PolicyAction, error) {
	return e.deps.Policies.UpdateAction(ctx, id, func(a *domain.PolicyAction) error {
		if a.Status != domain.PolicyActionPending {
			return fmt.Errorf("%w: action is %s", domain.ErrPolicyActionState, a.Status)
		}
		a.Status = to
		a.DecidedBy = actor
		a.DecidedAt = domain.TimePtr(now)
		return nil
	})
}

func (e *Engine) applyEffect(ctx context.Context, a domain.PolicyAction, now time.Time) error {
	switch a.Type {
	case domain.ActionBlockCODCustomer:
		_, err := e.deps.Customers.Update(ctx, a.Target, now, func(c *domain.Customer) error {
			c.Policy.CODBlocked = true
			c.Policy.Reason = a.Reason
			return nil
		})
		return err
	case domain.ActionRequirePrepaidCustomer:
		_, err := e.deps.Customers.Update(ctx, a.Target, now, func(c *domain.Customer) error {
			c.Policy.RequirePrepaid = true
			c.Policy.Reason = a.Reason
			return nil
		})
		return err
	case domain.ActionRequirePrepaidCity:
		current, _, err := e.deps.Cities.Find(ctx, a.Target)
		if err != nil {
			return err
		}
		current.City = a.Target
		current.RequirePrepaid = true
		current.ReturnRate = a.Metrics["return_rate"]
		current.Reason = a.Reason
		current.UpdatedAt = now
		return e.deps.Cities.Upsert(ctx, current)
	default:
		return fmt.Errorf("%w: unknown action type %s", domain.ErrValidation, a.Type)
	}
}

// BlockCOD запрещает наложенный платёж клиенту напрямую, без предложения.
func (e *Engine) BlockCOD(ctx context.Context, phone, actor, reason string) (domain.Customer, error) {
	if phone == "" {
		return domain.Customer{}, domain.ErrPhoneRequired
	}
	now := e.deps.Clock.Now()
	reason = lo.CoalesceOrEmpty(reason, "MANUAL_BLOCK")
	c, err := e.deps.Customers.Update(ctx, phone, now, func(c *domain.Customer) error {
		c.Policy.CODBlocked = true
		c.Policy.Reason = reason
		return nil
	})
	if err != nil {
		return domain.Customer{}, err
	}
	e.audit(ctx, phone, "BLOCK_COD", actor, reason, now)
	return c, nil
}

// Audit возвращает журнал решений по цели.
func (e *Engine) Audit(ctx context.Context, target string, limit int) ([]domain.PolicyAudit, error) {
	return e.deps.Policies.ListAudit(ctx, target, limit)
}

func (e *Engine) audit(ctx context.Context, target, action, actor, reason string, now time.Time) {
	if err := e.deps.Policies.AppendAudit(ctx, domain.PolicyAudit{
		ID:        uuid.NewString(),
		Target:    target,
		Action:    action,
		Actor:     actor,
		Reason:    reason,
		CreatedAt: now,
	}); err != nil {
		e.deps.Logger.WithError(err).WithField("target", target).Warn("failed to write policy audit")
	}
}

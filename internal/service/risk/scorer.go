// Package risk считает риск клиента и предлагает ограничения оплаты на подтверждение операторам.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/outbox"
)

// Причины в RiskScore.Reasons.
const (
	ReasonReturns      = "RETURNS_60D"
	ReasonCODRefusals  = "COD_REFUSALS_30D"
	ReasonBurst        = "BURST_1H"
	ReasonPaymentFails = "PAYMENT_FAILS_30D"
	ReasonWhitelist    = "RISK_WHITELIST"
	ReasonFraudSuspect = "FRAUD_SUSPECT"
	ReasonOverride     = "OVERRIDE"
)

// Weight — вклад сигнала: PerUnit за единицу, но не больше Cap.
type Weight struct {
	PerUnit int `yaml:"per_unit" json:"per_unit"`
	Cap     int `yaml:"cap" json:"cap"`
}

func (w Weight) apply(units int) int {
	if units <= 0 {
		return 0
	}
	return min(units*w.PerUnit, w.Cap)
}

// ScoreConfig — веса компонентов риска.
type ScoreConfig struct {
	Returns60d      Weight `yaml:"returns_60d"`
	CODRefusals30d  Weight `yaml:"cod_refusals_30d"`
	Burst1h         Weight `yaml:"burst_1h"`
	PaymentFails30d Weight `yaml:"payment_fails_30d"`
	// BurstDivisor — сколько заказов за час составляют одну единицу burst.
	BurstDivisor       int `yaml:"burst_divisor"`
	WhitelistAdjust    int `yaml:"whitelist_adjust"`
	FraudSuspectAdjust int `yaml:"fraud_suspect_adjust"`
	// AlertThreshold — score, начиная с которого операторы получают алерт (не чаще раза в день).
	AlertThreshold int `yaml:"alert_threshold"`
}

// DefaultScoreConfig возвращает веса по умолчанию.
func DefaultScoreConfig() ScoreConfig {
	return ScoreConfig{
		Returns60d:         Weight{PerUnit: 20, Cap: 40},
		CODRefusals30d:     Weight{PerUnit: 25, Cap: 50},
		Burst1h:            Weight{PerUnit: 15, Cap: 15},
		PaymentFails30d:    Weight{PerUnit: 15, Cap: 30},
		BurstDivisor:       3,
		WhitelistAdjust:    -30,
		FraudSuspectAdjust: 15,
		AlertThreshold:     80,
	}
}

// Bands — пороги полос риска.
type Bands struct {
	Risk  int
	Watch int
}

// BandsFrom берёт пороги из system config, нули заменяются значениями по умолчанию.
func BandsFrom(cfg domain.SystemConfig) Bands {
	def := domain.DefaultSystemConfig()
	b := Bands{Risk: cfg.RiskThresholdHigh, Watch: cfg.RiskThresholdWatch}
	if b.Risk <= 0 {
		b.Risk = def.RiskThresholdHigh
	}
	if b.Watch <= 0 {
		b.Watch = def.RiskThresholdWatch
	}
	return b
}

// Band возвращает полосу для score.
func (b Bands) Band(score int) domain.RiskBand {
	switch {
	case score >= b.Risk:
		return domain.RiskBandRisk
	case score >= b.Watch:
		return domain.RiskBandWatch
	default:
		return domain.RiskBandLow
	}
}

// Score считает риск по оконным сигналам и тегам клиента.
// Действующий override заменяет рассчитанное значение целиком.
func Score(cfg ScoreConfig, bands Bands, sig domain.CustomerSignals, c domain.Customer, now time.Time) domain.RiskScore {
	if c.RiskOverride.Active(now) {
		score := clamp(c.RiskOverride.Score)
		return domain.RiskScore{Score: score, Band: bands.Band(score), Reasons: []string{ReasonOverride}, UpdatedAt: now}
	}

	var (
		total   int
		reasons []string
	)
	add := func(points int, reason string) {
		if points == 0 {
			return
		}
		total += points
		reasons = append(reasons, fmt.Sprintf("%s%+d", reason, points))
	}
	add(cfg.Returns60d.apply(sig.Returns60d), ReasonReturns)
	add(cfg.CODRefusals30d.apply(sig.CODRefusals30d), ReasonCODRefusals)
	divisor := max(cfg.BurstDivisor, 1)
	add(cfg.Burst1h.apply(sig.OrdersLastHour/divisor), ReasonBurst)
	add(cfg.PaymentFails30d.apply(sig.PaymentFails30d), ReasonPaymentFails)
	if c.HasTag(domain.TagRiskWhitelist) {
		add(cfg.WhitelistAdjust, ReasonWhitelist)
	}
	if c.HasTag(domain.TagFraudSuspect) {
		add(cfg.FraudSuspectAdjust, ReasonFraudSuspect)
	}

	score := clamp(total)
	return domain.RiskScore{Score: score, Band: bands.Band(score), Reasons: reasons, UpdatedAt: now}
}

func clamp(score int) int {
	return max(0, min(score, 100))
}

// ScorerDeps — зависимости Scorer.
type ScorerDeps struct {
	Customers domain.CustomerRepository
	Signals   domain.SignalsSource
	Settings  domain.SystemConfigRepository
	Policies  domain.PolicyRepository
	Notifier  *outbox.Notifier
	Clock     clock.Clock
	Logger    *log.Entry
}

// Scorer пересчитывает и сохраняет риск клиента.
type Scorer struct {
	deps ScorerDeps
	cfg  ScoreConfig
}

// NewScorer создаёт Scorer. Нулевой cfg означает веса по умолчанию.
func NewScorer(deps ScorerDeps, cfg ScoreConfig) *Scorer {
	if cfg == (ScoreConfig{}) {
		cfg = DefaultScoreConfig()
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = log.WithField("component", "risk-scorer")
	}
	return &Scorer{deps: deps, cfg: cfg}
}

// Evaluate пересчитывает риск клиента, сохраняет его в профиль и при высоком score ставит алерт.
func (s *Scorer) Evaluate(ctx context.Context, phone string) (domain.RiskScore, error) {
	if phone == "" {
		return domain.RiskScore{}, domain.ErrPhoneRequired
	}
	now := s.deps.Clock.Now()
	sig, bands, err := s.inputs(ctx, phone, now)
	if err != nil {
		return domain.RiskScore{}, err
	}

	var score domain.RiskScore
	customer, err := s.deps.Customers.Update(ctx, phone, now, func(c *domain.Customer) error {
		score = Score(s.cfg, bands, sig, *c, now)
		c.Risk = &score
		return nil
	})
	if err != nil {
		return domain.RiskScore{}, fmt.Errorf("save risk: %w", err)
	}

	if score.Score >= s.cfg.AlertThreshold {
		s.alert(ctx, customer, score)
	}
	return score, nil
}

// Get возвращает профиль клиента со свежим риском.
// Для неизвестного телефона риск считается без сохранения профиля.
func (s *Scorer) Get(ctx context.Context, phone string) (domain.Customer, error) {
	if phone == "" {
		return domain.Customer{}, domain.ErrPhoneRequired
	}
	_, err := s.deps.Customers.Get(ctx, phone)
	switch {
	case err == nil:
		if _, err := s.Evaluate(ctx, phone); err != nil {
			return domain.Customer{}, err
		}
		return s.deps.Customers.Get(ctx, phone)
	case !errors.Is(err, domain.ErrCustomerNotFound):
		return domain.Customer{}, fmt.Errorf("load customer: %w", err)
	}

	now := s.deps.Clock.Now()
	sig, bands, err := s.inputs(ctx, phone, now)
	if err != nil {
		return domain.Customer{}, err
	}
	c := domain.NewCustomer(phone, now)
	score := Score(s.cfg, bands, sig, c, now)
	c.Risk = &score
	return c, nil
}

func (s *Scorer) inputs(ctx context.Context, phone string, now time.Time) (domain.CustomerSignals, Bands, error) {
	sig, err := s.deps.Signals.CustomerSignals(ctx, phone, now)
	if err != nil {
		return domain.CustomerSignals{}, Bands{}, fmt.Errorf("customer signals: %w", err)
	}
	bands := BandsFrom(domain.DefaultSystemConfig())
	if s.deps.Settings != nil {
		cfg, err := s.deps.Settings.Get(ctx)
		if err != nil {
			return domain.CustomerSignals{}, Bands{}, fmt.Errorf("load system config: %w", err)
		}
		bands = BandsFrom(cfg)
	}
	return sig, bands, nil
}

// Override вручную задаёт score до момента until.
func (s *Scorer) Override(ctx context.Context, phone string, score int, until time.Time, reason, actor string) (domain.RiskScore, error) {
	now := s.deps.Clock.Now()
	if score < 0 || score > 100 {
		return domain.RiskScore{}, fmt.Errorf("%w: score must be within 0..100", domain.ErrValidation)
	}
	if !until.After(now) {
		return domain.RiskScore{}, fmt.Errorf("%w: override must end in the future", domain.ErrValidation)
	}
	if _, err := s.deps.Customers.Update(ctx, phone, now, func(c *domain.Customer) error {
		c.RiskOverride = &domain.RiskOverride{Score: score, Until: until, Reason: reason}
		return nil
	}); err != nil {
		return domain.RiskScore{}, fmt.Errorf("save override: %w", err)
	}
	if s.deps.Policies != nil {
		if err := s.deps.Policies.AppendAudit(ctx, domain.PolicyAudit{
			ID:        uuid.NewString(),
			Target:    phone,
			Action:    fmt.Sprintf("RISK_OVERRIDE score=%d until=%s", score, until.Format(time.RFC3339)),
			Actor:     actor,
			Reason:    reason,
			CreatedAt: now,
		}); err != nil {
			s.deps.Logger.WithError(err).WithField("phone", phone).Warn("failed to write override audit")
		}
	}
	return s.Evaluate(ctx, phone)
}

func (s *Scorer) alert(ctx context.Context, c domain.Customer, score domain.RiskScore) {
	if s.deps.Notifier == nil {
		return
	}
	_, err := s.deps.Notifier.Alert(ctx, outbox.Alert{
		Type: domain.AlertHighRisk,
		Text: fmt.Sprintf("Високий ризик клієнта %s: %d (%s)", c.Phone, score.Score, score.Band),
		Payload: map[string]any{
			"phone":   c.Phone,
			"score":   score.Score,
			"band":    score.Band,
			"reasons": score.Reasons,
			"segment": c.Segment,
		},
		DedupeKey: fmt.Sprintf("high_risk:%s:%s", c.Phone, clock.KyivDateString(score.UpdatedAt)),
		Buttons: [][]domain.Button{{
			outbox.Button("Заборонити накладений платіж", "block_cod", c.Phone),
		}},
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.deps.Logger.WithError(err).WithField("phone", c.Phone).Warn("failed to enqueue high risk alert")
	}
}

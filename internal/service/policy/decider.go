// Package policy выбирает режим оплаты заказа по сигналам клиента и города.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// Причины решения, попадают в order.payment_policy.reasons.
const (
	ReasonCODBlocked             = "COD_BLOCKED"
	ReasonSegmentBlockCOD        = "SEGMENT_BLOCK_COD"
	ReasonCODRefusals            = "COD_REFUSALS_30D≥2"
	ReasonReturnsHard            = "RETURNS_60D≥3"
	ReasonCityRequirePrepaid     = "CITY_REQUIRE_PREPAID"
	ReasonCustomerRequirePrepaid = "CUSTOMER_REQUIRE_PREPAID"
	ReasonReturnsMedium          = "RETURNS_60D≥2"
	ReasonNewCustomerBigOrder    = "NEW_CUSTOMER_BIG_ORDER"
	ReasonCityDeposit            = "CITY_DEPOSIT"
	ReasonVIPSoftened            = "VIP_SOFTENED"
)

const (
	defaultBigOrderThresholdUAH = 3000
	defaultBaseDepositUAH       = 100
	depositMinUAH               = 80
	depositMaxUAH               = 200
)

var depositShare = decimal.NewFromFloat(0.02)

// Config — пороги решения.
type Config struct {
	// BigOrderThresholdMinor — сумма, начиная с которой новый клиент платит депозит.
	BigOrderThresholdMinor int64
	// BaseDepositUAH используется, если в system config нет deposit_min_uah.
	BaseDepositUAH int64
}

// DefaultConfig возвращает пороги по умолчанию.
func DefaultConfig() Config {
	return Config{
		BigOrderThresholdMinor: defaultBigOrderThresholdUAH * 100,
		BaseDepositUAH:         defaultBaseDepositUAH,
	}
}

// Input — параметры решения.
type Input struct {
	Phone         string
	City          string
	AmountMinor   int64
	IsNewCustomer bool
}

// Signals — сигналы, на которых основано решение.
type Signals struct {
	Returns60d         int            `json:"returns_60d"`
	CODRefusals30d     int            `json:"cod_refusals_30d"`
	Segment            domain.Segment `json:"segment"`
	CODBlocked         bool           `json:"cod_blocked"`
	RequirePrepaid     bool           `json:"require_prepaid"`
	CityRequirePrepaid bool           `json:"city_require_prepaid"`
	CityDepositMinor   int64          `json:"city_deposit_minor"`
}

// Deposit — рассчитанный депозит за доставку.
type Deposit struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

// Decision — результат выбора режима оплаты.
type Decision struct {
	Mode     domain.PaymentMode `json:"mode"`
	Severity domain.Severity    `json:"severity"`
	Reasons  []string           `json:"reasons"`
	Deposit  Deposit            `json:"deposit"`
	Signals  Signals            `json:"signals"`
}

// Policy возвращает блок payment_policy для заказа.
func (d Decision) Policy() domain.PaymentPolicy {
	return domain.PaymentPolicy{Mode: d.Mode, Severity: d.Severity, Reasons: append([]string(nil), d.Reasons...)}
}

// Decider — каскад правил выбора режима оплаты.
type Decider struct {
	customers domain.CustomerRepository
	cities    domain.CityPolicyRepository
	settings  domain.SystemConfigRepository
	cfg       Config
	logger    *log.Entry
}

// NewDecider создаёт Decider. settings может быть nil.
func NewDecider(customers domain.CustomerRepository, cities domain.CityPolicyRepository, settings domain.SystemConfigRepository, cfg Config, logger *log.Entry) *Decider {
	if cfg.BigOrderThresholdMinor <= 0 {
		cfg.BigOrderThresholdMinor = defaultBigOrderThresholdUAH * 100
	}
	if cfg.BaseDepositUAH <= 0 {
		cfg.BaseDepositUAH = defaultBaseDepositUAH
	}
	if logger == nil {
		logger = log.WithField("component", "payment-policy")
	}
	return &Decider{customers: customers, cities: cities, settings: settings, cfg: cfg, logger: logger}
}

// Decide выбирает режим оплаты. Побеждает самое строгое сработавшее правило.
func (d *Decider) Decide(ctx context.Context, in Input) (Decision, error) {
	customer, err := d.customers.Get(ctx, in.Phone)
	switch {
	case errors.Is(err, domain.ErrCustomerNotFound):
		customer = domain.Customer{Phone: in.Phone, Segment: domain.SegmentNew}
	case err != nil:
		return Decision{}, fmt.Errorf("load customer: %w", err)
	}

	city, _, err := d.cities.Find(ctx, in.City)
	if err != nil {
		return Decision{}, fmt.Errorf("load city policy: %w", err)
	}

	signals := Signals{
		Returns60d:         customer.Counters.ReturnsTotal,
		CODRefusals30d:     customer.Counters.CODRefusalsTotal,
		Segment:            customer.Segment,
		CODBlocked:         customer.Policy.CODBlocked,
		RequirePrepaid:     customer.Policy.RequirePrepaid,
		CityRequirePrepaid: city.RequirePrepaid,
		CityDepositMinor:   city.DepositAmountMinor,
	}

	mode, reasons := evaluate(signals, in, d.cfg)
	decision := Decision{
		Mode:    mode,
		Reasons: reasons,
		Signals: signals,
	}

	if decision.Mode == domain.PaymentModeShipDeposit {
		base, err := d.baseDepositUAH(ctx)
		if err != nil {
			return Decision{}, err
		}
		decision.Deposit = Deposit{
			AmountMinor: DepositAmount(in.AmountMinor, base, signals.CityDepositMinor),
			Currency:    domain.CurrencyUAH,
		}
	}
	decision.Severity = severityOf(decision.Mode)
	if decision.Reasons == nil {
		decision.Reasons = []string{}
	}

	d.logger.WithFields(log.Fields{
		"phone":   in.Phone,
		"city":    in.City,
		"mode":    decision.Mode,
		"reasons": decision.Reasons,
	}).Debug("payment policy decided")
	return decision, nil
}

func evaluate(s Signals, in Input, cfg Config) (domain.PaymentMode, []string) {
	var reasons []string
	mode := domain.PaymentModeCODAllowed
	raise := func(m domain.PaymentMode, reason string) {
		reasons = append(reasons, reason)
		if m.Strictness() > mode.Strictness() {
			mode = m
		}
	}

	if s.CODBlocked {
		raise(domain.PaymentModeFullPrepaid, ReasonCODBlocked)
	}
	if s.Segment == domain.SegmentBlockCOD {
		raise(domain.PaymentModeFullPrepaid, ReasonSegmentBlockCOD)
	}
	if s.CODRefusals30d >= 2 {
		raise(domain.PaymentModeFullPrepaid, ReasonCODRefusals)
	}
	if s.Returns60d >= 3 {
		raise(domain.PaymentModeFullPrepaid, ReasonReturnsHard)
	}
	if s.CityRequirePrepaid {
		raise(domain.PaymentModeFullPrepaid, ReasonCityRequirePrepaid)
	}
	if s.RequirePrepaid {
		raise(domain.PaymentModeFullPrepaid, ReasonCustomerRequirePrepaid)
	}

	if s.Returns60d >= 2 {
		raise(domain.PaymentModeShipDeposit, ReasonReturnsMedium)
	}
	if in.IsNewCustomer && in.AmountMinor >= cfg.BigOrderThresholdMinor {
		raise(domain.PaymentModeShipDeposit, ReasonNewCustomerBigOrder)
	}
	if s.CityDepositMinor > 0 {
		raise(domain.PaymentModeShipDeposit, ReasonCityDeposit)
	}

	// Явные решения оператора VIP не смягчает.
	if s.Segment == domain.SegmentVIP && !s.CODBlocked && !s.RequirePrepaid {
		violations := s.Returns60d + s.CODRefusals30d
		switch {
		case mode == domain.PaymentModeFullPrepaid:
			mode = domain.PaymentModeShipDeposit
			reasons = append(reasons, ReasonVIPSoftened)
		case mode == domain.PaymentModeShipDeposit && violations == 0:
			mode = domain.PaymentModeCODAllowed
			reasons = append(reasons, ReasonVIPSoftened)
		}
	}
	return mode, reasons
}

func severityOf(mode domain.PaymentMode) domain.Severity {
	switch mode {
	case domain.PaymentModeFullPrepaid:
		return domain.SeverityHigh
	case domain.PaymentModeShipDeposit:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func (d *Decider) baseDepositUAH(ctx context.Context) (int64, error) {
	if d.settings == nil {
		return d.cfg.BaseDepositUAH, nil
	}
	cfg, err := d.settings.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("load system config: %w", err)
	}
	if cfg.DepositMinUAH > 0 {
		return cfg.DepositMinUAH, nil
	}
	return d.cfg.BaseDepositUAH, nil
}

// DepositAmount считает депозит: городской override или max(base, clamp(2% суммы, 80, 200)) в целых гривнах.
func DepositAmount(amountMinor, baseUAH, cityOverrideMinor int64) int64 {
	if cityOverrideMinor > 0 {
		return domain.WholeUAH(cityOverrideMinor)
	}
	share := domain.MinorToUAH(amountMinor).Mul(depositShare)
	share = decimal.Max(decimal.NewFromInt(depositMinUAH), decimal.Min(share, decimal.NewFromInt(depositMaxUAH)))
	uah := decimal.Max(decimal.NewFromInt(baseUAH), share).Round(0)
	return uah.IntPart() * 100
}

package roe

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// Имена правил.
const (
	RuleHighDecline     = "high_decline_rate"
	RuleHighReturns     = "high_return_rate"
	RuleLowPrepaid      = "low_prepaid_conversion"
	RuleLowRecovery     = "low_recovery_rate"
	RuleHealthyDiscount = "healthy_reduce_discount"
)

// Rules — пороги правил, шаги изменений и параметры отката.
type Rules struct {
	MinSamples int           `yaml:"min_samples"`
	Cooldown   time.Duration `yaml:"cooldown"`
	Window     time.Duration `yaml:"window"`

	DiscountStep float64 `yaml:"discount_step"`
	DepositStep  int64   `yaml:"deposit_step_uah"`

	DeclineHigh        float64 `yaml:"decline_high"`
	DiscountCapDecline float64 `yaml:"discount_cap_decline"`
	ReturnHigh         float64 `yaml:"return_high"`
	DepositCapUAH      int64   `yaml:"deposit_cap_uah"`
	PrepaidLow         float64 `yaml:"prepaid_low"`
	DiscountCapPrepaid float64 `yaml:"discount_cap_prepaid"`
	RecoveryLow        float64 `yaml:"recovery_low"`
	DeclineLow         float64 `yaml:"decline_low"`
	ReturnLow          float64 `yaml:"return_low"`
	PrepaidHigh        float64 `yaml:"prepaid_high"`
	DiscountFloor      float64 `yaml:"discount_floor"`

	Elasticity    float64 `yaml:"elasticity"`
	ReturnPenalty float64 `yaml:"return_penalty"`

	MonitorWindow      time.Duration `yaml:"monitor_window"`
	RollbackPaidDrop   float64       `yaml:"rollback_paid_drop"`
	RollbackMarginDrop float64       `yaml:"rollback_margin_drop"`
	RollbackReturnRise float64       `yaml:"rollback_return_rise"`
}

// DefaultRules возвращает параметры по умолчанию.
func DefaultRules() Rules {
	return Rules{
		MinSamples:         50,
		Cooldown:           24 * time.Hour,
		Window:             7 * 24 * time.Hour,
		DiscountStep:       0.5,
		DepositStep:        50,
		DeclineHigh:        0.18,
		DiscountCapDecline: 2.5,
		ReturnHigh:         0.12,
		DepositCapUAH:      250,
		PrepaidLow:         0.60,
		DiscountCapPrepaid: 2.0,
		RecoveryLow:        0.05,
		DeclineLow:         0.10,
		ReturnLow:          0.08,
		PrepaidHigh:        0.75,
		DiscountFloor:      1.0,
		Elasticity:         0.6,
		ReturnPenalty:      1.0,
		MonitorWindow:      24 * time.Hour,
		RollbackPaidDrop:   0.02,
		RollbackMarginDrop: 0.02,
		RollbackReturnRise: 0.02,
	}
}

// withDefaults заменяет нулевые поля значениями по умолчанию.
func (r Rules) withDefaults() Rules {
	def := DefaultRules()
	setInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	setInt64 := func(v *int64, d int64) {
		if *v <= 0 {
			*v = d
		}
	}
	setFloat := func(v *float64, d float64) {
		if *v <= 0 {
			*v = d
		}
	}
	setDur := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	setInt(&r.MinSamples, def.MinSamples)
	setDur(&r.Cooldown, def.Cooldown)
	setDur(&r.Window, def.Window)
	setFloat(&r.DiscountStep, def.DiscountStep)
	setInt64(&r.DepositStep, def.DepositStep)
	setFloat(&r.DeclineHigh, def.DeclineHigh)
	setFloat(&r.DiscountCapDecline, def.DiscountCapDecline)
	setFloat(&r.ReturnHigh, def.ReturnHigh)
	setInt64(&r.DepositCapUAH, def.DepositCapUAH)
	setFloat(&r.PrepaidLow, def.PrepaidLow)
	setFloat(&r.DiscountCapPrepaid, def.DiscountCapPrepaid)
	setFloat(&r.RecoveryLow, def.RecoveryLow)
	setFloat(&r.DeclineLow, def.DeclineLow)
	setFloat(&r.ReturnLow, def.ReturnLow)
	setFloat(&r.PrepaidHigh, def.PrepaidHigh)
	setFloat(&r.DiscountFloor, def.DiscountFloor)
	setFloat(&r.Elasticity, def.Elasticity)
	setFloat(&r.ReturnPenalty, def.ReturnPenalty)
	setDur(&r.MonitorWindow, def.MonitorWindow)
	setFloat(&r.RollbackPaidDrop, def.RollbackPaidDrop)
	setFloat(&r.RollbackMarginDrop, def.RollbackMarginDrop)
	setFloat(&r.RollbackReturnRise, def.RollbackReturnRise)
	return r
}

// Change — изменение параметра, предложенное правилом.
type Change struct {
	Rule      string
	Param     string
	Direction domain.SuggestionDirection
	Current   float64
	Proposed  float64
	Reason    string
}

// Evaluate проверяет правила по порядку и возвращает первое сработавшее.
func Evaluate(r Rules, s domain.Snapshot, cfg domain.SystemConfig) (Change, bool) {
	discount := cfg.PrepaidDiscountValue
	deposit := float64(cfg.DepositMinUAH)

	switch {
	case s.DeclineRate > r.DeclineHigh && discount < r.DiscountCapDecline:
		return Change{
			Rule: RuleHighDecline, Param: domain.ParamPrepaidDiscount, Direction: domain.DirectionIncrease,
			Current: discount, Proposed: roundStep(discount + r.DiscountStep),
			Reason: "decline_rate above threshold, raise prepaid discount",
		}, true
	case s.ReturnRate > r.ReturnHigh && deposit < float64(r.DepositCapUAH):
		return Change{
			Rule: RuleHighReturns, Param: domain.ParamDepositMin, Direction: domain.DirectionIncrease,
			Current: deposit, Proposed: math.Min(deposit+float64(r.DepositStep), float64(r.DepositCapUAH)),
			Reason: "return_rate above threshold, raise shipping deposit",
		}, true
	case s.PrepaidConversion < r.PrepaidLow && discount < r.DiscountCapPrepaid:
		return Change{
			Rule: RuleLowPrepaid, Param: domain.ParamPrepaidDiscount, Direction: domain.DirectionIncrease,
			Current: discount, Proposed: roundStep(discount + r.DiscountStep),
			Reason: "prepaid conversion below threshold, raise prepaid discount",
		}, true
	// Без напоминаний recovery_rate не определён.
	case s.RetryReminded > 0 && s.RecoveryRate < r.RecoveryLow:
		return Change{
			Rule: RuleLowRecovery, Direction: domain.DirectionManual,
			Reason: "recovery_rate below threshold, review payment retry intervals",
		}, true
	case s.DeclineRate < r.DeclineLow && s.ReturnRate < r.ReturnLow && s.PrepaidConversion > r.PrepaidHigh && discount > r.DiscountFloor:
		return Change{
			Rule: RuleHealthyDiscount, Param: domain.ParamPrepaidDiscount, Direction: domain.DirectionDecrease,
			Current: discount, Proposed: math.Max(0, roundStep(discount-r.DiscountStep)),
			Reason: "healthy KPIs, reduce prepaid discount",
		}, true
	}
	return Change{}, false
}

func roundStep(v float64) float64 {
	return math.Round(v*100) / 100
}

// EstimateImpact оценивает эффект изменения скидки на deltaPct процентных пунктов.
func EstimateImpact(r Rules, s domain.Snapshot, deltaPct float64) domain.Impact {
	delta := decimal.NewFromFloat(deltaPct)
	hundred := decimal.NewFromInt(100)

	uplift := decimal.NewFromFloat(r.Elasticity).Mul(delta)
	extraPaid := uplift.Div(hundred).Mul(decimal.NewFromInt(int64(s.PrepaidVolume)))
	avgOrder := decimal.NewFromInt(s.AvgOrderMinor)
	futurePaid := decimal.NewFromInt(int64(s.PrepaidVolume)).Add(extraPaid)

	extraMargin := extraPaid.Mul(avgOrder).Mul(decimal.NewFromFloat(s.NetMarginEst))
	cost := delta.Div(hundred).Mul(avgOrder).Mul(futurePaid)
	returnLoss := decimal.NewFromFloat(s.ReturnRate).Mul(decimal.NewFromFloat(r.ReturnPenalty)).Mul(extraMargin)
	net := extraMargin.Sub(cost).Sub(returnLoss)

	upliftF, _ := uplift.Round(4).Float64()
	extraPaidF, _ := extraPaid.Round(2).Float64()
	return domain.Impact{
		ExpectedUplift:    upliftF,
		ExpectedExtraPaid: extraPaidF,
		CostMinor:         cost.Round(0).IntPart(),
		ExtraMarginMinor:  extraMargin.Round(0).IntPart(),
		NetMinor:          net.Round(0).IntPart(),
	}
}

// paramValue читает параметр из system config.
func paramValue(cfg domain.SystemConfig, param string) (float64, bool) {
	switch param {
	case domain.ParamPrepaidDiscount:
		return cfg.PrepaidDiscountValue, true
	case domain.ParamDepositMin:
		return float64(cfg.DepositMinUAH), true
	}
	return 0, false
}

func setParam(cfg *domain.SystemConfig, param string, v float64) bool {
	switch param {
	case domain.ParamPrepaidDiscount:
		cfg.PrepaidDiscountValue = v
	case domain.ParamDepositMin:
		cfg.DepositMinUAH = int64(math.Round(v))
	default:
		return false
	}
	return true
}

// ShouldRollback сравнивает текущий снимок с базовым.
func ShouldRollback(r Rules, baseline, current domain.Snapshot) (bool, map[string]float64) {
	deltas := map[string]float64{
		"paid_rate":   round3(current.PaidRatio() - baseline.PaidRatio()),
		"net_margin":  round3(current.NetMarginEst - baseline.NetMarginEst),
		"return_rate": round3(current.ReturnRate - baseline.ReturnRate),
	}
	rollback := deltas["paid_rate"] < -r.RollbackPaidDrop ||
		deltas["net_margin"] < -r.RollbackMarginDrop ||
		deltas["return_rate"] > r.RollbackReturnRise
	return rollback, deltas
}

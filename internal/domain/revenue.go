package domain

import "time"

// SystemConfig — глобальные параметры, которые меняет ROE.
type SystemConfig struct {
	PrepaidDiscountValue   float64    `json:"prepaid_discount_value"`
	DepositMinUAH          int64      `json:"deposit_min_uah"`
	RiskThresholdHigh      int        `json:"risk_threshold_high"`
	RiskThresholdWatch     int        `json:"risk_threshold_watch"`
	PickupAlertsMutedUntil *time.Time `json:"pickup_alerts_muted_until,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at"`
	UpdatedBy              string     `json:"updated_by,omitempty"`
}

// DefaultSystemConfig возвращает значения по умолчанию.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		PrepaidDiscountValue: 1.0,
		DepositMinUAH:        100,
		RiskThresholdHigh:    70,
		RiskThresholdWatch:   40,
	}
}

// Параметры SystemConfig, которые может менять ROE.
const (
	ParamPrepaidDiscount = "prepaid_discount_value"
	ParamDepositMin      = "deposit_min_uah"
)

// Snapshot — KPI за окно для ROE.
type Snapshot struct {
	ID                 string    `json:"id"`
	From               time.Time `json:"from"`
	To                 time.Time `json:"to"`
	OrdersTotal        int       `json:"orders_total"`
	PaidTotal          int       `json:"paid_total"`
	DeclinedTotal      int       `json:"declined_total"`
	ReturnsTotal       int       `json:"returns_total"`
	RetryReminded      int       `json:"retry_reminded"`
	RetryPaid          int       `json:"retry_paid"`
	DeclineRate        float64   `json:"decline_rate"`
	ReturnRate         float64   `json:"return_rate"`
	RecoveryRate       float64   `json:"recovery_rate"`
	DepositConversion  float64   `json:"deposit_conversion"`
	PrepaidConversion  float64   `json:"prepaid_conversion"`
	AvgPaymentTimeMin  float64   `json:"avg_payment_time_min"`
	DiscountTotalMinor int64     `json:"discount_total_minor"`
	GrossRevenueMinor  int64     `json:"gross_revenue_minor"`
	NetRevenueMinor    int64     `json:"net_revenue_minor"`
	ShippingLossMinor  int64     `json:"shipping_losses_minor"`
	NetMarginEst       float64   `json:"net_margin_est"`
	PrepaidVolume      int       `json:"prepaid_volume"`
	AvgOrderMinor      int64     `json:"avg_order_minor"`
	CreatedAt          time.Time `json:"created_at"`
}

// PaidRatio — доля оплаченных заказов.
func (s Snapshot) PaidRatio() float64 {
	if s.OrdersTotal == 0 {
		return 0
	}
	return float64(s.PaidTotal) / float64(s.OrdersTotal)
}

// SuggestionStatus — жизненный цикл предложения ROE.
type SuggestionStatus string

const (
	SuggestionPending    SuggestionStatus = "PENDING"
	SuggestionApproved   SuggestionStatus = "APPROVED"
	SuggestionRejected   SuggestionStatus = "REJECTED"
	SuggestionApplied    SuggestionStatus = "APPLIED"
	SuggestionValidated  SuggestionStatus = "VALIDATED"
	SuggestionRolledBack SuggestionStatus = "ROLLED_BACK"
)

// SuggestionDirection — направление изменения параметра.
type SuggestionDirection string

const (
	DirectionIncrease SuggestionDirection = "increase"
	DirectionDecrease SuggestionDirection = "decrease"
	DirectionManual   SuggestionDirection = "manual"
)

// Impact — оценка эффекта изменения скидки.
type Impact struct {
	ExpectedUplift    float64 `json:"expected_uplift"`
	ExpectedExtraPaid float64 `json:"expected_extra_paid"`
	CostMinor         int64   `json:"cost_minor"`
	ExtraMarginMinor  int64   `json:"extra_margin_minor"`
	NetMinor          int64   `json:"net_minor"`
}

// Suggestion — предложение ROE по изменению параметра.
type Suggestion struct {
	ID           string              `json:"id"`
	Rule         string              `json:"rule"`
	Param        string              `json:"param,omitempty"`
	Direction    SuggestionDirection `json:"direction"`
	Current      float64             `json:"current"`
	Proposed     float64             `json:"proposed"`
	Reason       string              `json:"reason"`
	Status       SuggestionStatus    `json:"status"`
	Impact       *Impact             `json:"impact,omitempty"`
	SnapshotID   string              `json:"snapshot_id"`
	Baseline     *Snapshot           `json:"baseline,omitempty"`
	MonitorUntil *time.Time          `json:"monitor_until,omitempty"`
	DecidedBy    string              `json:"decided_by,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// ChangeLogEntry — журнал изменений SystemConfig для отката.
type ChangeLogEntry struct {
	ID           string    `json:"id"`
	SuggestionID string    `json:"suggestion_id"`
	Param        string    `json:"param"`
	Previous     float64   `json:"previous"`
	Next         float64   `json:"next"`
	Actor        string    `json:"actor"`
	CreatedAt    time.Time `json:"created_at"`
}

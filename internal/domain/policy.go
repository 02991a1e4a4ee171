package domain

import "time"

// PolicyActionType — тип предлагаемого ограничения.
type PolicyActionType string

const (
	ActionBlockCODCustomer       PolicyActionType = "BLOCK_COD_CUSTOMER"
	ActionRequirePrepaidCustomer PolicyActionType = "REQUIRE_PREPAID_CUSTOMER"
	ActionRequirePrepaidCity     PolicyActionType = "REQUIRE_PREPAID_CITY"
)

// PolicyActionStatus — статус предложения.
type PolicyActionStatus string

const (
	PolicyActionPending  PolicyActionStatus = "PENDING"
	PolicyActionApplied  PolicyActionStatus = "APPLIED"
	PolicyActionRejected PolicyActionStatus = "REJECTED"
)

// PolicyAction — предложение policy engine, требующее решения оператора.
type PolicyAction struct {
	ID               string             `json:"id"`
	Type             PolicyActionType   `json:"type"`
	Target           string             `json:"target"`
	Severity         Severity           `json:"severity"`
	RequiresApproval bool               `json:"requires_approval"`
	Status           PolicyActionStatus `json:"status"`
	Reason           string             `json:"reason"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	DedupeKey        string             `json:"dedupe_key"`
	DecidedBy        string             `json:"decided_by,omitempty"`
	DecidedAt        *time.Time         `json:"decided_at,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

// PolicyAudit — запись аудита изменений политики клиента или города.
type PolicyAudit struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CustomerSignals — оконные сигналы поведения клиента.
type CustomerSignals struct {
	Phone           string
	Returns60d      int
	CODRefusals30d  int
	OrdersLastHour  int
	PaymentFails30d int
}

// CityStats — статистика города за окно.
type CityStats struct {
	City       string
	Orders30d  int
	Returns30d int
}

// ReturnRate возвращает долю возвратов.
func (s CityStats) ReturnRate() float64 {
	if s.Orders30d == 0 {
		return 0
	}
	return float64(s.Returns30d) / float64(s.Orders30d)
}

// Variant — вариант эксперимента.
type Variant struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	DiscountPct float64 `json:"discount_pct"`
}

// Experiment — A/B эксперимент.
type Experiment struct {
	ID        string    `json:"id"`
	Active    bool      `json:"active"`
	Variants  []Variant `json:"variants"`
	CreatedAt time.Time `json:"created_at"`
}

// Assignment — закреплённый за единицей вариант.
type Assignment struct {
	ExpID     string    `json:"exp_id"`
	Unit      string    `json:"unit"`
	Variant   string    `json:"variant"`
	CreatedAt time.Time `json:"created_at"`
}

package domain

import (
	"slices"
	"time"
)

// Segment — сегмент клиента.
type Segment string

const (
	SegmentNew      Segment = "NEW"
	SegmentNormal   Segment = "NORMAL"
	SegmentVIP      Segment = "VIP"
	SegmentRisk     Segment = "RISK"
	SegmentBlockCOD Segment = "BLOCK_COD"
)

// RiskBand — полоса риска.
type RiskBand string

const (
	RiskBandLow   RiskBand = "LOW"
	RiskBandWatch RiskBand = "WATCH"
	RiskBandRisk  RiskBand = "RISK"
)

// Теги клиента, влияющие на риск.
const (
	TagRiskWhitelist = "RISK_WHITELIST"
	TagFraudSuspect  = "FRAUD_SUSPECT"
)

// Counters — агрегаты по клиенту.
type Counters struct {
	ReturnsTotal     int `json:"returns_total"`
	CODRefusalsTotal int `json:"cod_refusals_total"`
	DeliveredCount   int `json:"delivered_count"`
}

// CustomerPolicy — ограничения клиента.
type CustomerPolicy struct {
	CODBlocked     bool   `json:"cod_blocked"`
	RequirePrepaid bool   `json:"require_prepaid"`
	Reason         string `json:"reason,omitempty"`
}

// RiskScore — рассчитанный риск клиента.
type RiskScore struct {
	Score     int       `json:"score"`
	Band      RiskBand  `json:"band"`
	Reasons   []string  `json:"reasons,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RiskOverride — ручная замена риска до момента Until.
type RiskOverride struct {
	Score  int       `json:"score"`
	Until  time.Time `json:"until"`
	Reason string    `json:"reason,omitempty"`
}

// Active сообщает, действует ли override на момент now.
func (o *RiskOverride) Active(now time.Time) bool {
	return o != nil && now.Before(o.Until)
}

// ContactPrefs — каналы и согласия клиента на уведомления.
type ContactPrefs struct {
	TelegramChatID string `json:"telegram_chat_id,omitempty"`
	Email          string `json:"email,omitempty"`
	OptOut         bool   `json:"opt_out"`
	Blocked        bool   `json:"blocked"`
}

// Customer — профиль клиента, ключ — телефон.
type Customer struct {
	Phone        string         `json:"phone"`
	Counters     Counters       `json:"counters"`
	Segment      Segment        `json:"segment"`
	Policy       CustomerPolicy `json:"policy"`
	Risk         *RiskScore     `json:"risk,omitempty"`
	RiskOverride *RiskOverride  `json:"risk_override,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Contact      ContactPrefs   `json:"contact"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NewCustomer возвращает профиль нового клиента.
func NewCustomer(phone string, now time.Time) Customer {
	return Customer{
		Phone:     phone,
		Segment:   SegmentNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasTag проверяет наличие тега.
func (c *Customer) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}

// Clone возвращает глубокую копию профиля.
func (c Customer) Clone() Customer {
	out := c
	out.Tags = slices.Clone(c.Tags)
	if c.Risk != nil {
		r := *c.Risk
		r.Reasons = slices.Clone(c.Risk.Reasons)
		out.Risk = &r
	}
	if c.RiskOverride != nil {
		o := *c.RiskOverride
		out.RiskOverride = &o
	}
	return out
}

// CityPolicy — ограничения оплаты по городу.
type CityPolicy struct {
	City               string    `json:"city"`
	RequirePrepaid     bool      `json:"require_prepaid"`
	DepositAmountMinor int64     `json:"deposit_amount_minor"`
	ReturnRate         float64   `json:"return_rate"`
	Reason             string    `json:"reason,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

package domain

import (
	"encoding/json"
	"time"
)

// LedgerType — тип финансовой проводки.
type LedgerType string

const (
	LedgerPaymentIn     LedgerType = "PAYMENT_IN"
	LedgerShipCostOut   LedgerType = "SHIP_COST_OUT"
	LedgerReturnCostOut LedgerType = "RETURN_COST_OUT"
	LedgerSaleLost      LedgerType = "SALE_LOST"
)

// Direction — направление движения денег.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// DirectionOf возвращает направление для типа проводки.
func DirectionOf(t LedgerType) Direction {
	if t == LedgerPaymentIn {
		return DirectionIn
	}
	return DirectionOut
}

// LedgerEntry — append-only проводка по заказу. (OrderID, Type, Ref) уникальны.
type LedgerEntry struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	Type        LedgerType      `json:"type"`
	Ref         string          `json:"ref"`
	Direction   Direction       `json:"direction"`
	AmountMinor int64           `json:"amount_minor"`
	Currency    string          `json:"currency"`
	Meta        json.RawMessage `json:"meta,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LedgerFilter — выборка проводок.
type LedgerFilter struct {
	OrderID string
	Types   []LedgerType
	From    time.Time
	To      time.Time
	Limit   int
}

package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusNew — заказ создан без обязательной предоплаты (COD).
	OrderStatusNew OrderStatus = "NEW"
	// OrderStatusAwaitingPayment — ждём оплату или депозит.
	OrderStatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	// OrderStatusPaid — оплата подтверждена провайдером.
	OrderStatusPaid OrderStatus = "PAID"
	// OrderStatusProcessing — заказ собирается к отправке.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusShipped — создана ТТН, посылка у перевозчика.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered — получатель забрал посылку.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCanceled — терминальный статус отмены.
	OrderStatusCanceled OrderStatus = "CANCELED"
	// OrderStatusRefunded — терминальный статус возврата денег.
	OrderStatusRefunded OrderStatus = "REFUNDED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:             {OrderStatusAwaitingPayment, OrderStatusProcessing, OrderStatusCanceled},
	OrderStatusAwaitingPayment: {OrderStatusPaid, OrderStatusNew, OrderStatusCanceled},
	OrderStatusPaid:            {OrderStatusProcessing, OrderStatusRefunded},
	OrderStatusProcessing:      {OrderStatusShipped, OrderStatusCanceled, OrderStatusRefunded},
	OrderStatusShipped:         {OrderStatusDelivered},
	OrderStatusDelivered:       {OrderStatusRefunded},
	OrderStatusCanceled:        nil,
	OrderStatusRefunded:        nil,
}

// Valid проверяет, что статус входит в граф.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusCanceled || s == OrderStatusRefunded
}

// PaidOrBeyond — статус не раньше PAID в пути оплаченного заказа.
func (s OrderStatus) PaidOrBeyond() bool {
	switch s {
	case OrderStatusPaid, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// CanTransition проверяет допустимость перехода from -> to.
func CanTransition(from, to OrderStatus) bool {
	return slices.Contains(orderTransitions[from], to)
}

// AllowedTransitions возвращает копию допустимых целевых статусов.
func AllowedTransitions(from OrderStatus) []OrderStatus {
	return slices.Clone(orderTransitions[from])
}

// PaymentMethod — способ оплаты, выбранный покупателем.
type PaymentMethod string

const (
	PaymentMethodCard PaymentMethod = "card"
	// PaymentMethodCash — наложенный платёж при получении.
	PaymentMethodCash PaymentMethod = "cash"
)

// Valid проверяет способ оплаты.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCard || m == PaymentMethodCash
}

// PaymentMode — режим оплаты, выбранный политикой.
type PaymentMode string

const (
	PaymentModeFullPrepaid PaymentMode = "FULL_PREPAID"
	PaymentModeShipDeposit PaymentMode = "SHIP_DEPOSIT"
	PaymentModeCODAllowed  PaymentMode = "COD_ALLOWED"
)

// Strictness возвращает порядок строгости режима (чем больше, тем строже).
func (m PaymentMode) Strictness() int {
	switch m {
	case PaymentModeFullPrepaid:
		return 2
	case PaymentModeShipDeposit:
		return 1
	default:
		return 0
	}
}

// Severity — уровень строгости решения политики или действия.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// PickupPointType — тип пункта выдачи.
type PickupPointType string

const (
	PickupPointBranch PickupPointType = "BRANCH"
	PickupPointLocker PickupPointType = "LOCKER"
)

// ReturnStage — стадия возврата посылки, флаг поверх статуса заказа.
type ReturnStage string

const (
	ReturnStageNone      ReturnStage = "NONE"
	ReturnStageReturning ReturnStage = "RETURNING"
	ReturnStageReturned  ReturnStage = "RETURNED"
	ReturnStageResolved  ReturnStage = "RESOLVED"
)

// OrderItem — снимок позиции корзины на момент оформления.
type OrderItem struct {
	ProductID      string `json:"product_id"`
	Title          string `json:"title"`
	Quantity       int    `json:"quantity"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
}

// LineTotal возвращает стоимость позиции в копейках.
func (i OrderItem) LineTotal() int64 {
	return int64(i.Quantity) * i.UnitPriceMinor
}

// Discount описывает скидку за предоплату.
type Discount struct {
	Type        string  `json:"type,omitempty"`
	Value       float64 `json:"value"`
	AmountMinor int64   `json:"amount_minor"`
}

// Shipping — данные получателя и пункта выдачи.
type Shipping struct {
	FullName        string          `json:"full_name"`
	Phone           string          `json:"phone"`
	Email           string          `json:"email,omitempty"`
	City            string          `json:"city"`
	CityRef         string          `json:"city_ref,omitempty"`
	WarehouseRef    string          `json:"warehouse_ref,omitempty"`
	Address         string          `json:"address,omitempty"`
	PickupPointType PickupPointType `json:"pickup_point_type,omitempty"`
}

// PaymentPolicy — решение политики оплаты, зафиксированное в заказе.
type PaymentPolicy struct {
	Mode     PaymentMode `json:"mode"`
	Severity Severity    `json:"severity,omitempty"`
	Reasons  []string    `json:"reasons,omitempty"`
}

// Deposit — депозит за доставку.
type Deposit struct {
	Required    bool   `json:"required"`
	AmountMinor int64  `json:"amount_minor"`
	Paid        bool   `json:"paid"`
	PaymentID   string `json:"payment_id,omitempty"`
}

// OrderPayment — платёжный блок заказа.
type OrderPayment struct {
	Provider          string          `json:"provider"`
	ProviderPaymentID string          `json:"provider_payment_id,omitempty"`
	PaymentID         string          `json:"payment_id,omitempty"`
	Status            PaymentStatus   `json:"status"`
	PaidAt            *time.Time      `json:"paid_at,omitempty"`
	CheckoutURL       string          `json:"checkout_url,omitempty"`
	Raw               json.RawMessage `json:"raw,omitempty"`
}

// TrackingPoint — одна точка истории трекинга.
type TrackingPoint struct {
	Code string    `json:"code"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Shipment — данные отправления у перевозчика.
type Shipment struct {
	Provider              string          `json:"provider"`
	TTN                   string          `json:"ttn"`
	CostMinor             int64           `json:"cost_minor"`
	EstimatedDeliveryDate string          `json:"estimated_delivery_date,omitempty"`
	TrackingStatus        string          `json:"tracking_status,omitempty"`
	TrackingStatusCode    string          `json:"tracking_status_code,omitempty"`
	TrackingUpdatedAt     *time.Time      `json:"tracking_updated_at,omitempty"`
	TrackingHistory       []TrackingPoint `json:"tracking_history,omitempty"`
	PickupPointType       PickupPointType `json:"pickup_point_type,omitempty"`
	ArrivalAt             *time.Time      `json:"arrival_at,omitempty"`
	StorageDay1At         *time.Time      `json:"storage_day1_at,omitempty"`
	DeadlineFreeAt        *time.Time      `json:"deadline_free_at,omitempty"`
	DaysAtPoint           int             `json:"days_at_point"`
	Risk                  Severity        `json:"risk,omitempty"`
}

// PickupReminders — журнал напоминаний о посылке в пункте выдачи.
type PickupReminders struct {
	SentLevels    []string   `json:"sent_levels,omitempty"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

// Reminders — журнал напоминаний по заказу.
type Reminders struct {
	Pickup PickupReminders `json:"pickup"`
}

// Returns — блок возврата посылки.
type Returns struct {
	Stage      ReturnStage `json:"stage"`
	Reason     string      `json:"reason,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	UpdatedAt  *time.Time  `json:"updated_at,omitempty"`
	NPStatus   string      `json:"np_status,omitempty"`
}

// ABTag — вариант эксперимента, применённый к заказу.
type ABTag struct {
	ExpID       string  `json:"exp_id"`
	Variant     string  `json:"variant"`
	DiscountPct float64 `json:"discount_pct"`
	Active      bool    `json:"active"`
}

// StatusChange — запись истории статусов.
type StatusChange struct {
	From   OrderStatus `json:"from"`
	To     OrderStatus `json:"to"`
	Actor  string      `json:"actor"`
	Reason string      `json:"reason,omitempty"`
	At     time.Time   `json:"at"`
}

// Order — авторитетный документ заказа.
type Order struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`

	Status        OrderStatus    `json:"status"`
	StatusHistory []StatusChange `json:"status_history"`

	Items             []OrderItem `json:"items"`
	SubtotalMinor     int64       `json:"subtotal_minor"`
	ShippingCostMinor int64       `json:"shipping_cost_minor"`
	Discount          Discount    `json:"discount"`
	TotalMinor        int64       `json:"total_minor"`
	Currency          string      `json:"currency"`

	UserID   string   `json:"user_id,omitempty"`
	Shipping Shipping `json:"shipping"`

	PaymentMethod PaymentMethod `json:"payment_method"`
	PaymentPolicy PaymentPolicy `json:"payment_policy"`
	Deposit       Deposit       `json:"deposit"`
	Payment       *OrderPayment `json:"payment,omitempty"`

	Shipment  *Shipment `json:"shipment,omitempty"`
	Reminders Reminders `json:"reminders"`
	Returns   Returns   `json:"returns"`
	AB        *ABTag    `json:"ab,omitempty"`

	AutoShip  bool      `json:"auto_ship"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TTN возвращает номер ТТН или пустую строку.
func (o *Order) TTN() string {
	if o.Shipment == nil {
		return ""
	}
	return o.Shipment.TTN
}

// IsCOD сообщает, что деньги за товар берутся при получении.
func (o *Order) IsCOD() bool {
	return o.PaymentMethod == PaymentMethodCash && o.PaymentPolicy.Mode != PaymentModeFullPrepaid
}

// Returning сообщает, что посылка возвращается или уже вернулась отправителю.
func (o *Order) Returning() bool {
	return o.Returns.Stage == ReturnStageReturning || o.Returns.Stage == ReturnStageReturned
}

// PrepaidRequired — требуется ли полная оплата до отправки.
func (o *Order) PrepaidRequired() bool {
	return o.PaymentMethod != PaymentMethodCash || o.PaymentPolicy.Mode == PaymentModeFullPrepaid
}

// AmountDue — сумма, которую должен подтвердить провайдер для назначения платежа.
func (o *Order) AmountDue(purpose PaymentPurpose) int64 {
	if purpose == PurposeShipDeposit {
		return o.Deposit.AmountMinor
	}
	return o.TotalMinor
}

// RecalculateTotals пересчитывает subtotal и total из позиций.
func (o *Order) RecalculateTotals() {
	var subtotal int64
	for _, item := range o.Items {
		subtotal += item.LineTotal()
	}
	o.SubtotalMinor = subtotal
	o.TotalMinor = subtotal + o.ShippingCostMinor - o.Discount.AmountMinor
}

// ValidateInvariants проверяет базовые инварианты заказа при создании.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.ID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if o.Shipping.Phone == "" {
		errs = append(errs, ErrPhoneRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrCartEmpty)
	}
	if !o.Status.Valid() {
		errs = append(errs, fmt.Errorf("%w: unknown status %q", ErrValidation, o.Status))
	}

	var subtotal int64
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.UnitPriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		subtotal += item.LineTotal()
	}
	if subtotal != o.SubtotalMinor || o.TotalMinor != o.SubtotalMinor+o.ShippingCostMinor-o.Discount.AmountMinor {
		errs = append(errs, ErrTotalMismatch)
	}

	return errs
}

// Clone возвращает глубокую копию заказа.
func (o Order) Clone() Order {
	c := o
	c.StatusHistory = slices.Clone(o.StatusHistory)
	c.Items = slices.Clone(o.Items)
	c.PaymentPolicy.Reasons = slices.Clone(o.PaymentPolicy.Reasons)
	if o.Payment != nil {
		p := *o.Payment
		p.Raw = slices.Clone(o.Payment.Raw)
		p.PaidAt = cloneTime(o.Payment.PaidAt)
		c.Payment = &p
	}
	if o.Shipment != nil {
		s := *o.Shipment
		s.TrackingHistory = slices.Clone(o.Shipment.TrackingHistory)
		s.TrackingUpdatedAt = cloneTime(o.Shipment.TrackingUpdatedAt)
		s.ArrivalAt = cloneTime(o.Shipment.ArrivalAt)
		s.StorageDay1At = cloneTime(o.Shipment.StorageDay1At)
		s.DeadlineFreeAt = cloneTime(o.Shipment.DeadlineFreeAt)
		c.Shipment = &s
	}
	c.Reminders.Pickup.SentLevels = slices.Clone(o.Reminders.Pickup.SentLevels)
	c.Reminders.Pickup.CooldownUntil = cloneTime(o.Reminders.Pickup.CooldownUntil)
	c.Returns.UpdatedAt = cloneTime(o.Returns.UpdatedAt)
	if o.AB != nil {
		ab := *o.AB
		c.AB = &ab
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr возвращает указатель на копию времени.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// OrderFilter задаёт выборку заказов для фоновых сканеров.
type OrderFilter struct {
	Statuses      []OrderStatus
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Phone         string
	WithTTN       bool
	Limit         int
}

// OrderGuard — условия compare-and-swap при обновлении заказа.
type OrderGuard struct {
	// Status — ожидаемый текущий статус; пустой — любой.
	Status OrderStatus
	// Version — ожидаемая версия; 0 — любая.
	Version int64
	// Check — дополнительная проверка документа; ошибка отменяет запись.
	Check func(Order) error
}

// Verify проверяет текущий документ против условий guard.
func (g OrderGuard) Verify(current Order) error {
	if g.Status != "" && current.Status != g.Status {
		return fmt.Errorf("%w: status is %s, expected %s", ErrOrderConflict, current.Status, g.Status)
	}
	if g.Version != 0 && current.Version != g.Version {
		return fmt.Errorf("%w: version is %d, expected %d", ErrOrderConflict, current.Version, g.Version)
	}
	if g.Check != nil {
		return g.Check(current.Clone())
	}
	return nil
}

package domain

import "time"

// ShipmentRequest — запрос на создание экспресс-накладной.
type ShipmentRequest struct {
	OrderID           string
	RecipientLast     string
	RecipientFirst    string
	RecipientMiddle   string
	Phone             string
	CityRef           string
	WarehouseRef      string
	DeclaredValueUAH  int64
	CODAmountMinor    int64
	Weight            float64
	SeatsAmount       int
	Description       string
	PickupPointType   PickupPointType
	PayerTypeDelivery string
}

// ShipmentDocument — созданная у перевозчика накладная.
type ShipmentDocument struct {
	TTN                   string
	CostMinor             int64
	EstimatedDeliveryDate string
	Ref                   string
}

// TrackingStatus — текущий статус отправления у перевозчика.
type TrackingStatus struct {
	TTN       string
	Code      string
	Text      string
	ArrivalAt *time.Time
	// StorageDay1At — начало платного хранения, если перевозчик его сообщил.
	StorageDay1At *time.Time
	UpdatedAt     time.Time
}

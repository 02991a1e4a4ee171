package fake

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// CarrierName совпадает с Nova Poshta, чтобы event-level ключи не отличались от боевых.
const CarrierName = "NOVAPOSHTA"

// FirstTTN — номер первой выданной накладной.
const FirstTTN int64 = 20450000000001

// Carrier выдаёт ТТН по возрастающему счётчику и отдаёт заданные статусы трекинга.
type Carrier struct {
	mu sync.Mutex

	next      int64
	costMinor int64
	tracking  map[string]domain.TrackingStatus

	CreateErr error
	TrackErr  error

	CreateCalls int
	TrackCalls  int
	Requests    []domain.ShipmentRequest
}

var _ domain.Carrier = (*Carrier)(nil)

// NewCarrier создаёт перевозчика со стоимостью доставки costMinor.
func NewCarrier(costMinor int64) *Carrier {
	return &Carrier{
		next:      FirstTTN,
		costMinor: costMinor,
		tracking:  make(map[string]domain.TrackingStatus),
	}
}

func (c *Carrier) Name() string { return CarrierName }

// CreateDocument выдаёт следующий номер ТТН.
func (c *Carrier) CreateDocument(_ context.Context, req domain.ShipmentRequest) (domain.ShipmentDocument, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.CreateCalls++
	c.Requests = append(c.Requests, req)
	if c.CreateErr != nil {
		return domain.ShipmentDocument{}, c.CreateErr
	}
	ttn := strconv.FormatInt(c.next, 10)
	c.next++
	return domain.ShipmentDocument{
		TTN:                   ttn,
		CostMinor:             c.costMinor,
		EstimatedDeliveryDate: time.Now().AddDate(0, 0, 2).Format("02.01.2006"),
		Ref:                   "ref-" + ttn,
	}, nil
}

// SetTracking задаёт статус трекинга для ТТН.
func (c *Carrier) SetTracking(ttn, code, text string, arrivalAt *time.Time) {
	c.mu.Lock()
	c.tracking[ttn] = domain.TrackingStatus{TTN: ttn, Code: code, Text: text, ArrivalAt: arrivalAt}
	c.mu.Unlock()
}

// TrackingStatus возвращает заданный статус или "создано" по умолчанию.
func (c *Carrier) TrackingStatus(_ context.Context, ttn, _ string) (domain.TrackingStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.TrackCalls++
	if c.TrackErr != nil {
		return domain.TrackingStatus{}, c.TrackErr
	}
	status, ok := c.tracking[ttn]
	if !ok {
		return domain.TrackingStatus{TTN: ttn, Code: "1", Text: "Відправник самостійно створив цю накладну"}, nil
	}
	return status, nil
}

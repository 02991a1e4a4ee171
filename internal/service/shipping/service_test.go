package shipping

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/provider/fake"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
	"github.com/vladislavdragonenkov/marketcore/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketcore/internal/storage/memory"
)

const testPhone = "+380671234567"

type fixture struct {
	svc       *Service
	machine   *orders.Machine
	carrier   *fake.Carrier
	events    domain.EventRepository
	ledger    domain.LedgerRepository
	outbox    domain.OutboxRepository
	customers domain.CustomerRepository
	clock     *clock.Manual
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		carrier:   fake.NewCarrier(7_000),
		events:    memory.NewEventRepository(),
		ledger:    memory.NewLedgerRepository(),
		outbox:    memory.NewOutboxRepository(),
		customers: memory.NewCustomerRepository(),
		clock:     clock.NewManual(time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.machine = orders.NewMachine(memory.NewOrderRepository(), orders.WithClock(f.clock))
	f.svc = NewService(Deps{
		Machine:   f.machine,
		Carrier:   f.carrier,
		Events:    f.events,
		Ledger:    f.ledger,
		Customers: f.customers,
		Notifier:  outbox.NewNotifier(f.outbox, outbox.WithNotifierClock(f.clock)),
		Clock:     f.clock,
	}, cfg)
	return f
}

func (f *fixture) seed(t *testing.T, id string, status domain.OrderStatus, method domain.PaymentMethod) domain.Order {
	t.Helper()
	now := f.clock.Now()
	o := domain.Order{
		ID:       id,
		Status:   status,
		Currency: domain.CurrencyUAH,
		Items: []domain.OrderItem{
			{ProductID: "p-1", Title: "Чайник", Quantity: 1, UnitPriceMinor: 150_000},
		},
		Shipping: domain.Shipping{
			FullName:     "Петренко Олена Іванівна",
			Phone:        testPhone,
			Email:        "olena@example.com",
			City:         "Львів",
			CityRef:      "city-lviv",
			WarehouseRef: "wh-12",
		},
		PaymentMethod: method,
		PaymentPolicy: domain.PaymentPolicy{Mode: domain.PaymentModeCODAllowed},
		Returns:       domain.Returns{Stage: domain.ReturnStageNone},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.RecalculateTotals()
	if err := f.machine.Repository().Create(context.Background(), o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	stored, err := f.machine.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return stored
}

func TestCreateTTN_IdempotentByKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, "order-1", domain.OrderStatusProcessing, domain.PaymentMethodCard)

	first, err := f.svc.CreateTTN(ctx, CreateTTNRequest{OrderID: "order-1", IdempotencyKey: "K1"})
	if err != nil {
		t.Fatalf("create ttn: %v", err)
	}
	if first.TTN != "20450000000001" || first.Idempotent {
		t.Fatalf("unexpected first result: %+v", first)
	}
	afterFirst, _ := f.machine.Get(ctx, "order-1")
	if afterFirst.Status != domain.OrderStatusShipped {
		t.Fatalf("expected SHIPPED, got %s", afterFirst.Status)
	}

	second, err := f.svc.CreateTTN(ctx, CreateTTNRequest{OrderID: "order-1", IdempotencyKey: "K1"})
	if err != nil {
		t.Fatalf("repeat create ttn: %v", err)
	}
	if second.TTN != "20450000000001" || !second.Idempotent {
		t.Fatalf("unexpected second result: %+v", second)
	}
	afterSecond, _ := f.machine.Get(ctx, "order-1")
	if afterSecond.Version != afterFirst.Version {
		t.Fatalf("version changed on replay: %d -> %d", afterFirst.Version, afterSecond.Version)
	}
	if f.carrier.CreateCalls != 1 {
		t.Fatalf("carrier called %d times", f.carrier.CreateCalls)
	}

	// Другой ключ для заказа с ТТН тоже возвращает существующий номер.
	third, err := f.svc.CreateTTN(ctx, CreateTTNRequest{OrderID: "order-1", IdempotencyKey: "K2"})
	if err != nil || third.TTN != first.TTN || !third.Idempotent {
		t.Fatalf("unexpected result for new key: %+v, %v", third, err)
	}

	cost, err := f.ledger.List(ctx, domain.LedgerFilter{OrderID: "order-1", Types: []domain.LedgerType{domain.LedgerShipCostOut}})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if len(cost) != 1 || cost[0].AmountMinor != 7_000 || cost[0].Ref != first.TTN {
		t.Fatalf("unexpected SHIP_COST_OUT entries: %+v", cost)
	}
	for _, key := range []string{"ttn_created:order-1:sms", "ttn_created:order-1:email", "ttn_created:order-1"} {
		if _, err := f.outbox.GetByDedupeKey(ctx, key); err != nil {
			t.Fatalf("outbox %s: %v", key, err)
		}
	}
}

func TestCreateTTN_FromPaidMovesThroughProcessing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, "order-paid", domain.OrderStatusPaid, domain.PaymentMethodCard)

	res, err := f.svc.CreateTTN(ctx, CreateTTNRequest{OrderID: "order-paid"})
	if err != nil {
		t.Fatalf("create ttn: %v", err)
	}
	o, _ := f.machine.Get(ctx, "order-paid")
	if o.Status != domain.OrderStatusShipped || o.TTN() != res.TTN {
		t.Fatalf("unexpected order: status=%s ttn=%s", o.Status, o.TTN())
	}
	var path []domain.OrderStatus
	for _, h := range o.StatusHistory {
		path = append(path, h.To)
	}
	want := []domain.OrderStatus{domain.OrderStatusProcessing, domain.OrderStatusShipped}
	if len(path) < 2 || path[len(path)-2] != want[0] || path[len(path)-1] != want[1] {
		t.Fatalf("unexpected history: %v", path)
	}
	if o.Shipment.PickupPointType != domain.PickupPointBranch {
		t.Fatalf("expected default BRANCH, got %s", o.Shipment.PickupPointType)
	}
}

func TestCreateTTN_RejectsWrongStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, "order-new", domain.OrderStatusAwaitingPayment, domain.PaymentMethodCard)

	_, err := f.svc.CreateTTN(ctx, CreateTTNRequest{OrderID: "order-new", IdempotencyKey: "K9"})
	if !errors.Is(err, domain.ErrStatusNotAllowedForTTN) {
		t.Fatalf("expected ErrStatusNotAllowedForTTN, got %v", err)
	}
	if code := domain.ErrorCode(err); code != "ORDER_STATUS_NOT_ALLOWED_FOR_TTN" {
		t.Fatalf("unexpected code %s", code)
	}
	ev, err := f.events.Get(ctx, fake.CarrierName, "K9")
	if err != nil {
		t.Fatalf("event: %v", err)
	}
	if ev.Status != domain.EventStatusFailed {
		t.Fatalf("expected FAILED event, got %s", ev.Status)
	}
	if f.carrier.CreateCalls != 0 {
		t.Fatalf("carrier must not be called")
	}
}

func TestCreateTTN_CarrierFailureCanBeRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, "order-2", domain.OrderStatusProcessing, domain.PaymentMethodCard)

	f.carrier.CreateErr = domain.ErrProvider
	_, err := f.svc.CreateTTN(ctx, CreateTTNRequest{OrderID: "order-2", IdempotencyKey: "K1"})
	if !errors.Is(err, domain.ErrProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
	f.carrier.CreateErr = nil
	res, err := f.svc.CreateTTN(ctx, CreateTTNRequest{OrderID: "order-2", IdempotencyKey: "K1"})
	if err != nil || res.Idempotent || res.TTN == "" {
		t.Fatalf("retry after failure: %+v, %v", res, err)
	}
}

func TestCreateTTN_ConcurrentCallsShareOneTTN(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, "order-3", domain.OrderStatusProcessing, domain.PaymentMethodCard)

	const callers = 8
	results := make([]TTNResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.CreateTTN(ctx, CreateTTNRequest{OrderID: "order-3", IdempotencyKey: "K" + string(rune('a'+i))})
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	o, _ := f.machine.Get(ctx, "order-3")
	fresh := 0
	for _, res := range results {
		if res.TTN != o.TTN() {
			t.Fatalf("caller got %s, order has %s", res.TTN, o.TTN())
		}
		if !res.Idempotent {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("expected exactly one non-idempotent result, got %d", fresh)
	}
}

func TestShipmentRequest_CODAndDeclaredValue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	o := domain.Order{
		ID:            "cod",
		TotalMinor:    5_000,
		PaymentMethod: domain.PaymentMethodCash,
		PaymentPolicy: domain.PaymentPolicy{Mode: domain.PaymentModeShipDeposit},
		Deposit:       domain.Deposit{Required: true, AmountMinor: 2_000, Paid: true},
		Shipping:      domain.Shipping{FullName: "Бондар Марія", Phone: testPhone},
	}
	req := f.svc.shipmentRequest(o, Overrides{Weight: 2.5})
	if req.DeclaredValueUAH != 100 {
		t.Fatalf("declared value must be at least 100 UAH, got %d", req.DeclaredValueUAH)
	}
	if req.CODAmountMinor != 3_000 {
		t.Fatalf("expected COD minus paid deposit, got %d", req.CODAmountMinor)
	}
	if req.RecipientLast != "Бондар" || req.RecipientFirst != "Марія" || req.RecipientMiddle != "" {
		t.Fatalf("unexpected name split: %+v", req)
	}
	if req.Weight != 2.5 {
		t.Fatalf("override ignored: %v", req.Weight)
	}

	o.PaymentMethod = domain.PaymentMethodCard
	if got := f.svc.shipmentRequest(o, Overrides{}).CODAmountMinor; got != 0 {
		t.Fatalf("prepaid order must not carry COD, got %d", got)
	}
}

func TestCreateTTN_DeclaredValueOverride(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, "declared-default", domain.OrderStatusProcessing, domain.PaymentMethodCard)
	f.seed(t, "declared-custom", domain.OrderStatusProcessing, domain.PaymentMethodCard)
	f.seed(t, "declared-low", domain.OrderStatusProcessing, domain.PaymentMethodCard)

	cases := []struct {
		id   string
		ov   Overrides
		want int64
	}{
		{id: "declared-default", want: 1_500},
		{id: "declared-custom", ov: Overrides{DeclaredValueUAH: 2_000}, want: 2_000},
		{id: "declared-low", ov: Overrides{DeclaredValueUAH: 40}, want: minDeclaredValueUAH},
	}
	for i, tc := range cases {
		if _, err := f.svc.CreateTTN(ctx, CreateTTNRequest{OrderID: tc.id, Overrides: tc.ov}); err != nil {
			t.Fatalf("%s: create ttn: %v", tc.id, err)
		}
		if got := f.carrier.Requests[i].DeclaredValueUAH; got != tc.want {
			t.Fatalf("%s: declared value %d, want %d", tc.id, got, tc.want)
		}
	}
}

func TestCreateTTN_CODAmountOverride(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{})
	f.seed(t, "cod-order", domain.OrderStatusProcessing, domain.PaymentMethodCash)
	f.seed(t, "card-order", domain.OrderStatusProcessing, domain.PaymentMethodCard)

	if _, err := f.svc.CreateTTN(ctx, CreateTTNRequest{
		OrderID:   "cod-order",
		Overrides: Overrides{CODAmountMinor: 120_000},
	}); err != nil {
		t.Fatalf("create cod ttn: %v", err)
	}
	if got := f.carrier.Requests[0].CODAmountMinor; got != 120_000 {
		t.Fatalf("cod override ignored: %d", got)
	}

	_, err := f.svc.CreateTTN(ctx, CreateTTNRequest{
		OrderID:   "card-order",
		Overrides: Overrides{CODAmountMinor: 120_000},
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for prepaid order, got %v", err)
	}
	if f.carrier.CreateCalls != 1 {
		t.Fatalf("carrier must not be called for rejected overrides, calls=%d", f.carrier.CreateCalls)
	}
	o, _ := f.machine.Get(ctx, "card-order")
	if o.Status != domain.OrderStatusProcessing || o.TTN() != "" {
		t.Fatalf("rejected order changed: status=%s ttn=%q", o.Status, o.TTN())
	}
}

func TestSplitFullName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in                  string
		last, first, middle string
	}{
		{in: "", last: "", first: "", middle: ""},
		{in: "Шевченко", last: "Шевченко", first: "Шевченко"},
		{in: "Шевченко Тарас", last: "Шевченко", first: "Тарас"},
		{in: "  Шевченко  Тарас Григорович ", last: "Шевченко", first: "Тарас", middle: "Григорович"},
	}
	for _, tc := range cases {
		last, first, middle := SplitFullName(tc.in)
		if last != tc.last || first != tc.first || middle != tc.middle {
			t.Fatalf("SplitFullName(%q) = %q %q %q", tc.in, last, first, middle)
		}
	}
}

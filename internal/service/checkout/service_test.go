package checkout

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/provider/fake"
	"github.com/vladislavdragonenkov/marketcore/internal/service/abtest"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
	"github.com/vladislavdragonenkov/marketcore/internal/service/policy"
	"github.com/vladislavdragonenkov/marketcore/internal/storage/memory"
)

const (
	testPhone = "+380671234567"
	testOwner = "user-1"
)

type fixture struct {
	svc       *Service
	carts     *memory.CartStore
	customers domain.CustomerRepository
	payments  domain.PaymentRepository
	provider  *fake.PaymentProvider
	machine   *orders.Machine
	clock     *clock.Manual
}

func newFixture(t *testing.T, variants ...domain.Variant) *fixture {
	t.Helper()
	ctx := context.Background()

	clk := clock.NewManual(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	repo := memory.NewOrderRepository()
	machine := orders.NewMachine(repo, orders.WithClock(clk))
	customers := memory.NewCustomerRepository()
	settings := memory.NewSystemConfigRepository()
	experiments := memory.NewExperimentRepository()
	if len(variants) > 0 {
		require.NoError(t, experiments.PutExperiment(ctx, domain.Experiment{
			ID:       abtest.PrepaidDiscountExperiment,
			Active:   true,
			Variants: variants,
		}))
	}

	f := &fixture{
		carts:     memory.NewCartStore(),
		customers: customers,
		payments:  memory.NewPaymentRepository(),
		provider:  fake.NewPaymentProvider("secret"),
		machine:   machine,
		clock:     clk,
	}
	f.svc = NewService(Deps{
		Machine: machine,
		Catalog: memory.NewCatalog(
			domain.Product{ID: "kettle", Title: "Чайник", PriceMinor: 250_000, Active: true},
			domain.Product{ID: "cup", Title: "Чашка", PriceMinor: 15_000, Active: true},
			domain.Product{ID: "old", Title: "Снято с продажи", PriceMinor: 1_000, Active: false},
		),
		Carts:     f.carts,
		Customers: customers,
		Settings:  settings,
		Payments:  f.payments,
		Provider:  f.provider,
		Decider:   policy.NewDecider(customers, memory.NewCityPolicyRepository(), settings, policy.DefaultConfig(), nil),
		Assigner:  abtest.NewAssigner(experiments, clk),
		Clock:     clk,
	}, Config{})
	return f
}

func (f *fixture) cart(lines ...domain.CartLine) {
	f.carts.Put(domain.Cart{Owner: testOwner, Lines: lines})
}

func request(method domain.PaymentMethod) CreateOrderRequest {
	return CreateOrderRequest{
		UserID:    testOwner,
		CartOwner: testOwner,
		Shipping: domain.Shipping{
			FullName: "Коваленко Ірина Петрівна",
			Phone:    testPhone,
			City:     "Київ",
			Email:    "iryna@example.com",
		},
		PaymentMethod: method,
	}
}

func TestCreateOrder_PrepaidWithABDiscount(t *testing.T) {
	t.Parallel()

	f := newFixture(t, domain.Variant{Name: "A", Weight: 0}, domain.Variant{Name: "B", Weight: 1, DiscountPct: 1.0})
	f.cart(domain.CartLine{ProductID: "kettle", Quantity: 1})

	order, err := f.svc.CreateOrder(context.Background(), request(domain.PaymentMethodCard))
	require.NoError(t, err)

	require.Equal(t, domain.OrderStatusAwaitingPayment, order.Status)
	require.EqualValues(t, 250_000, order.SubtotalMinor)
	require.EqualValues(t, 2_500, order.Discount.AmountMinor)
	require.EqualValues(t, 247_500, order.TotalMinor)
	require.NotNil(t, order.AB)
	require.Equal(t, "B", order.AB.Variant)
	require.True(t, order.AB.Active)
	require.Equal(t, domain.PaymentModeCODAllowed, order.PaymentPolicy.Mode)
	require.EqualValues(t, 1, order.Version)
	require.Len(t, order.StatusHistory, 1)
	require.Equal(t, orders.ActorCheckout, order.StatusHistory[0].Actor)

	cart, err := f.carts.Get(context.Background(), testOwner)
	require.NoError(t, err)
	require.Empty(t, cart.Lines, "cart must be cleared")
}

func TestCreateOrder_CashWithoutDiscountIsNew(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cart(domain.CartLine{ProductID: "cup", Quantity: 3})

	order, err := f.svc.CreateOrder(context.Background(), request(domain.PaymentMethodCash))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusNew, order.Status)
	require.Zero(t, order.Discount.AmountMinor)
	require.EqualValues(t, 45_000, order.TotalMinor)
	require.False(t, order.Deposit.Required)
	require.Nil(t, order.AB)
}

func TestCreateOrder_CardUsesSystemDiscountWithoutExperiment(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.cart(domain.CartLine{ProductID: "kettle", Quantity: 2})

	order, err := f.svc.CreateOrder(context.Background(), request(domain.PaymentMethodCard))
	require.NoError(t, err)
	// 1% от 5000 грн по умолчанию.
	require.EqualValues(t, 5_000, order.Discount.AmountMinor)
	require.Equal(t, DiscountTypePrepaid, order.Discount.Type)
}

func TestCreateOrder_DepositForRiskyCashBuyer(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.customers.Update(context.Background(), testPhone, f.clock.Now(), func(c *domain.Customer) error {
		c.Segment = domain.SegmentNormal
		c.Counters.ReturnsTotal = 2
		c.Counters.DeliveredCount = 4
		return nil
	})
	require.NoError(t, err)
	f.cart(domain.CartLine{ProductID: "kettle", Quantity: 1})

	order, err := f.svc.CreateOrder(context.Background(), request(domain.PaymentMethodCash))
	require.NoError(t, err)
	require.Equal(t, domain.PaymentModeShipDeposit, order.PaymentPolicy.Mode)
	require.True(t, order.Deposit.Required)
	require.EqualValues(t, 10_000, order.Deposit.AmountMinor)
	require.Equal(t, domain.OrderStatusAwaitingPayment, order.Status)
	require.Equal(t, domain.PurposeShipDeposit, DefaultPurpose(order))

	intent, err := f.svc.CreatePaymentIntent(context.Background(), order.ID, "")
	require.NoError(t, err)
	require.Equal(t, domain.PurposeShipDeposit, intent.Payment.Purpose)
	require.EqualValues(t, 10_000, intent.Payment.AmountMinor)
	require.Equal(t, intent.Payment.ID, intent.Order.Deposit.PaymentID)
	require.Nil(t, intent.Order.Payment)
}

func TestCreateOrder_Validation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		lines []domain.CartLine
		mut   func(*CreateOrderRequest)
		want  error
	}{
		{name: "empty cart", want: domain.ErrCartEmpty},
		{name: "unknown product", lines: []domain.CartLine{{ProductID: "ghost", Quantity: 1}}, want: domain.ErrProductNotFound},
		{name: "inactive product", lines: []domain.CartLine{{ProductID: "old", Quantity: 1}}, want: domain.ErrProductNotFound},
		{name: "zero quantity", lines: []domain.CartLine{{ProductID: "cup", Quantity: 0}}, want: domain.ErrItemQtyInvalid},
		{
			name:  "no phone",
			lines: []domain.CartLine{{ProductID: "cup", Quantity: 1}},
			mut:   func(r *CreateOrderRequest) { r.Shipping.Phone = " " },
			want:  domain.ErrPhoneRequired,
		},
		{
			name:  "bad method",
			lines: []domain.CartLine{{ProductID: "cup", Quantity: 1}},
			mut:   func(r *CreateOrderRequest) { r.PaymentMethod = "crypto" },
			want:  domain.ErrValidation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			f.cart(tc.lines...)
			req := request(domain.PaymentMethodCard)
			if tc.mut != nil {
				tc.mut(&req)
			}
			_, err := f.svc.CreateOrder(context.Background(), req)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCreatePaymentIntent_ReusesActivePayment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.cart(domain.CartLine{ProductID: "kettle", Quantity: 1})
	order, err := f.svc.CreateOrder(ctx, request(domain.PaymentMethodCard))
	require.NoError(t, err)

	first, err := f.svc.CreatePaymentIntent(ctx, order.ID, domain.PurposeOrderPayment)
	require.NoError(t, err)
	require.False(t, first.Reused)
	require.NotEmpty(t, first.Payment.CheckoutURL)
	require.True(t, strings.HasPrefix(first.Payment.ProviderOrderID, order.ID+":ORDER_PAYMENT:"))
	require.EqualValues(t, order.TotalMinor, first.Payment.AmountMinor)
	require.NotNil(t, first.Order.Payment)
	require.Equal(t, domain.PaymentStatusPending, first.Order.Payment.Status)
	require.Equal(t, first.Payment.ID, first.Order.Payment.PaymentID)

	second, err := f.svc.CreatePaymentIntent(ctx, order.ID, domain.PurposeOrderPayment)
	require.NoError(t, err)
	require.True(t, second.Reused)
	require.Equal(t, first.Payment.ID, second.Payment.ID)
	require.Equal(t, 1, f.provider.CreateCalls)

	view, err := f.svc.PaymentStatus(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, view.Payments, 1)
	require.Equal(t, domain.OrderStatusAwaitingPayment, view.OrderStatus)
}

func TestCreatePaymentIntent_MovesNewOrderToAwaitingPayment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.cart(domain.CartLine{ProductID: "cup", Quantity: 1})
	order, err := f.svc.CreateOrder(ctx, request(domain.PaymentMethodCash))
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusNew, order.Status)

	intent, err := f.svc.CreatePaymentIntent(ctx, order.ID, domain.PurposeOrderPayment)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusAwaitingPayment, intent.Order.Status)
	require.EqualValues(t, 2, intent.Order.Version)
	last := intent.Order.StatusHistory[len(intent.Order.StatusHistory)-1]
	require.Equal(t, domain.OrderStatusNew, last.From)
}

func TestCreatePaymentIntent_Rejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.cart(domain.CartLine{ProductID: "cup", Quantity: 1})
	order, err := f.svc.CreateOrder(ctx, request(domain.PaymentMethodCash))
	require.NoError(t, err)

	_, err = f.svc.CreatePaymentIntent(ctx, order.ID, domain.PurposeShipDeposit)
	require.ErrorIs(t, err, domain.ErrPaymentNotAllowed, "deposit is not required")

	_, err = f.machine.Transition(ctx, orders.TransitionRequest{
		OrderID: order.ID,
		To:      domain.OrderStatusCanceled,
		Actor:   orders.ActorAdmin,
	})
	require.NoError(t, err)
	_, err = f.svc.CreatePaymentIntent(ctx, order.ID, domain.PurposeOrderPayment)
	require.ErrorIs(t, err, domain.ErrPaymentNotAllowed)

	_, err = f.svc.CreatePaymentIntent(ctx, "missing", domain.PurposeOrderPayment)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestCreatePaymentIntent_ProviderFailureLeavesNoPayment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.cart(domain.CartLine{ProductID: "kettle", Quantity: 1})
	order, err := f.svc.CreateOrder(ctx, request(domain.PaymentMethodCard))
	require.NoError(t, err)

	f.provider.CreateErr = errors.Join(domain.ErrProvider, errors.New("gateway timeout"))
	_, err = f.svc.CreatePaymentIntent(ctx, order.ID, domain.PurposeOrderPayment)
	require.ErrorIs(t, err, domain.ErrProvider)

	payments, err := f.payments.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Empty(t, payments)
}

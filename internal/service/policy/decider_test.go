package policy

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/storage/memory"
)

var testNow = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)

func newDecider(t *testing.T) (*Decider, domain.CustomerRepository, domain.CityPolicyRepository) {
	t.Helper()
	customers := memory.NewCustomerRepository()
	cities := memory.NewCityPolicyRepository()
	return NewDecider(customers, cities, memory.NewSystemConfigRepository(), DefaultConfig(), nil), customers, cities
}

func putCustomer(t *testing.T, repo domain.CustomerRepository, phone string, mutate func(*domain.Customer)) {
	t.Helper()
	_, err := repo.Update(context.Background(), phone, testNow, func(c *domain.Customer) error {
		mutate(c)
		return nil
	})
	if err != nil {
		t.Fatalf("put customer: %v", err)
	}
}

func TestDecide_CODRefusalsForcePrepaid(t *testing.T) {
	t.Parallel()

	d, customers, _ := newDecider(t)
	putCustomer(t, customers, "+380501112233", func(c *domain.Customer) {
		c.Segment = domain.SegmentNormal
		c.Counters.CODRefusalsTotal = 2
	})

	got, err := d.Decide(context.Background(), Input{Phone: "+380501112233", City: "Київ", AmountMinor: 150_000})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got.Mode != domain.PaymentModeFullPrepaid || got.Severity != domain.SeverityHigh {
		t.Fatalf("unexpected decision %+v", got)
	}
	if !slices.Contains(got.Reasons, "COD_REFUSALS_30D≥2") {
		t.Fatalf("reasons must contain COD_REFUSALS_30D≥2, got %v", got.Reasons)
	}
	if got.Deposit.AmountMinor != 0 {
		t.Fatalf("full prepaid must not carry deposit, got %d", got.Deposit.AmountMinor)
	}
}

func TestDecide_Cascade(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		customer func(*domain.Customer)
		city     *domain.CityPolicy
		input    Input
		mode     domain.PaymentMode
		reason   string
		deposit  int64
	}{
		{
			name:  "new small order allows cod",
			input: Input{AmountMinor: 50_000, IsNewCustomer: true},
			mode:  domain.PaymentModeCODAllowed,
		},
		{
			name:    "new customer big order",
			input:   Input{AmountMinor: 900_000, IsNewCustomer: true},
			mode:    domain.PaymentModeShipDeposit,
			reason:  ReasonNewCustomerBigOrder,
			deposit: 18_000,
		},
		{
			name:     "two returns",
			customer: func(c *domain.Customer) { c.Counters.ReturnsTotal = 2 },
			input:    Input{AmountMinor: 150_000},
			mode:     domain.PaymentModeShipDeposit,
			reason:   ReasonReturnsMedium,
			deposit:  10_000,
		},
		{
			name:     "three returns",
			customer: func(c *domain.Customer) { c.Counters.ReturnsTotal = 3 },
			input:    Input{AmountMinor: 150_000},
			mode:     domain.PaymentModeFullPrepaid,
			reason:   ReasonReturnsHard,
		},
		{
			name:     "segment block cod",
			customer: func(c *domain.Customer) { c.Segment = domain.SegmentBlockCOD },
			input:    Input{AmountMinor: 10_000},
			mode:     domain.PaymentModeFullPrepaid,
			reason:   ReasonSegmentBlockCOD,
		},
		{
			name:     "customer require prepaid",
			customer: func(c *domain.Customer) { c.Policy.RequirePrepaid = true },
			input:    Input{AmountMinor: 10_000},
			mode:     domain.PaymentModeFullPrepaid,
			reason:   ReasonCustomerRequirePrepaid,
		},
		{
			name:   "city require prepaid",
			city:   &domain.CityPolicy{RequirePrepaid: true},
			input:  Input{AmountMinor: 10_000},
			mode:   domain.PaymentModeFullPrepaid,
			reason: ReasonCityRequirePrepaid,
		},
		{
			name:    "city deposit override",
			city:    &domain.CityPolicy{DepositAmountMinor: 15_000},
			input:   Input{AmountMinor: 10_000},
			mode:    domain.PaymentModeShipDeposit,
			reason:  ReasonCityDeposit,
			deposit: 15_000,
		},
		{
			name: "vip softens hard rule to deposit",
			customer: func(c *domain.Customer) {
				c.Segment = domain.SegmentVIP
				c.Counters.ReturnsTotal = 3
			},
			input:   Input{AmountMinor: 1_500_000},
			mode:    domain.PaymentModeShipDeposit,
			reason:  ReasonVIPSoftened,
			deposit: 20_000,
		},
		{
			name:     "vip without violations skips deposit",
			customer: func(c *domain.Customer) { c.Segment = domain.SegmentVIP },
			city:     &domain.CityPolicy{DepositAmountMinor: 15_000},
			input:    Input{AmountMinor: 10_000},
			mode:     domain.PaymentModeCODAllowed,
			reason:   ReasonVIPSoftened,
		},
		{
			name: "vip with explicit cod block stays prepaid",
			customer: func(c *domain.Customer) {
				c.Segment = domain.SegmentVIP
				c.Policy.CODBlocked = true
			},
			input:  Input{AmountMinor: 10_000},
			mode:   domain.PaymentModeFullPrepaid,
			reason: ReasonCODBlocked,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			d, customers, cities := newDecider(t)
			in := tc.input
			in.Phone = "+380671234567"
			in.City = "Одеса"
			if tc.customer != nil {
				putCustomer(t, customers, in.Phone, tc.customer)
			}
			if tc.city != nil {
				policy := *tc.city
				policy.City = in.City
				if err := cities.Upsert(context.Background(), policy); err != nil {
					t.Fatalf("upsert city: %v", err)
				}
			}

			got, err := d.Decide(context.Background(), in)
			if err != nil {
				t.Fatalf("decide: %v", err)
			}
			if got.Mode != tc.mode {
				t.Fatalf("mode = %s, want %s (reasons %v)", got.Mode, tc.mode, got.Reasons)
			}
			if tc.reason != "" && !slices.Contains(got.Reasons, tc.reason) {
				t.Fatalf("reasons %v must contain %s", got.Reasons, tc.reason)
			}
			if got.Deposit.AmountMinor != tc.deposit {
				t.Fatalf("deposit = %d, want %d", got.Deposit.AmountMinor, tc.deposit)
			}
		})
	}
}

func TestDepositAmount(t *testing.T) {
	t.Parallel()

	cases := []struct {
		amount, base, city, want int64
	}{
		{amount: 150_000, base: 100, want: 10_000},
		{amount: 900_000, base: 100, want: 18_000},
		{amount: 5_000_000, base: 100, want: 20_000},
		{amount: 150_000, base: 250, want: 25_000},
		{amount: 150_000, base: 50, want: 8_000},
		{amount: 462_500, base: 50, want: 9_300},
		{amount: 150_000, base: 100, city: 12_345, want: 12_300},
	}
	for _, tc := range cases {
		if got := DepositAmount(tc.amount, tc.base, tc.city); got != tc.want {
			t.Fatalf("DepositAmount(%d, %d, %d) = %d, want %d", tc.amount, tc.base, tc.city, got, tc.want)
		}
	}
}

func TestDecide_DepositFollowsSystemConfig(t *testing.T) {
	t.Parallel()

	settings := memory.NewSystemConfigRepository()
	if _, err := settings.Update(context.Background(), "roe", testNow, func(c *domain.SystemConfig) error {
		c.DepositMinUAH = 150
		return nil
	}); err != nil {
		t.Fatalf("update settings: %v", err)
	}
	d := NewDecider(memory.NewCustomerRepository(), memory.NewCityPolicyRepository(), settings, DefaultConfig(), nil)

	got, err := d.Decide(context.Background(), Input{Phone: "+380", AmountMinor: 400_000, IsNewCustomer: true})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got.Deposit.AmountMinor != 15_000 {
		t.Fatalf("deposit = %d, want 15000", got.Deposit.AmountMinor)
	}
}

package callbacks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
	"github.com/vladislavdragonenkov/marketcore/internal/service/pickup"
	"github.com/vladislavdragonenkov/marketcore/internal/service/risk"
	"github.com/vladislavdragonenkov/marketcore/internal/storage/memory"
)

const phone = "+380671112233"

type fixture struct {
	orders    domain.OrderRepository
	customers domain.CustomerRepository
	policies  domain.PolicyRepository
	settings  domain.SystemConfigRepository
	clock     *clock.Manual
	d         *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		orders:    memory.NewOrderRepository(),
		customers: memory.NewCustomerRepository(),
		policies:  memory.NewPolicyRepository(),
		settings:  memory.NewSystemConfigRepository(),
		clock:     clock.NewManual(time.Date(2025, 9, 10, 9, 0, 0, 0, time.UTC)),
	}
	machine := orders.NewMachine(f.orders, orders.WithClock(f.clock))
	engine := risk.NewEngine(risk.EngineDeps{
		Customers: f.customers,
		Cities:    memory.NewCityPolicyRepository(),
		Policies:  f.policies,
		Clock:     f.clock,
	}, risk.EngineConfig{})
	control := pickup.NewControl(pickup.Deps{
		Machine:   machine,
		Customers: f.customers,
		Settings:  f.settings,
		Clock:     f.clock,
	}, pickup.Config{})
	f.d = NewDispatcher(Deps{Machine: machine, Risk: engine, Pickup: control})
	return f
}

func TestDispatch_RejectsMalformedAndUnknown(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, data := range []string{"", "no-colon", ":target", "launch_rockets:1"} {
		_, err := f.d.Dispatch(context.Background(), Command{CallbackData: data})
		require.ErrorIs(t, err, domain.ErrValidation, "data %q", data)
	}
}

func TestDispatch_UnconfiguredService(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.d.Dispatch(context.Background(), Command{CallbackData: "roe_approve:s-1"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestDispatch_OrderCancel(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.orders.Create(ctx, domain.Order{ID: "o-1", Status: domain.OrderStatusNew, CreatedAt: f.clock.Now()}))

	res, err := f.d.Dispatch(ctx, Command{CallbackData: "order_cancel:o-1", Actor: "oksana"})
	require.NoError(t, err)
	require.Equal(t, ActionOrderCancel, res.Action)
	require.Equal(t, "o-1", res.Target)

	o, err := f.orders.Get(ctx, "o-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCanceled, o.Status)
	require.Equal(t, "oksana", o.StatusHistory[0].Actor)

	_, err = f.d.Dispatch(ctx, Command{CallbackData: "order_cancel:o-1"})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestDispatch_BlockCODAndPolicyDecisions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	_, err := f.d.Dispatch(ctx, Command{CallbackData: "block_cod:" + phone})
	require.NoError(t, err)
	c, err := f.customers.Get(ctx, phone)
	require.NoError(t, err)
	require.True(t, c.Policy.CODBlocked)

	audit, err := f.policies.ListAudit(ctx, phone, 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, DefaultActor, audit[0].Actor)

	action, inserted, err := f.policies.InsertAction(ctx, domain.PolicyAction{
		ID:               "pa-1",
		Type:             domain.ActionRequirePrepaidCustomer,
		Target:           "+380509998877",
		Severity:         domain.SeverityMedium,
		RequiresApproval: true,
		Status:           domain.PolicyActionPending,
		DedupeKey:        "REQUIRE_PREPAID_CUSTOMER:+380509998877:r2",
		CreatedAt:        f.clock.Now(),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	res, err := f.d.Dispatch(ctx, Command{CallbackData: "policy_approve:" + action.ID, Actor: "ops"})
	require.NoError(t, err)
	require.Equal(t, domain.PolicyActionApplied, res.Data.(domain.PolicyAction).Status)

	target, err := f.customers.Get(ctx, "+380509998877")
	require.NoError(t, err)
	require.True(t, target.Policy.RequirePrepaid)

	_, err = f.d.Dispatch(ctx, Command{CallbackData: "policy_reject:" + action.ID})
	require.ErrorIs(t, err, domain.ErrPolicyActionState)
}

func TestDispatch_PickupMuteAndList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)

	_, err := f.d.Dispatch(ctx, Command{CallbackData: "pickup_mute:2025-09-10"})
	require.NoError(t, err)
	cfg, err := f.settings.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg.PickupAlertsMutedUntil)
	require.Equal(t, f.clock.Now().Add(24*time.Hour), *cfg.PickupAlertsMutedUntil)

	res, err := f.d.Dispatch(ctx, Command{CallbackData: "pickup_list:2025-09-10"})
	require.NoError(t, err)
	require.Equal(t, "0 посилок під ризиком", res.Message)
}

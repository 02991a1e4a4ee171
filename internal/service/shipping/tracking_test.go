package shipping

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

func shipped(t *testing.T, f *fixture, id string) domain.Order {
	t.Helper()
	f.seed(t, id, domain.OrderStatusProcessing, domain.PaymentMethodCard)
	res, err := f.svc.CreateTTN(context.Background(), CreateTTNRequest{OrderID: id})
	require.NoError(t, err)
	o, err := f.machine.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, res.TTN, o.TTN())
	return o
}

func TestPollOnce_DeliveredTransitionsAndCounts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{})
	o := shipped(t, f, "order-1")

	arrival := f.clock.Now().Add(-time.Hour)
	f.carrier.SetTracking(o.TTN(), "7", "Прибув у відділення", &arrival)
	stats, err := f.svc.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, TrackingStats{Scanned: 1, Updated: 1}, stats)

	got, err := f.machine.Get(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusShipped, got.Status)
	require.Equal(t, "7", got.Shipment.TrackingStatusCode)
	require.NotNil(t, got.Shipment.ArrivalAt)
	require.True(t, got.Shipment.ArrivalAt.Equal(arrival))

	// Повтор без изменений не трогает версию.
	stats, err = f.svc.PollOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Updated)

	f.carrier.SetTracking(o.TTN(), "9", "Відправлення отримано", &arrival)
	stats, err = f.svc.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Delivered)

	got, err = f.machine.Get(ctx, "order-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusDelivered, got.Status)
	require.Len(t, got.Shipment.TrackingHistory, 2)

	c, err := f.customers.Get(ctx, testPhone)
	require.NoError(t, err)
	require.Equal(t, 1, c.Counters.DeliveredCount)
	require.Equal(t, domain.SegmentNormal, c.Segment)

	_, err = f.outbox.GetByDedupeKey(ctx, "order_delivered:order-1")
	require.NoError(t, err)

	stats, err = f.svc.PollOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Scanned)
}

func TestPollOnce_DeliveredCodesAreConfigurable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{DeliveredCodes: []string{"106"}})
	o := shipped(t, f, "order-1")

	f.carrier.SetTracking(o.TTN(), "9", "Відправлення отримано", nil)
	_, err := f.svc.PollOnce(ctx)
	require.NoError(t, err)
	got, _ := f.machine.Get(ctx, "order-1")
	require.Equal(t, domain.OrderStatusShipped, got.Status)

	f.carrier.SetTracking(o.TTN(), "106", "Отримано і є ТТН грошовий переказ", nil)
	_, err = f.svc.PollOnce(ctx)
	require.NoError(t, err)
	got, _ = f.machine.Get(ctx, "order-1")
	require.Equal(t, domain.OrderStatusDelivered, got.Status)
}

func TestApplyTracking_HistoryRingIsBounded(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	o := domain.Order{Shipment: &domain.Shipment{TTN: "204"}}
	for i := 0; i < 30; i++ {
		applyTracking(&o, domain.TrackingStatus{TTN: "204", Code: strconv.Itoa(i), Text: "status"}, now.Add(time.Duration(i)*time.Minute), 20)
	}
	require.Len(t, o.Shipment.TrackingHistory, 20)
	require.Equal(t, "10", o.Shipment.TrackingHistory[0].Code)
	require.Equal(t, "29", o.Shipment.TrackingHistory[19].Code)

	applyTracking(&o, domain.TrackingStatus{TTN: "204", Code: "29", Text: "status"}, now.Add(time.Hour), 20)
	require.Len(t, o.Shipment.TrackingHistory, 20, "same status must not append a point")
}

func TestSyncTTN(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, Config{})
	o := shipped(t, f, "order-1")

	_, err := f.svc.SyncTTN(ctx, "999", "order-1")
	require.ErrorIs(t, err, domain.ErrValidation)

	f.carrier.SetTracking(o.TTN(), "10", "Відправлення отримано", nil)
	got, err := f.svc.SyncTTN(ctx, o.TTN(), "order-1")
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusDelivered, got.Status)

	status, err := f.svc.TrackingStatus(ctx, o.TTN())
	require.NoError(t, err)
	require.Equal(t, "10", status.Code)
}

package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

func TestPaymentProvider_SignedWebhookVerifies(t *testing.T) {
	t.Parallel()

	p := NewPaymentProvider("secret")
	payload := p.SignedPayload("o-1:ORDER_PAYMENT:p-1", "approved", 247500)
	if !p.VerifyWebhook(nil, payload) {
		t.Fatalf("signed payload must verify")
	}
	if !p.VerifyWebhook(p.SignedBody("o-1:ORDER_PAYMENT:p-1", "approved", 247500), nil) {
		t.Fatalf("signed body must verify")
	}

	payload["amount"] = "100000"
	if p.VerifyWebhook(nil, payload) {
		t.Fatalf("tampered payload must not verify")
	}
}

func TestPaymentProvider_StatusFollowsSetStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := NewPaymentProvider("secret")
	session, err := p.CreatePayment(ctx, domain.PaymentRequest{ProviderOrderID: "o:ORDER_PAYMENT:p", AmountMinor: 1000})
	if err != nil || session.CheckoutURL == "" {
		t.Fatalf("create payment: %+v %v", session, err)
	}

	ev, err := p.Status(ctx, "o:ORDER_PAYMENT:p")
	if err != nil || ev.Status != domain.PaymentStatusPending {
		t.Fatalf("expected pending, got %+v %v", ev, err)
	}

	p.SetStatus("o:ORDER_PAYMENT:p", domain.PaymentStatusPaid)
	ev, err = p.Status(ctx, "o:ORDER_PAYMENT:p")
	if err != nil || ev.Status != domain.PaymentStatusPaid || ev.AmountMinor != 1000 {
		t.Fatalf("expected paid, got %+v %v", ev, err)
	}

	if _, err := p.Status(ctx, "unknown"); !errors.Is(err, domain.ErrPaymentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCarrier_SequentialTTN(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := NewCarrier(7000)

	first, err := c.CreateDocument(ctx, domain.ShipmentRequest{OrderID: "o-1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, _ := c.CreateDocument(ctx, domain.ShipmentRequest{OrderID: "o-2"})
	if first.TTN != "20450000000001" || second.TTN != "20450000000002" {
		t.Fatalf("unexpected ttn sequence %s %s", first.TTN, second.TTN)
	}
	if first.CostMinor != 7000 {
		t.Fatalf("unexpected cost %d", first.CostMinor)
	}

	arrival := time.Date(2025, 6, 3, 7, 0, 0, 0, time.UTC)
	c.SetTracking(first.TTN, "7", "Прибув на відділення", &arrival)
	status, err := c.TrackingStatus(ctx, first.TTN, "")
	if err != nil || status.Code != "7" || status.ArrivalAt == nil {
		t.Fatalf("unexpected tracking %+v %v", status, err)
	}
}

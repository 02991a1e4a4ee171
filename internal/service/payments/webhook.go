package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/provider/fondy"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
)

// Исходы обработки webhook для аудита и метрик.
const (
	OutcomeProcessed        = "PROCESSED"
	OutcomeDuplicate        = "DUPLICATE"
	OutcomeSignatureInvalid = "SIGNATURE_INVALID"
	OutcomeMalformed        = "MALFORMED"
	OutcomeAmountMismatch   = "AMOUNT_MISMATCH"
	OutcomeFailed           = "FAILED"
)

// WebhookResult — ответ на webhook.
type WebhookResult struct {
	OK        bool                 `json:"ok"`
	Duplicate bool                 `json:"duplicate,omitempty"`
	OrderID   string               `json:"order_id,omitempty"`
	Status    domain.PaymentStatus `json:"status,omitempty"`
	Ignored   string               `json:"ignored,omitempty"`
}

// Processor — обработчик webhook платёжных провайдеров.
type Processor struct {
	effects
}

// NewProcessor создаёт Processor.
func NewProcessor(deps Deps) *Processor {
	return &Processor{effects{deps.withDefaults("payment-webhook")}}
}

// Handle проверяет подпись, дедуплицирует событие, сверяет сумму и применяет эффекты.
// Ошибки: ErrSignatureInvalid (401), ErrAmountMismatch (409), ErrValidation (400).
func (p *Processor) Handle(ctx context.Context, providerName, contentType string, raw []byte) (WebhookResult, error) {
	provider, ok := p.Providers[providerName]
	if !ok {
		return WebhookResult{}, fmt.Errorf("%w: unknown payment provider %q", domain.ErrValidation, providerName)
	}
	logger := p.Logger.WithField("provider", providerName)

	payload, parseErr := fondy.ParsePayload(contentType, raw)
	valid := parseErr == nil && provider.VerifyWebhook(raw, payload)
	outcome := "VERIFIED"
	switch {
	case parseErr != nil:
		outcome = OutcomeMalformed
	case !valid:
		outcome = OutcomeSignatureInvalid
	}
	p.audit(ctx, providerName, raw, valid, outcome)
	logger.WithFields(log.Fields{"signature_valid": valid, "bytes": len(raw)}).Info("payment webhook received")

	if parseErr != nil {
		p.Metrics.RecordWebhook(providerName, OutcomeMalformed)
		return WebhookResult{}, parseErr
	}
	if !valid {
		p.Metrics.RecordWebhook(providerName, OutcomeSignatureInvalid)
		return WebhookResult{}, domain.ErrSignatureInvalid
	}

	ev, err := provider.ParseWebhook(payload)
	if err != nil {
		p.Metrics.RecordWebhook(providerName, OutcomeMalformed)
		return WebhookResult{}, err
	}
	orderID, purpose, paymentID, err := domain.ParseProviderOrderID(ev.ProviderOrderID)
	if err != nil {
		p.Metrics.RecordWebhook(providerName, OutcomeMalformed)
		return WebhookResult{}, err
	}
	logger = logger.WithFields(log.Fields{"order_id": orderID, "payment_id": paymentID, "event_id": ev.EventID})

	now := p.Clock.Now()
	event, inserted, err := p.Events.Insert(ctx, domain.ProviderEvent{
		ID:            uuid.NewString(),
		Provider:      providerName,
		EventID:       ev.EventID,
		SignatureHash: signatureHash(ev.Signature),
		OrderID:       orderID,
		Type:          ev.ProviderStatus,
		Status:        domain.EventStatusReceived,
		Raw:           ev.Raw,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return WebhookResult{}, fmt.Errorf("insert provider event: %w", err)
	}
	if !inserted {
		switch {
		case event.Status == domain.EventStatusProcessed:
			p.Metrics.RecordWebhook(providerName, OutcomeDuplicate)
			logger.Info("duplicate payment webhook")
			return WebhookResult{OK: true, Duplicate: true, OrderID: orderID, Status: ev.Status}, nil
		case event.Status == domain.EventStatusFailed && event.FailReason == OutcomeAmountMismatch:
			p.Metrics.RecordWebhook(providerName, OutcomeAmountMismatch)
			return WebhookResult{}, fmt.Errorf("%w: event %s already rejected", domain.ErrAmountMismatch, ev.EventID)
		}
		// RECEIVED после сбоя или FAILED по временной ошибке обрабатываем заново.
		logger.WithField("event_status", event.Status).Info("reprocessing unfinished payment event")
	}

	res, err := p.process(ctx, ev, orderID, purpose, paymentID)
	if err != nil {
		reason := domain.ErrorCode(err)
		if markErr := p.Events.MarkFailed(ctx, event.ID, reason, p.Clock.Now()); markErr != nil {
			logger.WithError(markErr).Warn("failed to mark payment event failed")
		}
		if errors.Is(err, domain.ErrAmountMismatch) {
			p.Metrics.RecordWebhook(providerName, OutcomeAmountMismatch)
			logger.WithError(err).Warn("payment webhook amount mismatch")
		} else {
			p.Metrics.RecordWebhook(providerName, OutcomeFailed)
			logger.WithError(err).Error("payment webhook processing failed")
		}
		return WebhookResult{}, err
	}

	result, _ := json.Marshal(res)
	if err := p.Events.MarkProcessed(ctx, event.ID, result, p.Clock.Now()); err != nil {
		return WebhookResult{}, fmt.Errorf("mark payment event processed: %w", err)
	}
	p.Metrics.RecordWebhook(providerName, OutcomeProcessed)
	logger.WithFields(log.Fields{"status": res.Status, "ignored": res.Ignored}).Info("payment webhook processed")
	return res, nil
}

func (p *Processor) process(ctx context.Context, ev domain.WebhookEvent, orderID string, purpose domain.PaymentPurpose, paymentID string) (WebhookResult, error) {
	payment, err := p.Payments.Get(ctx, paymentID)
	if err != nil {
		return WebhookResult{}, err
	}
	if payment.OrderID != orderID || payment.Purpose != purpose {
		return WebhookResult{}, fmt.Errorf("%w: payment %s does not belong to %s/%s", domain.ErrMalformedProviderOrderID, paymentID, orderID, purpose)
	}
	order, err := p.Machine.Get(ctx, orderID)
	if err != nil {
		return WebhookResult{}, err
	}

	if expected := order.AmountDue(purpose); ev.Status == domain.PaymentStatusPaid || ev.AmountMinor != 0 {
		if !amountMatches(expected, ev.AmountMinor) {
			return WebhookResult{}, fmt.Errorf("%w: expected %d, got %d", domain.ErrAmountMismatch, expected, ev.AmountMinor)
		}
	}

	out, err := p.apply(ctx, payment, ev, orders.ActorWebhook)
	if err != nil {
		return WebhookResult{}, err
	}
	return WebhookResult{OK: true, OrderID: orderID, Status: out.Payment, Ignored: out.Ignored}, nil
}

func (p *Processor) audit(ctx context.Context, providerName string, raw []byte, valid bool, outcome string) {
	if p.Audit == nil {
		return
	}
	err := p.Audit.Append(ctx, domain.PaymentAuditEntry{
		ID:             uuid.NewString(),
		Provider:       providerName,
		Raw:            append([]byte(nil), raw...),
		SignatureValid: valid,
		Outcome:        outcome,
		CreatedAt:      p.Clock.Now(),
	})
	if err != nil {
		p.Logger.WithError(err).Warn("failed to append payment audit entry")
	}
}

func signatureHash(signature string) string {
	if signature == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(signature))
	return hex.EncodeToString(sum[:])
}

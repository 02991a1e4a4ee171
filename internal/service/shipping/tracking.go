package shipping

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/orders"
	"github.com/vladislavdragonenkov/marketcore/internal/service/outbox"
)

// TrackingStats — итог одного прохода трекинга.
type TrackingStats struct {
	Scanned   int `json:"scanned"`
	Updated   int `json:"updated"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// PollOnce обновляет трекинг отправленных заказов.
func (s *Service) PollOnce(ctx context.Context) (TrackingStats, error) {
	list, err := s.deps.Machine.Repository().List(ctx, domain.OrderFilter{
		Statuses: []domain.OrderStatus{domain.OrderStatusShipped},
		WithTTN:  true,
		Limit:    s.cfg.ScanLimit,
	})
	if err != nil {
		return TrackingStats{}, fmt.Errorf("list shipped orders: %w", err)
	}

	var stats TrackingStats
	for _, o := range list {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Scanned++
		before := o.Version
		updated, delivered, err := s.sync(ctx, o)
		if err != nil {
			if domain.IsConflict(err) {
				// Заказ изменился параллельно, догоним на следующем проходе.
				continue
			}
			stats.Failed++
			s.deps.Logger.WithError(err).WithFields(log.Fields{"order_id": o.ID, "ttn": o.TTN()}).Warn("tracking sync failed")
			continue
		}
		if delivered {
			stats.Delivered++
		} else if updated.Version != before {
			stats.Updated++
		}
	}
	return stats, nil
}

// sync записывает статус перевозчика в заказ; код из DeliveredCodes переводит заказ в DELIVERED.
func (s *Service) sync(ctx context.Context, o domain.Order) (domain.Order, bool, error) {
	ttn := o.TTN()
	status, err := s.deps.Carrier.TrackingStatus(ctx, ttn, o.Shipping.Phone)
	if err != nil {
		return o, false, fmt.Errorf("carrier tracking: %w", err)
	}
	now := s.deps.Clock.Now()
	patch := func(x *domain.Order) error {
		applyTracking(x, status, now, s.cfg.HistoryLimit)
		return nil
	}

	if s.delivered[status.Code] && o.Status == domain.OrderStatusShipped {
		updated, err := s.deps.Machine.Transition(ctx, orders.TransitionRequest{
			OrderID:         o.ID,
			To:              domain.OrderStatusDelivered,
			Actor:           orders.ActorTracking,
			Reason:          "carrier status " + status.Code,
			RequireCurrent:  domain.OrderStatusShipped,
			ExpectedVersion: o.Version,
			Patch:           patch,
		})
		if err != nil {
			return o, false, err
		}
		s.onDelivered(ctx, updated)
		return updated, true, nil
	}

	if !trackingChanged(o, status) {
		return o, false, nil
	}
	updated, err := s.deps.Machine.Mutate(ctx, o.ID, domain.OrderGuard{Version: o.Version}, patch)
	if err != nil {
		return o, false, err
	}
	return updated, false, nil
}

func trackingChanged(o domain.Order, status domain.TrackingStatus) bool {
	sh := o.Shipment
	if sh == nil {
		return true
	}
	if sh.TrackingStatusCode != status.Code || sh.TrackingStatus != status.Text {
		return true
	}
	if status.ArrivalAt != nil && (sh.ArrivalAt == nil || !sh.ArrivalAt.Equal(*status.ArrivalAt)) {
		return true
	}
	return status.StorageDay1At != nil && (sh.StorageDay1At == nil || !sh.StorageDay1At.Equal(*status.StorageDay1At))
}

// applyTracking пишет статус и добавляет точку в кольцо истории при смене кода или текста.
func applyTracking(o *domain.Order, status domain.TrackingStatus, now time.Time, limit int) {
	if o.Shipment == nil {
		o.Shipment = &domain.Shipment{TTN: status.TTN}
	}
	sh := o.Shipment
	if sh.TrackingStatusCode != status.Code || sh.TrackingStatus != status.Text || len(sh.TrackingHistory) == 0 {
		at := status.UpdatedAt
		if at.IsZero() {
			at = now
		}
		sh.TrackingHistory = append(sh.TrackingHistory, domain.TrackingPoint{Code: status.Code, Text: status.Text, At: at})
		if len(sh.TrackingHistory) > limit {
			sh.TrackingHistory = append([]domain.TrackingPoint(nil), sh.TrackingHistory[len(sh.TrackingHistory)-limit:]...)
		}
	}
	sh.TrackingStatus = status.Text
	sh.TrackingStatusCode = status.Code
	sh.TrackingUpdatedAt = domain.TimePtr(now)
	if status.ArrivalAt != nil {
		sh.ArrivalAt = domain.TimePtr(*status.ArrivalAt)
	}
	if status.StorageDay1At != nil {
		sh.StorageDay1At = domain.TimePtr(*status.StorageDay1At)
	}
}

func (s *Service) onDelivered(ctx context.Context, o domain.Order) {
	logger := s.deps.Logger.WithFields(log.Fields{"order_id": o.ID, "ttn": o.TTN()})
	logger.Info("order delivered")

	if s.deps.Customers != nil && o.Shipping.Phone != "" {
		_, err := s.deps.Customers.Update(ctx, o.Shipping.Phone, s.deps.Clock.Now(), func(c *domain.Customer) error {
			c.Counters.DeliveredCount++
			if c.Segment == domain.SegmentNew {
				c.Segment = domain.SegmentNormal
			}
			return nil
		})
		if err != nil {
			logger.WithError(err).Warn("failed to update delivered counter")
		}
	}

	if s.deps.Notifier == nil {
		return
	}
	rcpt, err := outbox.LoadRecipient(ctx, s.deps.Customers, o)
	if err != nil {
		logger.WithError(err).Warn("failed to load recipient")
	}
	if rcpt.OptOut || rcpt.Blocked {
		return
	}
	channel, to, ok := rcpt.Preferred()
	if !ok {
		return
	}
	if _, err := s.deps.Notifier.Notify(ctx, outbox.Notification{
		Channel:   channel,
		To:        to,
		Template:  domain.TemplateOrderDelivered,
		Payload:   map[string]any{"order_id": o.ID, "ttn": o.TTN()},
		DedupeKey: "order_delivered:" + o.ID,
	}); err != nil {
		logger.WithError(err).Warn("failed to enqueue ORDER_DELIVERED")
	}
}

package memory

import (
	"context"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// Окна сигналов риска.
const (
	returnsWindow  = 60 * 24 * time.Hour
	refusalsWindow = 30 * 24 * time.Hour
	burstWindow    = time.Hour
)

// signalsInMemory считает сигналы поверх репозиториев заказов и платежей.
type signalsInMemory struct {
	orders   domain.OrderRepository
	payments domain.PaymentRepository
}

// NewSignals создаёт источник оконных сигналов по in-memory данным.
func NewSignals(orders domain.OrderRepository, payments domain.PaymentRepository) domain.SignalsSource {
	return &signalsInMemory{orders: orders, payments: payments}
}

func (s *signalsInMemory) CustomerSignals(ctx context.Context, phone string, now time.Time) (domain.CustomerSignals, error) {
	orders, err := s.orders.List(ctx, domain.OrderFilter{Phone: phone, CreatedAfter: now.Add(-returnsWindow)})
	if err != nil {
		return domain.CustomerSignals{}, err
	}

	sig := domain.CustomerSignals{Phone: phone}
	for _, o := range orders {
		if o.Returning() && o.Returns.UpdatedAt != nil {
			at := *o.Returns.UpdatedAt
			if !at.Before(now.Add(-returnsWindow)) {
				sig.Returns60d++
			}
			if o.IsCOD() && !at.Before(now.Add(-refusalsWindow)) {
				sig.CODRefusals30d++
			}
		}
		if !o.CreatedAt.Before(now.Add(-burstWindow)) {
			sig.OrdersLastHour++
		}
		if o.CreatedAt.Before(now.Add(-refusalsWindow)) {
			continue
		}
		payments, err := s.payments.ListByOrder(ctx, o.ID)
		if err != nil {
			return domain.CustomerSignals{}, err
		}
		sig.PaymentFails30d += lo.CountBy(payments, func(p domain.Payment) bool {
			return p.Status == domain.PaymentStatusDeclined
		})
	}
	return sig, nil
}

func (s *signalsInMemory) RecentPhones(ctx context.Context, since time.Time, limit int) ([]string, error) {
	orders, err := s.orders.List(ctx, domain.OrderFilter{CreatedAfter: since})
	if err != nil {
		return nil, err
	}
	phones := lo.Uniq(lo.FilterMap(orders, func(o domain.Order, _ int) (string, bool) {
		return o.Shipping.Phone, o.Shipping.Phone != ""
	}))
	if limit > 0 && len(phones) > limit {
		phones = phones[:limit]
	}
	return phones, nil
}

func (s *signalsInMemory) CityStats(ctx context.Context, since time.Time) ([]domain.CityStats, error) {
	orders, err := s.orders.List(ctx, domain.OrderFilter{CreatedAfter: since})
	if err != nil {
		return nil, err
	}
	grouped := lo.GroupBy(orders, func(o domain.Order) string {
		return strings.TrimSpace(o.Shipping.City)
	})

	stats := make([]domain.CityStats, 0, len(grouped))
	for city, cityOrders := range grouped {
		if city == "" {
			continue
		}
		stats = append(stats, domain.CityStats{
			City:       city,
			Orders30d:  len(cityOrders),
			Returns30d: lo.CountBy(cityOrders, func(o domain.Order) bool { return o.Returning() }),
		})
	}
	return stats, nil
}

var _ domain.SignalsSource = (*signalsInMemory)(nil)

package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type paymentRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Payment
}

// NewPaymentRepository создаёт in-memory хранилище платежей.
func NewPaymentRepository() domain.PaymentRepository {
	return &paymentRepositoryInMemory{items: make(map[string]domain.Payment)}
}

func (r *paymentRepositoryInMemory) CreateOrGetActive(_ context.Context, payment domain.Payment) (domain.Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.items {
		if existing.OrderID == payment.OrderID && existing.Purpose == payment.Purpose && existing.Status.Active() {
			return clonePayment(existing), false, nil
		}
	}
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	r.items[payment.ID] = clonePayment(payment)
	return clonePayment(payment), true, nil
}

func (r *paymentRepositoryInMemory) Get(_ context.Context, id string) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.items[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return clonePayment(p), nil
}

func (r *paymentRepositoryInMemory) FindActive(_ context.Context, orderID string, purpose domain.PaymentPurpose) (domain.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.items {
		if p.OrderID == orderID && p.Purpose == purpose && p.Status.Active() {
			return clonePayment(p), nil
		}
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func (r *paymentRepositoryInMemory) ListByOrder(_ context.Context, orderID string) ([]domain.Payment, error) {
	return r.collect(func(p domain.Payment) bool { return p.OrderID == orderID }, 0), nil
}

func (r *paymentRepositoryInMemory) ListActive(_ context.Context, createdAfter time.Time, limit int) ([]domain.Payment, error) {
	return r.collect(func(p domain.Payment) bool {
		return p.Status.Active() && !p.CreatedAt.Before(createdAfter)
	}, limit), nil
}

func (r *paymentRepositoryInMemory) ListCreatedBetween(_ context.Context, from, to time.Time) ([]domain.Payment, error) {
	return r.collect(func(p domain.Payment) bool {
		return !p.CreatedAt.Before(from) && p.CreatedAt.Before(to)
	}, 0), nil
}

func (r *paymentRepositoryInMemory) Update(_ context.Context, id string, mutate func(*domain.Payment) error) (domain.Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	next := clonePayment(current)
	if err := mutate(&next); err != nil {
		return domain.Payment{}, err
	}
	next.ID = current.ID
	r.items[id] = next
	return clonePayment(next), nil
}

func (r *paymentRepositoryInMemory) collect(match func(domain.Payment) bool, limit int) []domain.Payment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Payment, 0)
	for _, p := range r.items {
		if match(p) {
			result = append(result, clonePayment(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func clonePayment(p domain.Payment) domain.Payment {
	out := p
	out.Raw = slices.Clone(p.Raw)
	if p.PaidAt != nil {
		out.PaidAt = domain.TimePtr(*p.PaidAt)
	}
	return out
}

var _ domain.PaymentRepository = (*paymentRepositoryInMemory)(nil)

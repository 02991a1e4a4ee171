package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// orderRepositoryInMemory — in-memory реализация OrderRepository.
// Update сериализуется под мьютексом, что эквивалентно SELECT ... FOR UPDATE.
type orderRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Order
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{
		items: make(map[string]domain.Order),
	}
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[order.ID]; exists {
		return fmt.Errorf("%w: order %s already exists", domain.ErrOrderConflict, order.ID)
	}
	if order.Version == 0 {
		order.Version = 1
	}
	r.items[order.ID] = order.Clone()
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// ListByUser возвращает заказы пользователя от новых к старым.
func (r *orderRepositoryInMemory) ListByUser(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if order.UserID != userID {
			continue
		}
		result = append(result, order.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// List возвращает заказы по фильтру от старых к новым.
func (r *orderRepositoryInMemory) List(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.items {
		if !matchOrder(order, filter) {
			continue
		}
		result = append(result, order.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchOrder(order domain.Order, filter domain.OrderFilter) bool {
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, order.Status) {
		return false
	}
	if !filter.CreatedAfter.IsZero() && order.CreatedAt.Before(filter.CreatedAfter) {
		return false
	}
	if !filter.CreatedBefore.IsZero() && !order.CreatedAt.Before(filter.CreatedBefore) {
		return false
	}
	if filter.Phone != "" && order.Shipping.Phone != filter.Phone {
		return false
	}
	if filter.WithTTN && order.TTN() == "" {
		return false
	}
	return true
}

// Update выполняет compare-and-swap: проверяет guard, применяет mutate, увеличивает версию.
func (r *orderRepositoryInMemory) Update(_ context.Context, id string, guard domain.OrderGuard, mutate func(*domain.Order) error) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err := guard.Verify(current); err != nil {
		return domain.Order{}, err
	}

	next := current.Clone()
	if err := mutate(&next); err != nil {
		return domain.Order{}, err
	}
	next.ID = current.ID
	next.Version = current.Version + 1
	r.items[id] = next
	return next.Clone(), nil
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)

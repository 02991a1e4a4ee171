package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type customerRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Customer
}

// NewCustomerRepository создаёт in-memory хранилище профилей клиентов.
func NewCustomerRepository() domain.CustomerRepository {
	return &customerRepositoryInMemory{items: make(map[string]domain.Customer)}
}

func (r *customerRepositoryInMemory) Get(_ context.Context, phone string) (domain.Customer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.items[strings.TrimSpace(phone)]
	if !ok {
		return domain.Customer{}, domain.ErrCustomerNotFound
	}
	return c.Clone(), nil
}

func (r *customerRepositoryInMemory) Update(_ context.Context, phone string, now time.Time, mutate func(*domain.Customer) error) (domain.Customer, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return domain.Customer{}, domain.ErrPhoneRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[phone]
	if !ok {
		current = domain.NewCustomer(phone, now)
	}
	next := current.Clone()
	if err := mutate(&next); err != nil {
		return domain.Customer{}, err
	}
	next.Phone = phone
	next.UpdatedAt = now
	r.items[phone] = next
	return next.Clone(), nil
}

type cityPolicyRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.CityPolicy
}

// NewCityPolicyRepository создаёт in-memory хранилище городских политик.
func NewCityPolicyRepository() domain.CityPolicyRepository {
	return &cityPolicyRepositoryInMemory{items: make(map[string]domain.CityPolicy)}
}

func (r *cityPolicyRepositoryInMemory) Find(_ context.Context, city string) (domain.CityPolicy, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.items[normalizeCity(city)]
	return p, ok, nil
}

func (r *cityPolicyRepositoryInMemory) Upsert(_ context.Context, policy domain.CityPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[normalizeCity(policy.City)] = policy
	return nil
}

func normalizeCity(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

var (
	_ domain.CustomerRepository   = (*customerRepositoryInMemory)(nil)
	_ domain.CityPolicyRepository = (*cityPolicyRepositoryInMemory)(nil)
)

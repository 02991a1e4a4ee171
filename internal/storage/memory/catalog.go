package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// Catalog — in-memory каталог товаров для разработки и тестов.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

// NewCatalog создаёт каталог с заданными товарами.
func NewCatalog(products ...domain.Product) *Catalog {
	c := &Catalog{products: make(map[string]domain.Product, len(products))}
	for _, p := range products {
		c.products[p.ID] = p
	}
	return c
}

// Put добавляет или заменяет товар.
func (c *Catalog) Put(p domain.Product) {
	c.mu.Lock()
	c.products[p.ID] = p
	c.mu.Unlock()
}

// Products возвращает найденные активные товары; отсутствующие просто не попадают в map.
func (c *Catalog) Products(_ context.Context, ids []string) (map[string]domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := c.products[id]; ok && p.Active {
			out[id] = p
		}
	}
	return out, nil
}

// CartStore — in-memory корзины.
type CartStore struct {
	mu    sync.RWMutex
	carts map[string]domain.Cart
}

// NewCartStore создаёт пустое хранилище корзин.
func NewCartStore() *CartStore {
	return &CartStore{carts: make(map[string]domain.Cart)}
}

// Put сохраняет корзину.
func (s *CartStore) Put(cart domain.Cart) {
	s.mu.Lock()
	cart.Lines = slices.Clone(cart.Lines)
	s.carts[cart.Owner] = cart
	s.mu.Unlock()
}

func (s *CartStore) Get(_ context.Context, owner string) (domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cart, ok := s.carts[owner]
	if !ok {
		return domain.Cart{Owner: owner}, nil
	}
	cart.Lines = slices.Clone(cart.Lines)
	return cart, nil
}

func (s *CartStore) Clear(_ context.Context, owner string) error {
	s.mu.Lock()
	delete(s.carts, owner)
	s.mu.Unlock()
	return nil
}

var (
	_ domain.Catalog   = (*Catalog)(nil)
	_ domain.CartStore = (*CartStore)(nil)
)

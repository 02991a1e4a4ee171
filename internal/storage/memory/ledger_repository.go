package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type ledgerRepositoryInMemory struct {
	mu      sync.RWMutex
	entries []domain.LedgerEntry
	keys    map[string]struct{}
}

// NewLedgerRepository создаёт append-only журнал проводок в памяти.
func NewLedgerRepository() domain.LedgerRepository {
	return &ledgerRepositoryInMemory{keys: make(map[string]struct{})}
}

func ledgerKey(e domain.LedgerEntry) string {
	return e.OrderID + "|" + string(e.Type) + "|" + e.Ref
}

func (r *ledgerRepositoryInMemory) Append(_ context.Context, entry domain.LedgerEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := ledgerKey(entry)
	if _, ok := r.keys[key]; ok {
		return false, nil
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Direction == "" {
		entry.Direction = domain.DirectionOf(entry.Type)
	}
	entry.Meta = slices.Clone(entry.Meta)
	r.keys[key] = struct{}{}
	r.entries = append(r.entries, entry)
	return true, nil
}

func (r *ledgerRepositoryInMemory) List(_ context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.LedgerEntry, 0)
	for _, e := range r.entries {
		if filter.OrderID != "" && e.OrderID != filter.OrderID {
			continue
		}
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, e.Type) {
			continue
		}
		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !e.CreatedAt.Before(filter.To) {
			continue
		}
		out := e
		out.Meta = slices.Clone(e.Meta)
		result = append(result, out)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

var _ domain.LedgerRepository = (*ledgerRepositoryInMemory)(nil)

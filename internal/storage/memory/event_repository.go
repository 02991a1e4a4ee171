package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// eventRepositoryInMemory эмулирует уникальные индексы (provider, event_id) и signature_hash.
type eventRepositoryInMemory struct {
	mu          sync.RWMutex
	byID        map[string]*domain.ProviderEvent
	byKey       map[string]string
	bySignature map[string]string
}

// NewEventRepository создаёт in-memory журнал событий провайдеров.
func NewEventRepository() domain.EventRepository {
	return &eventRepositoryInMemory{
		byID:        make(map[string]*domain.ProviderEvent),
		byKey:       make(map[string]string),
		bySignature: make(map[string]string),
	}
}

func eventKey(provider, eventID string) string {
	return provider + "|" + eventID
}

func (r *eventRepositoryInMemory) Insert(_ context.Context, event domain.ProviderEvent) (domain.ProviderEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[eventKey(event.Provider, event.EventID)]; ok {
		return cloneEvent(*r.byID[id]), false, nil
	}
	if event.SignatureHash != "" {
		if id, ok := r.bySignature[event.SignatureHash]; ok {
			return cloneEvent(*r.byID[id]), false, nil
		}
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = domain.EventStatusReceived
	}
	stored := cloneEvent(event)
	r.byID[event.ID] = &stored
	r.byKey[eventKey(event.Provider, event.EventID)] = event.ID
	if event.SignatureHash != "" {
		r.bySignature[event.SignatureHash] = event.ID
	}
	return cloneEvent(stored), true, nil
}

func (r *eventRepositoryInMemory) Get(_ context.Context, provider, eventID string) (domain.ProviderEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[eventKey(provider, eventID)]
	if !ok {
		return domain.ProviderEvent{}, domain.ErrEventNotFound
	}
	return cloneEvent(*r.byID[id]), nil
}

func (r *eventRepositoryInMemory) MarkProcessed(_ context.Context, id string, result []byte, now time.Time) error {
	return r.mark(id, func(ev *domain.ProviderEvent) {
		ev.Status = domain.EventStatusProcessed
		ev.Result = slices.Clone(result)
		ev.FailReason = ""
		ev.UpdatedAt = now
	})
}

func (r *eventRepositoryInMemory) MarkFailed(_ context.Context, id, reason string, now time.Time) error {
	return r.mark(id, func(ev *domain.ProviderEvent) {
		ev.Status = domain.EventStatusFailed
		ev.FailReason = reason
		ev.UpdatedAt = now
	})
}

func (r *eventRepositoryInMemory) CountProcessed(_ context.Context, provider, eventID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, ev := range r.byID {
		if ev.Provider == provider && ev.EventID == eventID && ev.Status == domain.EventStatusProcessed {
			count++
		}
	}
	return count, nil
}

func (r *eventRepositoryInMemory) mark(id string, apply func(*domain.ProviderEvent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.byID[id]
	if !ok {
		return domain.ErrEventNotFound
	}
	apply(ev)
	return nil
}

func cloneEvent(ev domain.ProviderEvent) domain.ProviderEvent {
	out := ev
	out.Raw = slices.Clone(ev.Raw)
	out.Result = slices.Clone(ev.Result)
	return out
}

type paymentAuditInMemory struct {
	mu      sync.Mutex
	entries []domain.PaymentAuditEntry
}

// NewPaymentAuditRepository создаёт in-memory журнал сырых webhook.
func NewPaymentAuditRepository() domain.PaymentAuditRepository {
	return &paymentAuditInMemory{}
}

func (r *paymentAuditInMemory) Append(_ context.Context, entry domain.PaymentAuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.Raw = slices.Clone(entry.Raw)
	r.entries = append(r.entries, entry)
	return nil
}

func (r *paymentAuditInMemory) List(_ context.Context, limit int) ([]domain.PaymentAuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := slices.Clone(r.entries)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ domain.EventRepository        = (*eventRepositoryInMemory)(nil)
	_ domain.PaymentAuditRepository = (*paymentAuditInMemory)(nil)
)

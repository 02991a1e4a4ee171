package memory

import (
	"context"
	"maps"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type policyRepositoryInMemory struct {
	mu      sync.RWMutex
	actions map[string]domain.PolicyAction
	byKey   map[string]string
	audit   []domain.PolicyAudit
}

// NewPolicyRepository создаёт in-memory хранилище предложений policy engine.
func NewPolicyRepository() domain.PolicyRepository {
	return &policyRepositoryInMemory{
		actions: make(map[string]domain.PolicyAction),
		byKey:   make(map[string]string),
	}
}

func (r *policyRepositoryInMemory) InsertAction(_ context.Context, action domain.PolicyAction) (domain.PolicyAction, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[action.DedupeKey]; ok && action.DedupeKey != "" {
		return clonePolicyAction(r.actions[id]), false, nil
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	r.actions[action.ID] = clonePolicyAction(action)
	if action.DedupeKey != "" {
		r.byKey[action.DedupeKey] = action.ID
	}
	return clonePolicyAction(action), true, nil
}

func (r *policyRepositoryInMemory) GetAction(_ context.Context, id string) (domain.PolicyAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actions[id]
	if !ok {
		return domain.PolicyAction{}, domain.ErrPolicyActionNotFound
	}
	return clonePolicyAction(a), nil
}

func (r *policyRepositoryInMemory) ListActions(_ context.Context, status domain.PolicyActionStatus, limit int) ([]domain.PolicyAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.PolicyAction, 0)
	for _, a := range r.actions {
		if status != "" && a.Status != status {
			continue
		}
		result = append(result, clonePolicyAction(a))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *policyRepositoryInMemory) UpdateAction(_ context.Context, id string, mutate func(*domain.PolicyAction) error) (domain.PolicyAction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.actions[id]
	if !ok {
		return domain.PolicyAction{}, domain.ErrPolicyActionNotFound
	}
	next := clonePolicyAction(current)
	if err := mutate(&next); err != nil {
		return domain.PolicyAction{}, err
	}
	next.ID = current.ID
	next.DedupeKey = current.DedupeKey
	r.actions[id] = next
	return clonePolicyAction(next), nil
}

func (r *policyRepositoryInMemory) AppendAudit(_ context.Context, audit domain.PolicyAudit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	r.audit = append(r.audit, audit)
	return nil
}

func (r *policyRepositoryInMemory) ListAudit(_ context.Context, target string, limit int) ([]domain.PolicyAudit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.PolicyAudit, 0)
	for i := len(r.audit) - 1; i >= 0; i-- {
		if target != "" && r.audit[i].Target != target {
			continue
		}
		result = append(result, r.audit[i])
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func clonePolicyAction(a domain.PolicyAction) domain.PolicyAction {
	out := a
	out.Metrics = maps.Clone(a.Metrics)
	if a.DecidedAt != nil {
		out.DecidedAt = domain.TimePtr(*a.DecidedAt)
	}
	return out
}

var _ domain.PolicyRepository = (*policyRepositoryInMemory)(nil)

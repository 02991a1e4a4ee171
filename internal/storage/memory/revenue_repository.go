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

type systemConfigInMemory struct {
	mu      sync.RWMutex
	current domain.SystemConfig
	history []domain.SystemConfig
}

// NewSystemConfigRepository создаёт singleton настроек со значениями по умолчанию.
func NewSystemConfigRepository() domain.SystemConfigRepository {
	return &systemConfigInMemory{current: domain.DefaultSystemConfig()}
}

func (r *systemConfigInMemory) Get(_ context.Context) (domain.SystemConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneConfig(r.current), nil
}

func (r *systemConfigInMemory) Update(_ context.Context, actor string, now time.Time, mutate func(*domain.SystemConfig) error) (domain.SystemConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := cloneConfig(r.current)
	if err := mutate(&next); err != nil {
		return domain.SystemConfig{}, err
	}
	next.UpdatedAt = now
	next.UpdatedBy = actor
	r.history = append(r.history, r.current)
	r.current = next
	return cloneConfig(next), nil
}

func cloneConfig(c domain.SystemConfig) domain.SystemConfig {
	out := c
	if c.PickupAlertsMutedUntil != nil {
		out.PickupAlertsMutedUntil = domain.TimePtr(*c.PickupAlertsMutedUntil)
	}
	return out
}

type revenueRepositoryInMemory struct {
	mu          sync.RWMutex
	snapshots   []domain.Snapshot
	suggestions map[string]domain.Suggestion
	changeLog   []domain.ChangeLogEntry
}

// NewRevenueRepository создаёт in-memory хранилище ROE.
func NewRevenueRepository() domain.RevenueRepository {
	return &revenueRepositoryInMemory{suggestions: make(map[string]domain.Suggestion)}
}

func (r *revenueRepositoryInMemory) InsertSnapshot(_ context.Context, s domain.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	r.snapshots = append(r.snapshots, s)
	return nil
}

func (r *revenueRepositoryInMemory) LatestSnapshot(_ context.Context) (domain.Snapshot, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.snapshots) == 0 {
		return domain.Snapshot{}, false, nil
	}
	return r.snapshots[len(r.snapshots)-1], true, nil
}

func (r *revenueRepositoryInMemory) InsertSuggestion(_ context.Context, s domain.Suggestion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	r.suggestions[s.ID] = cloneSuggestion(s)
	return nil
}

func (r *revenueRepositoryInMemory) GetSuggestion(_ context.Context, id string) (domain.Suggestion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.suggestions[id]
	if !ok {
		return domain.Suggestion{}, domain.ErrSuggestionNotFound
	}
	return cloneSuggestion(s), nil
}

func (r *revenueRepositoryInMemory) ListSuggestions(_ context.Context, statuses []domain.SuggestionStatus, limit int) ([]domain.Suggestion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Suggestion, 0)
	for _, s := range r.suggestions {
		if len(statuses) > 0 && !slices.Contains(statuses, s.Status) {
			continue
		}
		result = append(result, cloneSuggestion(s))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *revenueRepositoryInMemory) UpdateSuggestion(_ context.Context, id string, mutate func(*domain.Suggestion) error) (domain.Suggestion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.suggestions[id]
	if !ok {
		return domain.Suggestion{}, domain.ErrSuggestionNotFound
	}
	next := cloneSuggestion(current)
	if err := mutate(&next); err != nil {
		return domain.Suggestion{}, err
	}
	next.ID = current.ID
	r.suggestions[id] = next
	return cloneSuggestion(next), nil
}

func (r *revenueRepositoryInMemory) LastSuggestionAt(_ context.Context, statuses []domain.SuggestionStatus) (time.Time, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last time.Time
	found := false
	for _, s := range r.suggestions {
		if len(statuses) > 0 && !slices.Contains(statuses, s.Status) {
			continue
		}
		if !found || s.CreatedAt.After(last) {
			last = s.CreatedAt
			found = true
		}
	}
	return last, found, nil
}

func (r *revenueRepositoryInMemory) AppendChangeLog(_ context.Context, entry domain.ChangeLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	r.changeLog = append(r.changeLog, entry)
	return nil
}

func (r *revenueRepositoryInMemory) ChangeLog(_ context.Context, suggestionID string) ([]domain.ChangeLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.ChangeLogEntry, 0)
	for _, e := range r.changeLog {
		if e.SuggestionID == suggestionID {
			result = append(result, e)
		}
	}
	return result, nil
}

func cloneSuggestion(s domain.Suggestion) domain.Suggestion {
	out := s
	if s.Impact != nil {
		impact := *s.Impact
		out.Impact = &impact
	}
	if s.Baseline != nil {
		baseline := *s.Baseline
		out.Baseline = &baseline
	}
	if s.MonitorUntil != nil {
		out.MonitorUntil = domain.TimePtr(*s.MonitorUntil)
	}
	return out
}

var (
	_ domain.SystemConfigRepository = (*systemConfigInMemory)(nil)
	_ domain.RevenueRepository      = (*revenueRepositoryInMemory)(nil)
)

package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type experimentRepositoryInMemory struct {
	mu          sync.RWMutex
	experiments map[string]domain.Experiment
	assignments map[string]domain.Assignment
}

// NewExperimentRepository создаёт in-memory хранилище A/B экспериментов.
func NewExperimentRepository() domain.ExperimentRepository {
	return &experimentRepositoryInMemory{
		experiments: make(map[string]domain.Experiment),
		assignments: make(map[string]domain.Assignment),
	}
}

func (r *experimentRepositoryInMemory) GetExperiment(_ context.Context, id string) (domain.Experiment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exp, ok := r.experiments[id]
	if !ok {
		return domain.Experiment{}, domain.ErrExperimentNotFound
	}
	exp.Variants = slices.Clone(exp.Variants)
	return exp, nil
}

func (r *experimentRepositoryInMemory) PutExperiment(_ context.Context, exp domain.Experiment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp.Variants = slices.Clone(exp.Variants)
	r.experiments[exp.ID] = exp
	return nil
}

func (r *experimentRepositoryInMemory) GetAssignment(_ context.Context, expID, unit string) (domain.Assignment, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assignments[expID+"|"+unit]
	return a, ok, nil
}

func (r *experimentRepositoryInMemory) InsertAssignment(_ context.Context, a domain.Assignment) (domain.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := a.ExpID + "|" + a.Unit
	if existing, ok := r.assignments[key]; ok {
		return existing, nil
	}
	r.assignments[key] = a
	return a, nil
}

var _ domain.ExperimentRepository = (*experimentRepositoryInMemory)(nil)

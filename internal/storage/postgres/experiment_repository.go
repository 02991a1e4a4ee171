package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type experimentRepository struct {
	db *sql.DB
}

// NewExperimentRepository создаёт хранилище A/B экспериментов с закреплёнными назначениями.
func NewExperimentRepository(store *Store) domain.ExperimentRepository {
	return &experimentRepository{db: store.DB()}
}

func (r *experimentRepository) GetExperiment(ctx context.Context, id string) (domain.Experiment, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var exp domain.Experiment
	if err := scanDocument(r.db.QueryRowContext(ctx, `SELECT document FROM experiments WHERE id = $1`, id), &exp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Experiment{}, domain.ErrExperimentNotFound
		}
		return domain.Experiment{}, fmt.Errorf("get experiment: %w", err)
	}
	return exp, nil
}

func (r *experimentRepository) PutExperiment(ctx context.Context, exp domain.Experiment) error {
	doc, err := jsonb(exp)
	if err != nil {
		return err
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	_, err = r.db.ExecContext(ctx, `INSERT INTO experiments (id, document) VALUES ($1, $2::jsonb)
ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document`, exp.ID, doc)
	if err != nil {
		return fmt.Errorf("put experiment: %w", err)
	}
	return nil
}

func (r *experimentRepository) GetAssignment(ctx context.Context, expID, unit string) (domain.Assignment, bool, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	a, err := getAssignment(ctx, r.db, expID, unit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Assignment{}, false, nil
		}
		return domain.Assignment{}, false, fmt.Errorf("get assignment: %w", err)
	}
	return a, true, nil
}

func getAssignment(ctx context.Context, q queryer, expID, unit string) (domain.Assignment, error) {
	a := domain.Assignment{ExpID: expID, Unit: unit}
	err := q.QueryRowContext(ctx, `SELECT variant, created_at FROM experiment_assignments WHERE exp_id = $1 AND unit = $2`,
		expID, unit).Scan(&a.Variant, &a.CreatedAt)
	if err != nil {
		return domain.Assignment{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

// InsertAssignment: первый записавший выигрывает, проигравший получает его вариант.
func (r *experimentRepository) InsertAssignment(ctx context.Context, a domain.Assignment) (domain.Assignment, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `INSERT INTO experiment_assignments (exp_id, unit, variant, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (exp_id, unit) DO NOTHING`, a.ExpID, a.Unit, a.Variant, a.CreatedAt.UTC())
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	stored, err := getAssignment(ctx, r.db, a.ExpID, a.Unit)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("load assignment: %w", err)
	}
	return stored, nil
}

var _ domain.ExperimentRepository = (*experimentRepository)(nil)

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type revenueRepository struct {
	db *sql.DB
}

// NewRevenueRepository создаёт хранилище снимков, предложений и журнала изменений ROE.
func NewRevenueRepository(store *Store) domain.RevenueRepository {
	return &revenueRepository{db: store.DB()}
}

func (r *revenueRepository) InsertSnapshot(ctx context.Context, s domain.Snapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	doc, err := jsonb(s)
	if err != nil {
		return err
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `INSERT INTO roe_snapshots (id, document, created_at) VALUES ($1, $2::jsonb, $3)`,
		s.ID, doc, s.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

func (r *revenueRepository) LatestSnapshot(ctx context.Context) (domain.Snapshot, bool, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var s domain.Snapshot
	if err := scanDocument(r.db.QueryRowContext(ctx, `SELECT document FROM roe_snapshots ORDER BY seq DESC LIMIT 1`), &s); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Snapshot{}, false, nil
		}
		return domain.Snapshot{}, false, fmt.Errorf("latest snapshot: %w", err)
	}
	return s, true, nil
}

func (r *revenueRepository) InsertSuggestion(ctx context.Context, s domain.Suggestion) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	doc, err := jsonb(s)
	if err != nil {
		return err
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `INSERT INTO roe_suggestions (id, status, document, created_at) VALUES ($1, $2, $3::jsonb, $4)`,
		s.ID, string(s.Status), doc, s.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}
	return nil
}

func getSuggestion(ctx context.Context, q queryer, query, id string) (domain.Suggestion, error) {
	var s domain.Suggestion
	if err := scanDocument(q.QueryRowContext(ctx, query, id), &s); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Suggestion{}, domain.ErrSuggestionNotFound
		}
		return domain.Suggestion{}, fmt.Errorf("get suggestion: %w", err)
	}
	return s, nil
}

func (r *revenueRepository) GetSuggestion(ctx context.Context, id string) (domain.Suggestion, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return getSuggestion(ctx, r.db, `SELECT document FROM roe_suggestions WHERE id = $1`, id)
}

func (r *revenueRepository) ListSuggestions(ctx context.Context, statuses []domain.SuggestionStatus, limit int) ([]domain.Suggestion, error) {
	query := `SELECT document FROM roe_suggestions`
	var args []any
	if len(statuses) > 0 {
		args = append(args, stringArray(statuses))
		query += ` WHERE status = ANY($1)`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	return collectDocuments[domain.Suggestion](rows)
}

func (r *revenueRepository) UpdateSuggestion(ctx context.Context, id string, mutate func(*domain.Suggestion) error) (domain.Suggestion, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var updated domain.Suggestion
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := getSuggestion(ctx, tx, `SELECT document FROM roe_suggestions WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}
		next := current
		if err := mutate(&next); err != nil {
			return err
		}
		next.ID = current.ID

		doc, err := jsonb(next)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE roe_suggestions SET status = $2, document = $3::jsonb WHERE id = $1`,
			id, string(next.Status), doc); err != nil {
			return fmt.Errorf("update suggestion: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Suggestion{}, err
	}
	return updated, nil
}

func (r *revenueRepository) LastSuggestionAt(ctx context.Context, statuses []domain.SuggestionStatus) (time.Time, bool, error) {
	query := `SELECT MAX(created_at) FROM roe_suggestions`
	var args []any
	if len(statuses) > 0 {
		args = append(args, stringArray(statuses))
		query += ` WHERE status = ANY($1)`
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	var last sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("last suggestion time: %w", err)
	}
	if !last.Valid {
		return time.Time{}, false, nil
	}
	return last.Time.UTC(), true, nil
}

func (r *revenueRepository) AppendChangeLog(ctx context.Context, entry domain.ChangeLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `INSERT INTO roe_change_log (id, suggestion_id, param, previous, next, actor, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.SuggestionID, entry.Param, entry.Previous, entry.Next, entry.Actor, entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}

func (r *revenueRepository) ChangeLog(ctx context.Context, suggestionID string) ([]domain.ChangeLogEntry, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `SELECT id, suggestion_id, param, previous, next, actor, created_at
FROM roe_change_log WHERE suggestion_id = $1 ORDER BY seq`, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("list change log: %w", err)
	}
	defer rows.Close()

	result := make([]domain.ChangeLogEntry, 0)
	for rows.Next() {
		var e domain.ChangeLogEntry
		if err := rows.Scan(&e.ID, &e.SuggestionID, &e.Param, &e.Previous, &e.Next, &e.Actor, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change log: %w", err)
	}
	return result, nil
}

var _ domain.RevenueRepository = (*revenueRepository)(nil)

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type policyRepository struct {
	db *sql.DB
}

// NewPolicyRepository создаёт хранилище предложений policy engine и их аудита.
func NewPolicyRepository(store *Store) domain.PolicyRepository {
	return &policyRepository{db: store.DB()}
}

func (r *policyRepository) InsertAction(ctx context.Context, action domain.PolicyAction) (domain.PolicyAction, bool, error) {
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	doc, err := jsonb(action)
	if err != nil {
		return domain.PolicyAction{}, false, err
	}

	opCtx, cancel := opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(opCtx, `INSERT INTO policy_actions (id, status, target, dedupe_key, document, created_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)
ON CONFLICT (dedupe_key) DO NOTHING`,
		action.ID, string(action.Status), action.Target, nullString(action.DedupeKey), doc, action.CreatedAt.UTC())
	if err != nil {
		return domain.PolicyAction{}, false, fmt.Errorf("insert policy action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return action, true, nil
	}

	existing, err := getPolicyAction(opCtx, r.db, `SELECT document FROM policy_actions WHERE dedupe_key = $1`, action.DedupeKey)
	if err != nil {
		return domain.PolicyAction{}, false, err
	}
	return existing, false, nil
}

func getPolicyAction(ctx context.Context, q queryer, query string, arg string) (domain.PolicyAction, error) {
	var a domain.PolicyAction
	if err := scanDocument(q.QueryRowContext(ctx, query, arg), &a); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PolicyAction{}, domain.ErrPolicyActionNotFound
		}
		return domain.PolicyAction{}, fmt.Errorf("get policy action: %w", err)
	}
	return a, nil
}

func (r *policyRepository) GetAction(ctx context.Context, id string) (domain.PolicyAction, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return getPolicyAction(ctx, r.db, `SELECT document FROM policy_actions WHERE id = $1`, id)
}

func (r *policyRepository) ListActions(ctx context.Context, status domain.PolicyActionStatus, limit int) ([]domain.PolicyAction, error) {
	query := `SELECT document FROM policy_actions WHERE ($1::text = '' OR status = $1) ORDER BY created_at DESC, id DESC`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list policy actions: %w", err)
	}
	return collectDocuments[domain.PolicyAction](rows)
}

func (r *policyRepository) UpdateAction(ctx context.Context, id string, mutate func(*domain.PolicyAction) error) (domain.PolicyAction, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var updated domain.PolicyAction
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := getPolicyAction(ctx, tx, `SELECT document FROM policy_actions WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}
		next := current
		if err := mutate(&next); err != nil {
			return err
		}
		next.ID = current.ID
		next.DedupeKey = current.DedupeKey

		doc, err := jsonb(next)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE policy_actions SET status = $2, target = $3, document = $4::jsonb WHERE id = $1`,
			id, string(next.Status), next.Target, doc); err != nil {
			return fmt.Errorf("update policy action: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.PolicyAction{}, err
	}
	return updated, nil
}

func (r *policyRepository) AppendAudit(ctx context.Context, audit domain.PolicyAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `INSERT INTO policy_audit (id, target, action, actor, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, audit.ID, audit.Target, audit.Action, audit.Actor, audit.Reason, audit.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append policy audit: %w", err)
	}
	return nil
}

func (r *policyRepository) ListAudit(ctx context.Context, target string, limit int) ([]domain.PolicyAudit, error) {
	query := `SELECT id, target, action, actor, reason, created_at FROM policy_audit
WHERE ($1::text = '' OR target = $1)
ORDER BY seq DESC`
	args := []any{target}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list policy audit: %w", err)
	}
	defer rows.Close()

	result := make([]domain.PolicyAudit, 0)
	for rows.Next() {
		var a domain.PolicyAudit
		if err := rows.Scan(&a.ID, &a.Target, &a.Action, &a.Actor, &a.Reason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan policy audit: %w", err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policy audit: %w", err)
	}
	return result, nil
}

var _ domain.PolicyRepository = (*policyRepository)(nil)

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт хранилище idempotency-ключей.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

const idempotencyColumns = `key_hash, payload_hash, status, result, http_status, ttl_at, created_at, updated_at`

func scanIdempotency(row rowScanner) (domain.IdempotencyRecord, error) {
	var (
		rec        domain.IdempotencyRecord
		status     string
		result     []byte
		httpStatus sql.NullInt64
	)
	if err := row.Scan(&rec.KeyHash, &rec.PayloadHash, &status, &result, &httpStatus, &rec.TTLAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	rec.Status = domain.IdempotencyStatus(status)
	rec.Result = result
	rec.HTTPStatus = int(httpStatus.Int64)
	rec.TTLAt = rec.TTLAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// CreateLocked захватывает ключ. Просроченная запись перезаписывается в той же транзакции.
func (r *idempotencyRepository) CreateLocked(ctx context.Context, keyHash, payloadHash string, ttlAt, now time.Time) (domain.IdempotencyRecord, error) {
	keyHash = strings.TrimSpace(keyHash)
	payloadHash = strings.TrimSpace(payloadHash)
	if keyHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if payloadHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}
	if ttlAt.IsZero() {
		ttlAt = now.Add(domain.DefaultIdempotencyTTL)
	}
	record := domain.IdempotencyRecord{
		KeyHash:     keyHash,
		PayloadHash: payloadHash,
		Status:      domain.IdempotencyStatusLocked,
		TTLAt:       ttlAt.UTC(),
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	var existing *domain.IdempotencyRecord
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO idempotency_keys (`+idempotencyColumns+`)
VALUES ($1, $2, $3, NULL, NULL, $4, $5, $5)
ON CONFLICT (key_hash) DO UPDATE SET
    payload_hash = EXCLUDED.payload_hash,
    status = EXCLUDED.status,
    result = NULL,
    http_status = NULL,
    ttl_at = EXCLUDED.ttl_at,
    created_at = EXCLUDED.created_at,
    updated_at = EXCLUDED.updated_at
WHERE idempotency_keys.ttl_at <= $5`,
			keyHash, payloadHash, string(domain.IdempotencyStatusLocked), record.TTLAt, record.CreatedAt)
		if err != nil {
			return fmt.Errorf("lock idempotency key: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}

		current, err := scanIdempotency(tx.QueryRowContext(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key_hash = $1`, keyHash))
		if err != nil {
			return fmt.Errorf("load idempotency key: %w", err)
		}
		existing = &current
		return nil
	})
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if existing != nil {
		if existing.PayloadHash != payloadHash {
			return *existing, domain.ErrIdempotencyPayloadMismatch
		}
		return *existing, domain.ErrIdempotencyKeyAlreadyExists
	}
	return record, nil
}

func (r *idempotencyRepository) Get(ctx context.Context, keyHash string) (domain.IdempotencyRecord, error) {
	keyHash = strings.TrimSpace(keyHash)
	if keyHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	rec, err := scanIdempotency(r.db.QueryRowContext(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key_hash = $1`, keyHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
		}
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency key: %w", err)
	}
	return rec, nil
}

func (r *idempotencyRepository) MarkDone(ctx context.Context, keyHash string, result []byte, httpStatus int, now time.Time) error {
	return r.markStatus(ctx, keyHash, domain.IdempotencyStatusDone, result, httpStatus, now)
}

func (r *idempotencyRepository) MarkFailed(ctx context.Context, keyHash string, result []byte, httpStatus int, now time.Time) error {
	return r.markStatus(ctx, keyHash, domain.IdempotencyStatusFailed, result, httpStatus, now)
}

func (r *idempotencyRepository) markStatus(ctx context.Context, keyHash string, status domain.IdempotencyStatus, result []byte, httpStatus int, now time.Time) error {
	keyHash = strings.TrimSpace(keyHash)
	if keyHash == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE idempotency_keys
SET status = $2, result = $3, http_status = $4, updated_at = $5
WHERE key_hash = $1`, keyHash, string(status), result, httpStatus, now.UTC())
	if err != nil {
		return fmt.Errorf("mark idempotency key %s: %w", status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

func (r *idempotencyRepository) Relock(ctx context.Context, keyHash string, ttlAt, now time.Time) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `UPDATE idempotency_keys
SET status = $2, result = NULL, http_status = NULL, ttl_at = $3, updated_at = $4
WHERE key_hash = $1 AND status = $5`,
		keyHash, string(domain.IdempotencyStatusLocked), ttlAt.UTC(), now.UTC(), string(domain.IdempotencyStatusFailed))
	if err != nil {
		return fmt.Errorf("relock idempotency key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// Ноль строк: ключа нет или он не FAILED.
	if _, err := r.Get(ctx, keyHash); err != nil {
		return err
	}
	return domain.ErrIdempotencyInProgress
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	query := `DELETE FROM idempotency_keys WHERE ttl_at <= $1`
	args := []any{before.UTC()}
	if limit > 0 {
		query = `DELETE FROM idempotency_keys WHERE key_hash IN (
    SELECT key_hash FROM idempotency_keys WHERE ttl_at <= $1 ORDER BY ttl_at LIMIT $2
)`
		args = append(args, limit)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)

package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type outboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository создаёт durable outbox. Порядок выдачи: created_at, затем seq.
func NewOutboxRepository(store *Store) domain.OutboxRepository {
	return &outboxRepository{db: store.DB()}
}

const outboxColumns = `id, kind, type, channel, recipient, template, payload, dedupe_key, status, attempts,
    next_retry_at, fail_reason, reply_markup, meta, created_at, updated_at, sent_at`

func scanOutbox(row rowScanner) (domain.OutboxMessage, error) {
	var (
		msg                   domain.OutboxMessage
		kind, channel, status string
		payload, markup, meta []byte
		nextRetry, sent       sql.NullTime
	)
	err := row.Scan(&msg.ID, &kind, &msg.Type, &channel, &msg.To, &msg.Template, &payload, &msg.DedupeKey,
		&status, &msg.Attempts, &nextRetry, &msg.FailReason, &markup, &meta, &msg.CreatedAt, &msg.UpdatedAt, &sent)
	if err != nil {
		return domain.OutboxMessage{}, err
	}
	msg.Kind = domain.OutboxKind(kind)
	msg.Channel = domain.Channel(channel)
	msg.Status = domain.OutboxStatus(status)
	msg.Payload = payload
	msg.NextRetryAt = timePtr(nextRetry)
	msg.SentAt = timePtr(sent)
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = msg.UpdatedAt.UTC()
	if len(markup) > 0 {
		msg.ReplyMarkup = &domain.ReplyMarkup{}
		if err := json.Unmarshal(markup, msg.ReplyMarkup); err != nil {
			return domain.OutboxMessage{}, fmt.Errorf("unmarshal reply markup: %w", err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &msg.Meta); err != nil {
			return domain.OutboxMessage{}, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	return msg, nil
}

func collectOutbox(rows *sql.Rows) ([]domain.OutboxMessage, error) {
	defer rows.Close()
	result := make([]domain.OutboxMessage, 0)
	for rows.Next() {
		msg, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	return result, nil
}

// Enqueue вставляет PENDING сообщение; конфликт dedupe_key возвращает существующее.
func (r *outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.EnqueueResult, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.DedupeKey == "" {
		msg.DedupeKey = msg.ID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.UpdatedAt = msg.CreatedAt
	msg.Status = domain.OutboxStatusPending
	msg.Attempts = 0

	var markup, meta any
	if msg.ReplyMarkup != nil {
		doc, err := jsonb(msg.ReplyMarkup)
		if err != nil {
			return domain.EnqueueResult{}, err
		}
		markup = doc
	}
	if len(msg.Meta) > 0 {
		doc, err := jsonb(msg.Meta)
		if err != nil {
			return domain.EnqueueResult{}, err
		}
		meta = doc
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO outbox_messages
    (id, kind, type, channel, recipient, template, payload, dedupe_key, status, attempts, reply_markup, meta, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, 0, $10::jsonb, $11::jsonb, $12, $12)
ON CONFLICT (dedupe_key) DO NOTHING`,
		msg.ID, string(msg.Kind), msg.Type, string(msg.Channel), msg.To, msg.Template, rawJSON(msg.Payload),
		msg.DedupeKey, string(msg.Status), markup, meta, msg.CreatedAt.UTC())
	if err != nil {
		return domain.EnqueueResult{}, fmt.Errorf("enqueue outbox message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return domain.EnqueueResult{Inserted: true, Message: msg}, nil
	}

	existing, err := r.GetByDedupeKey(ctx, msg.DedupeKey)
	if err != nil {
		return domain.EnqueueResult{}, err
	}
	return domain.EnqueueResult{Inserted: false, Message: existing}, nil
}

func (r *outboxRepository) Pick(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.list(ctx, `SELECT `+outboxColumns+` FROM outbox_messages
WHERE status = 'PENDING' OR (status = 'FAILED' AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
ORDER BY created_at, seq
LIMIT $2`, now.UTC(), limit)
}

// MarkSent дополняет meta ключами доставки через jsonb-конкатенацию.
func (r *outboxRepository) MarkSent(ctx context.Context, id string, meta map[string]string, now time.Time) error {
	var patch any
	if len(meta) > 0 {
		doc, err := jsonb(meta)
		if err != nil {
			return err
		}
		patch = doc
	}
	return r.exec(ctx, `UPDATE outbox_messages SET
    status = 'SENT', attempts = attempts + 1, next_retry_at = NULL, fail_reason = '',
    sent_at = $2, updated_at = $2,
    meta = CASE WHEN $3::jsonb IS NULL THEN meta ELSE COALESCE(meta, '{}'::jsonb) || $3::jsonb END
WHERE id = $1`, id, now.UTC(), patch)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id, reason string, attempts int, nextRetryAt *time.Time, now time.Time) error {
	return r.exec(ctx, `UPDATE outbox_messages SET
    status = 'FAILED', attempts = $2, fail_reason = $3, next_retry_at = $4, updated_at = $5
WHERE id = $1`, id, attempts, reason, nullTime(nextRetryAt), now.UTC())
}

func (r *outboxRepository) exec(ctx context.Context, query string, args ...any) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrOutboxMessageNotFound
	}
	return nil
}

func (r *outboxRepository) Get(ctx context.Context, id string) (domain.OutboxMessage, error) {
	return r.getOne(ctx, `SELECT `+outboxColumns+` FROM outbox_messages WHERE id = $1`, id)
}

func (r *outboxRepository) GetByDedupeKey(ctx context.Context, dedupeKey string) (domain.OutboxMessage, error) {
	return r.getOne(ctx, `SELECT `+outboxColumns+` FROM outbox_messages WHERE dedupe_key = $1`, dedupeKey)
}

func (r *outboxRepository) getOne(ctx context.Context, query string, arg string) (domain.OutboxMessage, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	msg, err := scanOutbox(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.OutboxMessage{}, domain.ErrOutboxMessageNotFound
		}
		return domain.OutboxMessage{}, fmt.Errorf("get outbox message: %w", err)
	}
	return msg, nil
}

func (r *outboxRepository) ListByDedupePrefix(ctx context.Context, prefix string, since time.Time, limit int) ([]domain.OutboxMessage, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox_messages
WHERE dedupe_key LIKE $1 AND created_at >= $2
ORDER BY created_at, seq`
	args := []any{escapeLike(prefix) + "%", since.UTC()}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	return r.list(ctx, query, args...)
}

// escapeLike экранирует спецсимволы LIKE в префиксе.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *outboxRepository) RequeueDead(ctx context.Context, now time.Time, limit int) (int, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	query := `UPDATE outbox_messages SET status = 'PENDING', attempts = 0, fail_reason = '', updated_at = $1
WHERE id IN (
    SELECT id FROM outbox_messages
    WHERE status = 'FAILED' AND next_retry_at IS NULL
    ORDER BY created_at, seq`
	args := []any{now.UTC()}
	if limit > 0 {
		query += `
    LIMIT $2`
		args = append(args, limit)
	}
	query += `
)`
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("requeue dead outbox messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, `SELECT
    COUNT(*) FILTER (WHERE status = 'PENDING'),
    MIN(created_at) FILTER (WHERE status = 'PENDING'),
    COUNT(*) FILTER (WHERE status = 'FAILED' AND next_retry_at IS NULL)
FROM outbox_messages`).Scan(&stats.PendingCount, &oldest, &stats.DeadCount)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) list(ctx context.Context, query string, args ...any) ([]domain.OutboxMessage, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages: %w", err)
	}
	return collectOutbox(rows)
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)

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

type eventRepository struct {
	db *sql.DB
}

// NewEventRepository создаёт журнал событий провайдеров.
func NewEventRepository(store *Store) domain.EventRepository {
	return &eventRepository{db: store.DB()}
}

const eventColumns = `id, provider, event_id, signature_hash, order_id, type, status, fail_reason, raw, result, created_at, updated_at`

func scanEvent(row rowScanner) (domain.ProviderEvent, error) {
	var (
		ev        domain.ProviderEvent
		signature sql.NullString
		status    string
		raw       []byte
		result    []byte
	)
	err := row.Scan(&ev.ID, &ev.Provider, &ev.EventID, &signature, &ev.OrderID, &ev.Type, &status,
		&ev.FailReason, &raw, &result, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return domain.ProviderEvent{}, err
	}
	ev.SignatureHash = signature.String
	ev.Status = domain.EventStatus(status)
	ev.Raw = raw
	ev.Result = result
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.UpdatedAt = ev.UpdatedAt.UTC()
	return ev, nil
}

// Insert полагается на уникальные индексы: конфликт по любому из них возвращает существующую запись.
func (r *eventRepository) Insert(ctx context.Context, event domain.ProviderEvent) (domain.ProviderEvent, bool, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = domain.EventStatusReceived
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO provider_events (`+eventColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT DO NOTHING`,
		event.ID, event.Provider, event.EventID, nullString(event.SignatureHash), event.OrderID, event.Type,
		string(event.Status), event.FailReason, []byte(event.Raw), []byte(event.Result),
		event.CreatedAt.UTC(), event.UpdatedAt.UTC())
	if err != nil {
		return domain.ProviderEvent{}, false, fmt.Errorf("insert provider event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return event, true, nil
	}

	existing, err := scanEvent(r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM provider_events
WHERE (provider = $1 AND event_id = $2) OR ($3::text IS NOT NULL AND signature_hash = $3)
ORDER BY created_at
LIMIT 1`, event.Provider, event.EventID, nullString(event.SignatureHash)))
	if err != nil {
		return domain.ProviderEvent{}, false, fmt.Errorf("load duplicate provider event: %w", err)
	}
	return existing, false, nil
}

func (r *eventRepository) Get(ctx context.Context, provider, eventID string) (domain.ProviderEvent, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	ev, err := scanEvent(r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM provider_events
WHERE provider = $1 AND event_id = $2`, provider, eventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ProviderEvent{}, domain.ErrEventNotFound
		}
		return domain.ProviderEvent{}, fmt.Errorf("get provider event: %w", err)
	}
	return ev, nil
}

func (r *eventRepository) MarkProcessed(ctx context.Context, id string, result []byte, now time.Time) error {
	return r.mark(ctx, `UPDATE provider_events SET status = $2, result = $3, fail_reason = '', updated_at = $4 WHERE id = $1`,
		id, string(domain.EventStatusProcessed), result, now.UTC())
}

func (r *eventRepository) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	return r.mark(ctx, `UPDATE provider_events SET status = $2, fail_reason = $3, updated_at = $4 WHERE id = $1`,
		id, string(domain.EventStatusFailed), reason, now.UTC())
}

func (r *eventRepository) mark(ctx context.Context, query string, args ...any) error {
	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update provider event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrEventNotFound
	}
	return nil
}

func (r *eventRepository) CountProcessed(ctx context.Context, provider, eventID string) (int, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM provider_events
WHERE provider = $1 AND event_id = $2 AND status = $3`, provider, eventID, string(domain.EventStatusProcessed)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count processed events: %w", err)
	}
	return count, nil
}

type paymentAuditRepository struct {
	db *sql.DB
}

// NewPaymentAuditRepository создаёт журнал сырых webhook.
func NewPaymentAuditRepository(store *Store) domain.PaymentAuditRepository {
	return &paymentAuditRepository{db: store.DB()}
}

func (r *paymentAuditRepository) Append(ctx context.Context, entry domain.PaymentAuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	raw := entry.Raw
	if raw == nil {
		raw = []byte{}
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `INSERT INTO payment_audit (id, provider, raw, signature_valid, outcome, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`, entry.ID, entry.Provider, raw, entry.SignatureValid, entry.Outcome, entry.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append payment audit: %w", err)
	}
	return nil
}

func (r *paymentAuditRepository) List(ctx context.Context, limit int) ([]domain.PaymentAuditEntry, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	query := `SELECT id, provider, raw, signature_valid, outcome, created_at FROM payment_audit ORDER BY seq DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payment audit: %w", err)
	}
	defer rows.Close()

	result := make([]domain.PaymentAuditEntry, 0)
	for rows.Next() {
		var e domain.PaymentAuditEntry
		if err := rows.Scan(&e.ID, &e.Provider, &e.Raw, &e.SignatureValid, &e.Outcome, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan payment audit: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment audit: %w", err)
	}
	return result, nil
}

var (
	_ domain.EventRepository        = (*eventRepository)(nil)
	_ domain.PaymentAuditRepository = (*paymentAuditRepository)(nil)
)

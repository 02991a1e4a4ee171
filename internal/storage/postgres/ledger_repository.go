package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type ledgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository создаёт append-only журнал с уникальностью (order_id, type, ref).
func NewLedgerRepository(store *Store) domain.LedgerRepository {
	return &ledgerRepository{db: store.DB()}
}

func (r *ledgerRepository) Append(ctx context.Context, entry domain.LedgerEntry) (bool, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Direction == "" {
		entry.Direction = domain.DirectionOf(entry.Type)
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `INSERT INTO ledger_entries
    (id, order_id, type, ref, direction, amount_minor, currency, meta, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
ON CONFLICT (order_id, type, ref) DO NOTHING`,
		entry.ID, entry.OrderID, string(entry.Type), entry.Ref, string(entry.Direction),
		entry.AmountMinor, entry.Currency, rawJSON(entry.Meta), entry.CreatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("append ledger entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *ledgerRepository) List(ctx context.Context, filter domain.LedgerFilter) ([]domain.LedgerEntry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.OrderID != "" {
		where = append(where, "order_id = "+arg(filter.OrderID))
	}
	if len(filter.Types) > 0 {
		where = append(where, "type = ANY("+arg(stringArray(filter.Types))+")")
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= "+arg(filter.From.UTC()))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at < "+arg(filter.To.UTC()))
	}

	query := `SELECT id, order_id, type, ref, direction, amount_minor, currency, meta, created_at FROM ledger_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY seq`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	result := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var (
			e              domain.LedgerEntry
			typ, direction string
			meta           []byte
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &typ, &e.Ref, &direction, &e.AmountMinor, &e.Currency, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.Type = domain.LedgerType(typ)
		e.Direction = domain.Direction(direction)
		e.Meta = meta
		e.CreatedAt = e.CreatedAt.UTC()
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return result, nil
}

var _ domain.LedgerRepository = (*ledgerRepository)(nil)

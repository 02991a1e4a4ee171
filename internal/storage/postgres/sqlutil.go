package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// queryer — общее у *sql.DB и *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// jsonb сериализует документ для колонки JSONB.
func jsonb(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	return string(data), nil
}

// rawJSON возвращает json.RawMessage как параметр JSONB; пустое значение даёт NULL.
func rawJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// stringArray готовит срез для `= ANY($n)`.
func stringArray[T ~string](values []T) any {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return pq.Array(out)
}

// rowScanner — общее у *sql.Row и *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument[T any](row rowScanner, dst *T) error {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("unmarshal document: %w", err)
	}
	return nil
}

func collectDocuments[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	result := make([]T, 0)
	for rows.Next() {
		var item T
		if err := scanDocument(rows, &item); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return result, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// orderRepository хранит документ заказа в JSONB и дублирует поля выборок в колонках.
type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт репозиторий заказов поверх PostgreSQL.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

const orderColumns = `id, user_id, phone, city, status, ttn, payment_method, payment_mode,
    returns_stage, returns_updated_at, version, document, created_at, updated_at`

func orderArgs(o domain.Order) ([]any, error) {
	doc, err := jsonb(o)
	if err != nil {
		return nil, err
	}
	return []any{
		o.ID,
		o.UserID,
		o.Shipping.Phone,
		strings.TrimSpace(o.Shipping.City),
		string(o.Status),
		o.TTN(),
		string(o.PaymentMethod),
		string(o.PaymentPolicy.Mode),
		string(o.Returns.Stage),
		nullTime(o.Returns.UpdatedAt),
		o.Version,
		doc,
		o.CreatedAt.UTC(),
		o.UpdatedAt.UTC(),
	}, nil
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	if order.Version == 0 {
		order.Version = 1
	}
	if order.Returns.Stage == "" {
		order.Returns.Stage = domain.ReturnStageNone
	}
	args, err := orderArgs(order)
	if err != nil {
		return err
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	_, err = r.db.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14)`, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: order %s already exists", domain.ErrOrderConflict, order.ID)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return getOrder(ctx, r.db, id, false)
}

func getOrder(ctx context.Context, q queryer, id string, forUpdate bool) (domain.Order, error) {
	query := `SELECT document FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var order domain.Order
	if err := scanDocument(q.QueryRowContext(ctx, query, id), &order); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

func (r *orderRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Order, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	query := `SELECT document FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders by user: %w", err)
	}
	return collectDocuments[domain.Order](rows)
}

func (r *orderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		where = append(where, "status = ANY("+arg(stringArray(filter.Statuses))+")")
	}
	if !filter.CreatedAfter.IsZero() {
		where = append(where, "created_at >= "+arg(filter.CreatedAfter.UTC()))
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+arg(filter.CreatedBefore.UTC()))
	}
	if filter.Phone != "" {
		where = append(where, "phone = "+arg(filter.Phone))
	}
	if filter.WithTTN {
		where = append(where, "ttn <> ''")
	}

	query := `SELECT document FROM orders`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return collectDocuments[domain.Order](rows)
}

// Update блокирует строку (FOR UPDATE), проверяет guard и пишет новую версию.
func (r *orderRepository) Update(ctx context.Context, id string, guard domain.OrderGuard, mutate func(*domain.Order) error) (domain.Order, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var updated domain.Order
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := getOrder(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if err := guard.Verify(current); err != nil {
			return err
		}

		next := current.Clone()
		if err := mutate(&next); err != nil {
			return err
		}
		next.ID = current.ID
		next.Version = current.Version + 1

		args, err := orderArgs(next)
		if err != nil {
			return err
		}
		// created_at (args[12]) не перезаписывается.
		_, err = tx.ExecContext(ctx, `UPDATE orders SET
    user_id = $2, phone = $3, city = $4, status = $5, ttn = $6, payment_method = $7, payment_mode = $8,
    returns_stage = $9, returns_updated_at = $10, version = $11, document = $12::jsonb, updated_at = $13
WHERE id = $1`, append(args[:12:12], args[13])...)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)

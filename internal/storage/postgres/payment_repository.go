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

type paymentRepository struct {
	db *sql.DB
}

// NewPaymentRepository создаёт репозиторий платежей. Единственность активного
// платежа держит частичный индекс ux_payments_active.
func NewPaymentRepository(store *Store) domain.PaymentRepository {
	return &paymentRepository{db: store.DB()}
}

func paymentArgs(p domain.Payment) ([]any, error) {
	doc, err := jsonb(p)
	if err != nil {
		return nil, err
	}
	return []any{
		p.ID,
		p.OrderID,
		string(p.Purpose),
		p.Provider,
		string(p.Status),
		p.AmountMinor,
		p.ProviderOrderID,
		doc,
		p.CreatedAt.UTC(),
		p.UpdatedAt.UTC(),
	}, nil
}

func (r *paymentRepository) CreateOrGetActive(ctx context.Context, payment domain.Payment) (domain.Payment, bool, error) {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	args, err := paymentArgs(payment)
	if err != nil {
		return domain.Payment{}, false, err
	}

	opCtx, cancel := opContext(ctx)
	defer cancel()

	_, err = r.db.ExecContext(opCtx, `INSERT INTO payments
    (id, order_id, purpose, provider, status, amount_minor, provider_order_id, document, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)`, args...)
	if err == nil {
		return payment, true, nil
	}
	if !isUniqueViolation(err) {
		return domain.Payment{}, false, fmt.Errorf("insert payment: %w", err)
	}

	existing, findErr := r.FindActive(ctx, payment.OrderID, payment.Purpose)
	if findErr != nil {
		return domain.Payment{}, false, fmt.Errorf("payment %s conflicts with existing row: %w", payment.ID, findErr)
	}
	return existing, false, nil
}

func (r *paymentRepository) Get(ctx context.Context, id string) (domain.Payment, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return getPayment(ctx, r.db, `SELECT document FROM payments WHERE id = $1`, id)
}

func (r *paymentRepository) FindActive(ctx context.Context, orderID string, purpose domain.PaymentPurpose) (domain.Payment, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return getPayment(ctx, r.db, `SELECT document FROM payments
WHERE order_id = $1 AND purpose = $2 AND status IN ('CREATED', 'PENDING')`, orderID, string(purpose))
}

func getPayment(ctx context.Context, q queryer, query string, args ...any) (domain.Payment, error) {
	var p domain.Payment
	if err := scanDocument(q.QueryRowContext(ctx, query, args...), &p); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (r *paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	return r.list(ctx, `SELECT document FROM payments WHERE order_id = $1 ORDER BY created_at, id`, orderID)
}

func (r *paymentRepository) ListActive(ctx context.Context, createdAfter time.Time, limit int) ([]domain.Payment, error) {
	query := `SELECT document FROM payments
WHERE status IN ('CREATED', 'PENDING') AND created_at >= $1
ORDER BY created_at, id`
	args := []any{createdAfter.UTC()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return r.list(ctx, query, args...)
}

func (r *paymentRepository) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.Payment, error) {
	return r.list(ctx, `SELECT document FROM payments
WHERE created_at >= $1 AND created_at < $2
ORDER BY created_at, id`, from.UTC(), to.UTC())
}

func (r *paymentRepository) list(ctx context.Context, query string, args ...any) ([]domain.Payment, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	return collectDocuments[domain.Payment](rows)
}

func (r *paymentRepository) Update(ctx context.Context, id string, mutate func(*domain.Payment) error) (domain.Payment, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var updated domain.Payment
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		current, err := getPayment(ctx, tx, `SELECT document FROM payments WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			return err
		}
		next := current
		if err := mutate(&next); err != nil {
			return err
		}
		next.ID = current.ID

		args, err := paymentArgs(next)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE payments SET
    order_id = $2, purpose = $3, provider = $4, status = $5, amount_minor = $6,
    provider_order_id = $7, document = $8::jsonb, updated_at = $9
WHERE id = $1`, append(args[:8:8], args[9])...)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: another active payment exists for order %s", domain.ErrOrderConflict, next.OrderID)
			}
			return fmt.Errorf("update payment: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return updated, nil
}

var _ domain.PaymentRepository = (*paymentRepository)(nil)

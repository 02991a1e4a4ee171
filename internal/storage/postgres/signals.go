package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// Окна сигналов риска.
const (
	returnsWindow  = 60 * 24 * time.Hour
	refusalsWindow = 30 * 24 * time.Hour
	burstWindow    = time.Hour
)

type signals struct {
	db *sql.DB
}

// NewSignals создаёт источник оконных сигналов, считающий агрегаты в SQL.
func NewSignals(store *Store) domain.SignalsSource {
	return &signals{db: store.DB()}
}

const returningStages = `('RETURNING', 'RETURNED')`

func (s *signals) CustomerSignals(ctx context.Context, phone string, now time.Time) (domain.CustomerSignals, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	now = now.UTC()
	returnsFrom := now.Add(-returnsWindow)
	refusalsFrom := now.Add(-refusalsWindow)
	burstFrom := now.Add(-burstWindow)

	sig := domain.CustomerSignals{Phone: phone}
	err := s.db.QueryRowContext(ctx, `SELECT
    COUNT(*) FILTER (WHERE returns_stage IN `+returningStages+` AND returns_updated_at >= $2),
    COUNT(*) FILTER (WHERE returns_stage IN `+returningStages+` AND returns_updated_at >= $3
        AND payment_method = 'cash' AND payment_mode <> 'FULL_PREPAID'),
    COUNT(*) FILTER (WHERE created_at >= $4)
FROM orders
WHERE phone = $1 AND created_at >= $2`, phone, returnsFrom, refusalsFrom, burstFrom).
		Scan(&sig.Returns60d, &sig.CODRefusals30d, &sig.OrdersLastHour)
	if err != nil {
		return domain.CustomerSignals{}, fmt.Errorf("customer order signals: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*)
FROM payments p
JOIN orders o ON o.id = p.order_id
WHERE o.phone = $1 AND o.created_at >= $2 AND p.status = 'DECLINED'`, phone, refusalsFrom).Scan(&sig.PaymentFails30d)
	if err != nil {
		return domain.CustomerSignals{}, fmt.Errorf("customer payment signals: %w", err)
	}
	return sig, nil
}

// RecentPhones возвращает телефоны в порядке первого заказа за окно.
func (s *signals) RecentPhones(ctx context.Context, since time.Time, limit int) ([]string, error) {
	query := `SELECT phone FROM orders
WHERE created_at >= $1 AND phone <> ''
GROUP BY phone
ORDER BY MIN(created_at), phone`
	args := []any{since.UTC()}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent phones: %w", err)
	}
	defer rows.Close()

	phones := make([]string, 0)
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			return nil, fmt.Errorf("scan phone: %w", err)
		}
		phones = append(phones, phone)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phones: %w", err)
	}
	return phones, nil
}

func (s *signals) CityStats(ctx context.Context, since time.Time) ([]domain.CityStats, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT city, COUNT(*), COUNT(*) FILTER (WHERE returns_stage IN `+returningStages+`)
FROM orders
WHERE created_at >= $1 AND city <> ''
GROUP BY city
ORDER BY city`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("city stats: %w", err)
	}
	defer rows.Close()

	stats := make([]domain.CityStats, 0)
	for rows.Next() {
		var st domain.CityStats
		if err := rows.Scan(&st.City, &st.Orders30d, &st.Returns30d); err != nil {
			return nil, fmt.Errorf("scan city stats: %w", err)
		}
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate city stats: %w", err)
	}
	return stats, nil
}

var _ domain.SignalsSource = (*signals)(nil)

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

type customerRepository struct {
	db *sql.DB
}

// NewCustomerRepository создаёт хранилище профилей клиентов.
func NewCustomerRepository(store *Store) domain.CustomerRepository {
	return &customerRepository{db: store.DB()}
}

func (r *customerRepository) Get(ctx context.Context, phone string) (domain.Customer, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var c domain.Customer
	err := scanDocument(r.db.QueryRowContext(ctx, `SELECT document FROM customers WHERE phone = $1`, strings.TrimSpace(phone)), &c)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Customer{}, domain.ErrCustomerNotFound
		}
		return domain.Customer{}, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

// Update создаёт пустой профиль при необходимости и применяет mutate под блокировкой строки.
func (r *customerRepository) Update(ctx context.Context, phone string, now time.Time, mutate func(*domain.Customer) error) (domain.Customer, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return domain.Customer{}, domain.ErrPhoneRequired
	}
	seed, err := jsonb(domain.NewCustomer(phone, now))
	if err != nil {
		return domain.Customer{}, err
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	var updated domain.Customer
	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO customers (phone, document, created_at, updated_at)
VALUES ($1, $2::jsonb, $3, $3)
ON CONFLICT (phone) DO NOTHING`, phone, seed, now.UTC()); err != nil {
			return fmt.Errorf("seed customer: %w", err)
		}

		var current domain.Customer
		if err := scanDocument(tx.QueryRowContext(ctx, `SELECT document FROM customers WHERE phone = $1 FOR UPDATE`, phone), &current); err != nil {
			return fmt.Errorf("lock customer: %w", err)
		}
		next := current.Clone()
		if err := mutate(&next); err != nil {
			return err
		}
		next.Phone = phone
		next.UpdatedAt = now

		doc, err := jsonb(next)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE customers SET document = $2::jsonb, updated_at = $3 WHERE phone = $1`,
			phone, doc, now.UTC()); err != nil {
			return fmt.Errorf("update customer: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return updated, nil
}

type cityPolicyRepository struct {
	db *sql.DB
}

// NewCityPolicyRepository создаёт хранилище политик по городам.
// Ключ города: lower(trim(city)).
func NewCityPolicyRepository(store *Store) domain.CityPolicyRepository {
	return &cityPolicyRepository{db: store.DB()}
}

func cityKey(city string) string {
	return strings.ToLower(strings.TrimSpace(city))
}

func (r *cityPolicyRepository) Find(ctx context.Context, city string) (domain.CityPolicy, bool, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var p domain.CityPolicy
	err := scanDocument(r.db.QueryRowContext(ctx, `SELECT document FROM city_policies WHERE city_key = $1`, cityKey(city)), &p)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CityPolicy{}, false, nil
		}
		return domain.CityPolicy{}, false, fmt.Errorf("find city policy: %w", err)
	}
	return p, true, nil
}

func (r *cityPolicyRepository) Upsert(ctx context.Context, policy domain.CityPolicy) error {
	doc, err := jsonb(policy)
	if err != nil {
		return err
	}
	updatedAt := policy.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	ctx, cancel := opContext(ctx)
	defer cancel()

	_, err = r.db.ExecContext(ctx, `INSERT INTO city_policies (city_key, document, updated_at)
VALUES ($1, $2::jsonb, $3)
ON CONFLICT (city_key) DO UPDATE SET document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		cityKey(policy.City), doc, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert city policy: %w", err)
	}
	return nil
}

type systemConfigRepository struct {
	db *sql.DB
}

// NewSystemConfigRepository создаёт singleton настроек; отсутствующая строка означает значения по умолчанию.
func NewSystemConfigRepository(store *Store) domain.SystemConfigRepository {
	return &systemConfigRepository{db: store.DB()}
}

func (r *systemConfigRepository) Get(ctx context.Context) (domain.SystemConfig, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	return loadSystemConfig(ctx, r.db, false)
}

func loadSystemConfig(ctx context.Context, q queryer, forUpdate bool) (domain.SystemConfig, error) {
	query := `SELECT document FROM system_config WHERE id = 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	cfg := domain.DefaultSystemConfig()
	if err := scanDocument(q.QueryRowContext(ctx, query), &cfg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.DefaultSystemConfig(), nil
		}
		return domain.SystemConfig{}, fmt.Errorf("get system config: %w", err)
	}
	return cfg, nil
}

// Update — last-writer-wins: предыдущее значение уходит в system_config_history.
func (r *systemConfigRepository) Update(ctx context.Context, actor string, now time.Time, mutate func(*domain.SystemConfig) error) (domain.SystemConfig, error) {
	ctx, cancel := opContext(ctx)
	defer cancel()

	var updated domain.SystemConfig
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		// Строка-заглушка, чтобы FOR UPDATE сериализовал конкурентных писателей.
		defaults, err := jsonb(domain.DefaultSystemConfig())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO system_config (id, document, updated_at, updated_by)
VALUES (1, $1::jsonb, $2, '')
ON CONFLICT (id) DO NOTHING`, defaults, now.UTC()); err != nil {
			return fmt.Errorf("seed system config: %w", err)
		}

		current, err := loadSystemConfig(ctx, tx, true)
		if err != nil {
			return err
		}
		next := current
		if current.PickupAlertsMutedUntil != nil {
			next.PickupAlertsMutedUntil = domain.TimePtr(*current.PickupAlertsMutedUntil)
		}
		if err := mutate(&next); err != nil {
			return err
		}
		next.UpdatedAt = now
		next.UpdatedBy = actor

		prevDoc, err := jsonb(current)
		if err != nil {
			return err
		}
		nextDoc, err := jsonb(next)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO system_config_history (document, replaced_at, replaced_by)
VALUES ($1::jsonb, $2, $3)`, prevDoc, now.UTC(), actor); err != nil {
			return fmt.Errorf("append system config history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE system_config SET document = $1::jsonb, updated_at = $2, updated_by = $3 WHERE id = 1`,
			nextDoc, now.UTC(), actor); err != nil {
			return fmt.Errorf("update system config: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return domain.SystemConfig{}, err
	}
	return updated, nil
}

var (
	_ domain.CustomerRepository     = (*customerRepository)(nil)
	_ domain.CityPolicyRepository   = (*cityPolicyRepository)(nil)
	_ domain.SystemConfigRepository = (*systemConfigRepository)(nil)
)

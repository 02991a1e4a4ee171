// Package postgres реализует репозитории домена поверх PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	pingTimeout = 5 * time.Second
	opTimeout   = 5 * time.Second

	defaultMaxOpen     = 25
	defaultMaxIdle     = 25
	defaultMaxLifetime = 30 * time.Minute
	defaultMaxIdleTime = 5 * time.Minute
)

var errStoreClosed = errors.New("postgres store is not initialized")

type storeConfig struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	registerer  prometheus.Registerer
}

// StoreOption настраивает пул соединений. Нулевые значения игнорируются.
type StoreOption func(*storeConfig)

// WithMaxOpenConns ограничивает число открытых соединений.
func WithMaxOpenConns(n int) StoreOption {
	return func(c *storeConfig) {
		if n > 0 {
			c.maxOpen = n
		}
	}
}

// WithMaxIdleConns ограничивает число простаивающих соединений.
func WithMaxIdleConns(n int) StoreOption {
	return func(c *storeConfig) {
		if n > 0 {
			c.maxIdle = n
		}
	}
}

// WithConnMaxLifetime задаёт максимальное время жизни соединения.
func WithConnMaxLifetime(d time.Duration) StoreOption {
	return func(c *storeConfig) {
		if d > 0 {
			c.maxLifetime = d
		}
	}
}

// WithPoolMetrics публикует статистику пула (go_sql_*) в reg.
func WithPoolMetrics(reg prometheus.Registerer) StoreOption {
	return func(c *storeConfig) { c.registerer = reg }
}

// Store держит пул *sql.DB, общий для всех репозиториев.
type Store struct {
	db *sql.DB
}

// Open подключается к базе через драйвер pgx и проверяет соединение.
func Open(ctx context.Context, dsn string, opts ...StoreOption) (*Store, error) {
	cfg := storeConfig{
		maxOpen:     defaultMaxOpen,
		maxIdle:     defaultMaxIdle,
		maxLifetime: defaultMaxLifetime,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.maxOpen)
	db.SetMaxIdleConns(min(cfg.maxIdle, cfg.maxOpen))
	db.SetConnMaxLifetime(cfg.maxLifetime)
	db.SetConnMaxIdleTime(defaultMaxIdleTime)

	store := &Store{db: db}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.registerer != nil {
		err := cfg.registerer.Register(collectors.NewDBStatsCollector(db, "market"))
		var are prometheus.AlreadyRegisteredError
		if err != nil && !errors.As(err, &are) {
			_ = db.Close()
			return nil, fmt.Errorf("register pool metrics: %w", err)
		}
	}
	return store, nil
}

// DB отдаёт пул для репозиториев и тестов.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет соединение с таймаутом pingTimeout.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errStoreClosed
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// EnsureSchema накатывает все неприменённые миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close закрывает пул. Повторный вызов и nil-Store безопасны.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx выполняет fn в транзакции и откатывает её при ошибке.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

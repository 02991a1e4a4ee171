package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/config"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/marketcore/internal/health"
	"github.com/vladislavdragonenkov/marketcore/internal/service/scheduler"
	"github.com/vladislavdragonenkov/marketcore/internal/storage/memory"
	"github.com/vladislavdragonenkov/marketcore/internal/storage/postgres"
)

// Dependencies содержит репозитории выбранного хранилища.
type Dependencies struct {
	Orders      domain.OrderRepository
	Payments    domain.PaymentRepository
	Events      domain.EventRepository
	Audit       domain.PaymentAuditRepository
	Idempotency domain.IdempotencyRepository
	Outbox      domain.OutboxRepository
	Ledger      domain.LedgerRepository
	Customers   domain.CustomerRepository
	Cities      domain.CityPolicyRepository
	Settings    domain.SystemConfigRepository
	Policies    domain.PolicyRepository
	Experiments domain.ExperimentRepository
	Revenue     domain.RevenueRepository
	Signals     domain.SignalsSource

	// Каталог и корзины живут вне ядра; здесь in-memory заглушки.
	Catalog *memory.Catalog
	Carts   *memory.CartStore

	Leader         scheduler.Leader
	StorageChecker healthcheck.Checker
	Logger         *log.Entry

	closeFn func() error
}

// NewDependencies создаёт репозитории для драйвера из cfg.Storage.
func NewDependencies(ctx context.Context, cfg config.StorageConfig, logger *log.Entry) (*Dependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	switch cfg.Driver {
	case "", config.StorageDriverMemory:
		return newMemoryDependencies(logger), nil
	case config.StorageDriverPostgres:
		return newPostgresDependencies(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func newMemoryDependencies(logger *log.Entry) *Dependencies {
	orders := memory.NewOrderRepository()
	payments := memory.NewPaymentRepository()
	logger.Info("storage driver: memory")
	return &Dependencies{
		Orders:      orders,
		Payments:    payments,
		Events:      memory.NewEventRepository(),
		Audit:       memory.NewPaymentAuditRepository(),
		Idempotency: memory.NewIdempotencyRepository(),
		Outbox:      memory.NewOutboxRepository(),
		Ledger:      memory.NewLedgerRepository(),
		Customers:   memory.NewCustomerRepository(),
		Cities:      memory.NewCityPolicyRepository(),
		Settings:    memory.NewSystemConfigRepository(),
		Policies:    memory.NewPolicyRepository(),
		Experiments: memory.NewExperimentRepository(),
		Revenue:     memory.NewRevenueRepository(),
		Signals:     memory.NewSignals(orders, payments),
		Catalog:     memory.NewCatalog(),
		Carts:       memory.NewCartStore(),
		Leader:      scheduler.AlwaysLeader{},
		Logger:      logger,
	}
}

func newPostgresDependencies(ctx context.Context, cfg config.StorageConfig, logger *log.Entry) (*Dependencies, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required for postgres storage")
	}

	store, err := postgres.Open(ctx, cfg.DatabaseURL,
		postgres.WithMaxOpenConns(cfg.MaxOpenConns),
		postgres.WithMaxIdleConns(cfg.MaxIdleConns),
		postgres.WithConnMaxLifetime(cfg.ConnMaxLifetime),
		postgres.WithPoolMetrics(prometheus.DefaultRegisterer),
	)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
	}

	leader := postgres.NewAdvisoryLeader(store, postgres.DefaultLeaderLockKey)
	logger.Info("storage driver: postgres")
	return &Dependencies{
		Orders:         postgres.NewOrderRepository(store),
		Payments:       postgres.NewPaymentRepository(store),
		Events:         postgres.NewEventRepository(store),
		Audit:          postgres.NewPaymentAuditRepository(store),
		Idempotency:    postgres.NewIdempotencyRepository(store),
		Outbox:         postgres.NewOutboxRepository(store),
		Ledger:         postgres.NewLedgerRepository(store),
		Customers:      postgres.NewCustomerRepository(store),
		Cities:         postgres.NewCityPolicyRepository(store),
		Settings:       postgres.NewSystemConfigRepository(store),
		Policies:       postgres.NewPolicyRepository(store),
		Experiments:    postgres.NewExperimentRepository(store),
		Revenue:        postgres.NewRevenueRepository(store),
		Signals:        postgres.NewSignals(store),
		Catalog:        memory.NewCatalog(),
		Carts:          memory.NewCartStore(),
		Leader:         leader,
		StorageChecker: healthcheck.NewDatabaseChecker(store),
		Logger:         logger,
		closeFn: func() error {
			releaseCtx, cancel := context.WithTimeout(context.Background(), defaultCloseTimeout)
			defer cancel()
			if err := leader.Release(releaseCtx); err != nil {
				logger.WithError(err).Warn("failed to release leader lock")
			}
			return store.Close()
		},
	}, nil
}

// Close освобождает блокировку лидера и закрывает подключение к базе.
func (d *Dependencies) Close() error {
	if d == nil || d.closeFn == nil {
		return nil
	}
	fn := d.closeFn
	d.closeFn = nil
	return fn()
}

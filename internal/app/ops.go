package app

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/config"
	"github.com/vladislavdragonenkov/marketcore/internal/metrics"
)

// RunJob собирает сервисы без сетевых серверов и выполняет одну итерацию задачи.
// Блокировка лидера не проверяется: запуск ручной.
func RunJob(ctx context.Context, cfg *config.Config, name string) (any, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	logger := log.WithField("component", "ordersctl")
	clk := clock.Real{}

	deps, err := NewDependencies(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	defer closeDependencies(deps, logger)

	rt := initKafka(cfg.Kafka, clk, logger)
	defer closeKafka(rt, nil, logger)

	svc, err := buildServices(cfg, deps, rt, metrics.NewLifecycle(), clk, logger)
	if err != nil {
		return nil, err
	}
	return svc.Scheduler.RunJob(ctx, name)
}

// RequeueDeadLetters возвращает мёртвые сообщения outbox в PENDING.
func RequeueDeadLetters(ctx context.Context, cfg config.StorageConfig, limit int) (int, error) {
	logger := log.WithField("component", "ordersctl")
	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return 0, err
	}
	defer closeDependencies(deps, logger)

	n, err := deps.Outbox.RequeueDead(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	logger.WithField("requeued", n).Info("dead outbox messages requeued")
	return n, nil
}

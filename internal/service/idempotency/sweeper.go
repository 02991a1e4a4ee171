package idempotency

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

const (
	defaultSweepBatch      = 500
	defaultSweepMaxBatches = 20
)

var idempotencyKeysExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "market_idempotency_keys_expired_total",
	Help: "Total number of idempotency keys removed after TTL.",
})

// SweepStats — итог одного прохода.
type SweepStats struct {
	Deleted int `json:"deleted"`
	Batches int `json:"batches"`
	// Truncated: упёрлись в лимит порций, остаток уйдёт в следующий проход.
	Truncated bool `json:"truncated"`
}

// SweepOption настраивает Sweeper.
type SweepOption func(*Sweeper)

func WithSweepLogger(logger *log.Entry) SweepOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSweepClock(c clock.Clock) SweepOption {
	return func(s *Sweeper) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSweepBatch задаёт размер одного DELETE.
func WithSweepBatch(batch int) SweepOption {
	return func(s *Sweeper) {
		if batch > 0 {
			s.batch = batch
		}
	}
}

// WithSweepMaxBatches ограничивает число DELETE за проход.
func WithSweepMaxBatches(n int) SweepOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.maxBatches = n
		}
	}
}

// Sweeper удаляет ключи с истёкшим TTL порциями. Период задаёт планировщик.
type Sweeper struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	clock      clock.Clock
	batch      int
	maxBatches int
}

// NewSweeper создаёт Sweeper.
func NewSweeper(repo domain.IdempotencyRepository, options ...SweepOption) *Sweeper {
	s := &Sweeper{
		repo:       repo,
		logger:     log.WithField("component", "idempotency-sweeper"),
		clock:      clock.Real{},
		batch:      defaultSweepBatch,
		maxBatches: defaultSweepMaxBatches,
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// SweepOnce удаляет ключи с ttl_at <= now.
// Ключи IN_PROGRESS с истёкшим TTL тоже удаляются: их владелец считается упавшим.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	return s.sweep(ctx, s.clock.Now())
}

func (s *Sweeper) sweep(ctx context.Context, before time.Time) (SweepStats, error) {
	var stats SweepStats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		deleted, err := s.repo.DeleteExpired(ctx, before, s.batch)
		stats.Batches++
		if err != nil {
			s.logger.WithError(err).WithField("deleted", stats.Deleted).Warn("idempotency sweep failed")
			return stats, err
		}
		stats.Deleted += deleted
		idempotencyKeysExpiredTotal.Add(float64(deleted))
		if deleted < s.batch {
			break
		}
		if stats.Batches >= s.maxBatches {
			stats.Truncated = true
			break
		}
	}
	if stats.Deleted > 0 {
		s.logger.WithFields(log.Fields{
			"deleted":   stats.Deleted,
			"batches":   stats.Batches,
			"truncated": stats.Truncated,
		}).Info("expired idempotency keys removed")
	}
	return stats, nil
}

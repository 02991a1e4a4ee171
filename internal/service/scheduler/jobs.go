package scheduler

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/marketcore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/marketcore/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketcore/internal/service/payments"
	"github.com/vladislavdragonenkov/marketcore/internal/service/pickup"
	"github.com/vladislavdragonenkov/marketcore/internal/service/returns"
	"github.com/vladislavdragonenkov/marketcore/internal/service/risk"
	"github.com/vladislavdragonenkov/marketcore/internal/service/roe"
	"github.com/vladislavdragonenkov/marketcore/internal/service/shipping"
)

// Periods — периоды задач.
type Periods struct {
	PaymentRetry       time.Duration
	PaymentReconcile   time.Duration
	TrackingPoll       time.Duration
	PickupControl      time.Duration
	ReturnsScan        time.Duration
	ROESnapshot        time.Duration
	ROERollbackWatch   time.Duration
	OutboxPump         time.Duration
	RiskPolicy         time.Duration
	IdempotencyCleanup time.Duration
}

// DefaultPeriods возвращает периоды по умолчанию.
func DefaultPeriods() Periods {
	return Periods{
		PaymentRetry:       5 * time.Minute,
		PaymentReconcile:   10 * time.Minute,
		TrackingPoll:       15 * time.Minute,
		PickupControl:      time.Hour,
		ReturnsScan:        time.Hour,
		ROESnapshot:        6 * time.Hour,
		ROERollbackWatch:   30 * time.Minute,
		OutboxPump:         30 * time.Second,
		RiskPolicy:         time.Hour,
		IdempotencyCleanup: 10 * time.Minute,
	}
}

// Services — сервисы, которые гоняет планировщик. Nil-сервис пропускается.
type Services struct {
	Retry       *payments.RetryLoop
	Reconciler  *payments.Reconciler
	Shipping    *shipping.Service
	Pickup      *pickup.Control
	Returns     *returns.Engine
	Optimizer   *roe.Optimizer
	Outbox      *outbox.Worker
	Risk        *risk.Engine
	Idempotency *idempotency.Sweeper
}

// countStats — статистика задач, возвращающих только число обработанных записей.
type countStats struct {
	Processed int `json:"processed"`
}

func run[T any](fn func(context.Context) (T, error)) RunFunc {
	return func(ctx context.Context) (any, error) {
		return fn(ctx)
	}
}

func count(fn func(context.Context) (int, error)) RunFunc {
	return func(ctx context.Context) (any, error) {
		n, err := fn(ctx)
		return countStats{Processed: n}, err
	}
}

// BuildJobs собирает набор задач из сервисов.
func BuildJobs(svc Services, periods Periods) []Job {
	def := DefaultPeriods()
	pick := func(v, d time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return d
	}

	var jobs []Job
	add := func(name string, period time.Duration, fn RunFunc) {
		jobs = append(jobs, Job{Name: name, Period: period, Run: fn})
	}
	if svc.Retry != nil {
		add(JobPaymentRetry, pick(periods.PaymentRetry, def.PaymentRetry), run(svc.Retry.ProcessOnce))
	}
	if svc.Reconciler != nil {
		add(JobPaymentReconcile, pick(periods.PaymentReconcile, def.PaymentReconcile), run(svc.Reconciler.ProcessOnce))
	}
	if svc.Shipping != nil {
		add(JobTrackingPoll, pick(periods.TrackingPoll, def.TrackingPoll), run(svc.Shipping.PollOnce))
	}
	if svc.Pickup != nil {
		add(JobPickupControl, pick(periods.PickupControl, def.PickupControl), run(svc.Pickup.ProcessOnce))
	}
	if svc.Returns != nil {
		add(JobReturnsScan, pick(periods.ReturnsScan, def.ReturnsScan), run(svc.Returns.ScanOnce))
	}
	if svc.Optimizer != nil {
		add(JobROESnapshot, pick(periods.ROESnapshot, def.ROESnapshot), run(svc.Optimizer.RunOnce))
		add(JobROERollbackWatch, pick(periods.ROERollbackWatch, def.ROERollbackWatch), run(svc.Optimizer.WatchOnce))
	}
	if svc.Outbox != nil {
		add(JobOutboxPump, pick(periods.OutboxPump, def.OutboxPump), count(svc.Outbox.ProcessOnce))
	}
	if svc.Risk != nil {
		add(JobRiskPolicy, pick(periods.RiskPolicy, def.RiskPolicy), run(svc.Risk.RunOnce))
	}
	if svc.Idempotency != nil {
		add(JobIdempotencyCleanup, pick(periods.IdempotencyCleanup, def.IdempotencyCleanup), run(svc.Idempotency.SweepOnce))
	}
	return jobs
}

// Package scheduler запускает периодические задачи ядра под одним лидером.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/metrics"
)

// Имена задач.
const (
	JobPaymentRetry       = "payment_retry"
	JobPaymentReconcile   = "payment_reconcile"
	JobTrackingPoll       = "tracking_poll"
	JobPickupControl      = "pickup_control"
	JobReturnsScan        = "returns_scan"
	JobROESnapshot        = "roe_snapshot"
	JobROERollbackWatch   = "roe_rollback_watch"
	JobOutboxPump         = "outbox_pump"
	JobRiskPolicy         = "risk_policy"
	JobIdempotencyCleanup = "idempotency_cleanup"
)

const maxJobTimeout = 5 * time.Minute

// ErrUnknownJob возвращается, если задача не зарегистрирована.
var ErrUnknownJob = errors.New("unknown job")

// Leader сообщает, может ли процесс выполнять задачи.
type Leader interface {
	IsLeader(ctx context.Context) (bool, error)
}

// AlwaysLeader — лидер для одного процесса и in-memory хранилища.
type AlwaysLeader struct{}

// IsLeader всегда true.
func (AlwaysLeader) IsLeader(context.Context) (bool, error) { return true, nil }

// RunFunc — одна итерация задачи. Возвращает статистику прохода для логов и CLI.
type RunFunc func(ctx context.Context) (any, error)

// Job — периодическая задача.
type Job struct {
	Name    string
	Period  time.Duration
	Timeout time.Duration
	Run     RunFunc
}

func (j Job) timeout() time.Duration {
	if j.Timeout > 0 {
		return j.Timeout
	}
	if j.Period > 0 && j.Period < maxJobTimeout {
		return j.Period
	}
	return maxJobTimeout
}

// Option настраивает Scheduler.
type Option func(*Scheduler)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock задаёт часы для замера длительности.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithMetrics задаёт метрики задач.
func WithMetrics(m *metrics.Lifecycle) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler держит реестр задач и гоняет каждую в своей горутине.
// Итерации одной задачи никогда не пересекаются.
type Scheduler struct {
	leader  Leader
	clock   clock.Clock
	logger  *log.Entry
	metrics *metrics.Lifecycle

	mu   sync.Mutex
	jobs map[string]Job
	// running защищает от параллельного ручного запуска той же задачи.
	running map[string]*sync.Mutex
}

// New создаёт Scheduler. Без лидера процесс считается единственным.
func New(leader Leader, options ...Option) *Scheduler {
	if leader == nil {
		leader = AlwaysLeader{}
	}
	s := &Scheduler{
		leader:  leader,
		clock:   clock.Real{},
		logger:  log.WithField("component", "scheduler"),
		jobs:    make(map[string]Job),
		running: make(map[string]*sync.Mutex),
	}
	for _, option := range options {
		option(s)
	}
	return s
}

// Register добавляет задачу. Повторная регистрация заменяет задачу с тем же именем.
func (s *Scheduler) Register(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Name] = job
	if _, ok := s.running[job.Name]; !ok {
		s.running[job.Name] = &sync.Mutex{}
	}
}

// Jobs возвращает имена зарегистрированных задач по алфавиту.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run запускает все задачи и блокируется до отмены ctx и завершения текущих итераций.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.Period <= 0 || job.Run == nil {
			s.logger.WithField("job", job.Name).Warn("job is disabled: no period or run func")
			continue
		}
		jobs = append(jobs, job)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	s.logger.WithField("jobs", len(jobs)).Info("scheduler started")
	wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Period)
	defer ticker.Stop()

	s.tick(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, job)
		}
	}
}

// tick выполняет итерацию, если процесс держит лидерство.
func (s *Scheduler) tick(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	logger := s.logger.WithField("job", job.Name)
	leader, err := s.leader.IsLeader(ctx)
	if err != nil {
		logger.WithError(err).Warn("leader check failed, skipping iteration")
		return
	}
	if !leader {
		logger.Debug("not a leader, skipping iteration")
		return
	}
	// Начатая итерация доходит до конца даже при остановке сервиса.
	if _, err := s.execute(context.WithoutCancel(ctx), job); err != nil {
		logger.WithError(err).Warn("job iteration failed")
	}
}

// RunJob выполняет одну итерацию задачи по имени без проверки лидерства.
func (s *Scheduler) RunJob(ctx context.Context, name string) (any, error) {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, job)
}

func (s *Scheduler) execute(ctx context.Context, job Job) (stats any, err error) {
	s.mu.Lock()
	lock := s.running[job.Name]
	s.mu.Unlock()
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, job.timeout())
	defer cancel()

	started := s.clock.Now()
	s.metrics.RecordJobStarted()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		elapsed := s.clock.Now().Sub(started)
		s.metrics.RecordJobFinished(job.Name, result, elapsed)
		s.logger.WithFields(log.Fields{
			"job":      job.Name,
			"result":   result,
			"duration": elapsed,
			"stats":    stats,
		}).Debug("job iteration finished")
	}()

	return job.Run(ctx)
}

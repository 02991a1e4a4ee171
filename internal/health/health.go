// Package health собирает проверки компонентов для probe-эндпоинтов и gRPC health.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

const defaultCheckTimeout = 2 * time.Second

// Status — состояние компонента.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check — результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент.
type Checker interface {
	Check(ctx context.Context) Check
}

// Handler хранит проверки и отдаёт сводный статус.
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]Checker
	version   string
	clock     clock.Clock
	startTime time.Time
	timeout   time.Duration
}

// NewHandler создаёт handler; clk может быть nil.
func NewHandler(version string, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Handler{
		checkers:  make(map[string]Checker),
		version:   version,
		clock:     clk,
		startTime: clk.Now(),
		timeout:   defaultCheckTimeout,
	}
}

// RegisterChecker регистрирует проверку компонента.
func (h *Handler) RegisterChecker(name string, checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = checker
}

// Names возвращает имена зарегистрированных проверок по алфавиту.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run выполняет все проверки и сводит статус: unhealthy важнее degraded.
func (h *Handler) Run(ctx context.Context) Response {
	h.mu.RLock()
	checkers := make(map[string]Checker, len(h.checkers))
	for k, v := range h.checkers {
		checkers[k] = v
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	checks := make(map[string]Check, len(checkers))
	overall := StatusHealthy
	for name, checker := range checkers {
		check := checker.Check(ctx)
		if check.Name == "" {
			check.Name = name
		}
		checks[name] = check
		switch {
		case check.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case check.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	now := h.clock.Now()
	return Response{
		Status:        overall,
		Timestamp:     now,
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(now.Sub(h.startTime).Seconds()),
	}
}

// ServeHTTP отдаёт сводку; unhealthy даёт 503.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	response := h.Run(r.Context())
	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// LivenessHandler всегда отвечает 200.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// ReadinessHandler отвечает 503, пока хотя бы одна проверка unhealthy.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.Run(r.Context()).Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// FuncChecker — проверка на основе функции.
type FuncChecker struct {
	name    string
	checkFn func(ctx context.Context) error
}

// NewFuncChecker создаёт проверку; ошибка функции даёт unhealthy.
func NewFuncChecker(name string, checkFn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, checkFn: checkFn}
}

// Check выполняет функцию.
func (c *FuncChecker) Check(ctx context.Context) Check {
	start := time.Now()
	err := c.checkFn(ctx)
	check := Check{Name: c.name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// Pinger — хранилище, которое умеет ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewDatabaseChecker проверяет доступность базы.
func NewDatabaseChecker(db Pinger) *FuncChecker {
	return NewFuncChecker("database", db.Ping)
}

// OutboxStatsSource отдаёт состояние backlog.
type OutboxStatsSource interface {
	Stats(ctx context.Context) (domain.OutboxStats, error)
}

// OutboxChecker помечает outbox degraded при старом backlog или мёртвых сообщениях.
type OutboxChecker struct {
	repo   OutboxStatsSource
	clock  clock.Clock
	maxAge time.Duration
}

// NewOutboxChecker создаёт проверку backlog; maxAge задаёт допустимый возраст старейшего PENDING.
func NewOutboxChecker(repo OutboxStatsSource, clk clock.Clock, maxAge time.Duration) *OutboxChecker {
	if clk == nil {
		clk = clock.Real{}
	}
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &OutboxChecker{repo: repo, clock: clk, maxAge: maxAge}
}

// Check читает статистику outbox.
func (c *OutboxChecker) Check(ctx context.Context) Check {
	start := time.Now()
	check := Check{Name: "outbox", Status: StatusHealthy}
	stats, err := c.repo.Stats(ctx)
	check.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
		return check
	}

	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = c.clock.Now().Sub(stats.OldestPendingAt)
	}
	switch {
	case age > c.maxAge:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("oldest pending message is %s old (%d pending)", age.Truncate(time.Second), stats.PendingCount)
	case stats.DeadCount > 0:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d dead messages", stats.DeadCount)
	}
	return check
}

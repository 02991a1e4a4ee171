// Package idempotency реализует request-level идемпотентность и очистку просроченных ключей.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

var idempotencyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "market_idempotency_requests_total",
	Help: "Total number of keyed requests grouped by outcome.",
}, []string{"outcome"})

// KeyHash — хэш ключа в пределах scope.
func KeyHash(scope, key string) string {
	sum := sha256.Sum256([]byte(scope + ":" + key))
	return hex.EncodeToString(sum[:])
}

// PayloadHash — хэш запроса: метод, путь и тело.
func PayloadHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method + ":" + path + ":"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Request описывает ключ и отпечаток запроса.
type Request struct {
	Scope       string
	Key         string
	PayloadHash string
}

// Response — сохраняемый результат запроса.
type Response struct {
	Status int
	Body   []byte
}

// Outcome — результат Execute.
type Outcome struct {
	Response
	// Replayed — ответ взят из сохранённой записи без выполнения.
	Replayed bool
}

// Handler выполняет защищаемую операцию.
type Handler func(ctx context.Context) (Response, error)

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithGuardLogger задает logger.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGuardClock задает часы.
func WithGuardClock(c clock.Clock) GuardOption {
	return func(g *Guard) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithTTL задает срок жизни ключа.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// Guard реализует request-level идемпотентность: LOCKED -> DONE | FAILED.
type Guard struct {
	repo   domain.IdempotencyRepository
	clock  clock.Clock
	ttl    time.Duration
	logger *log.Entry
}

// NewGuard создает guard поверх репозитория ключей.
func NewGuard(repo domain.IdempotencyRepository, options ...GuardOption) *Guard {
	g := &Guard{
		repo:   repo,
		clock:  clock.Real{},
		ttl:    domain.DefaultIdempotencyTTL,
		logger: log.WithField("component", "idempotency-guard"),
	}
	for _, option := range options {
		option(g)
	}
	return g
}

// Execute выполняет fn не более одного раза на ключ.
// Повтор с тем же payload отдаёт сохранённый ответ, с другим возвращает ErrIdempotencyPayloadMismatch.
// Пока первый запрос не завершён, повтор получает ErrIdempotencyInProgress.
func (g *Guard) Execute(ctx context.Context, req Request, fn Handler) (Outcome, error) {
	if req.Key == "" {
		return g.run(ctx, "", fn)
	}
	if req.PayloadHash == "" {
		return Outcome{}, domain.ErrIdempotencyRequestHashRequired
	}

	keyHash := KeyHash(req.Scope, req.Key)
	now := g.clock.Now()

	_, err := g.repo.CreateLocked(ctx, keyHash, req.PayloadHash, now.Add(g.ttl), now)
	switch {
	case err == nil:
		idempotencyRequestsTotal.WithLabelValues("executed").Inc()
		return g.run(ctx, keyHash, fn)
	case errors.Is(err, domain.ErrIdempotencyPayloadMismatch):
		idempotencyRequestsTotal.WithLabelValues("mismatch").Inc()
		return Outcome{}, err
	case !errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		return Outcome{}, err
	}

	existing, err := g.repo.Get(ctx, keyHash)
	if err != nil {
		return Outcome{}, err
	}

	switch existing.Status {
	case domain.IdempotencyStatusDone:
		idempotencyRequestsTotal.WithLabelValues("replayed").Inc()
		return Outcome{Response: Response{Status: existing.HTTPStatus, Body: existing.Result}, Replayed: true}, nil
	case domain.IdempotencyStatusFailed:
		if !retryableStatus(existing.HTTPStatus) {
			idempotencyRequestsTotal.WithLabelValues("replayed_failure").Inc()
			return Outcome{Response: Response{Status: existing.HTTPStatus, Body: existing.Result}, Replayed: true}, nil
		}
		if err := g.repo.Relock(ctx, keyHash, now.Add(g.ttl), now); err != nil {
			return Outcome{}, err
		}
		idempotencyRequestsTotal.WithLabelValues("reexecuted").Inc()
		return g.run(ctx, keyHash, fn)
	default:
		idempotencyRequestsTotal.WithLabelValues("in_progress").Inc()
		return Outcome{}, domain.ErrIdempotencyInProgress
	}
}

func (g *Guard) run(ctx context.Context, keyHash string, fn Handler) (Outcome, error) {
	resp, err := fn(ctx)
	if err != nil {
		resp = FailureResponse(err)
	}
	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	if keyHash == "" {
		return Outcome{Response: resp}, nil
	}

	// Фиксация результата не должна ломать уже выполненную операцию.
	storeCtx := context.WithoutCancel(ctx)
	now := g.clock.Now()
	if resp.Status >= http.StatusBadRequest {
		if markErr := g.repo.MarkFailed(storeCtx, keyHash, resp.Body, resp.Status, now); markErr != nil {
			g.logger.WithError(markErr).Warn("failed to store failed idempotent result")
		}
	} else if markErr := g.repo.MarkDone(storeCtx, keyHash, resp.Body, resp.Status, now); markErr != nil {
		g.logger.WithError(markErr).Warn("failed to store idempotent result")
	}
	return Outcome{Response: resp}, nil
}

// ErrorBody — тело ответа с ошибкой.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// FailureResponse кодирует ошибку в ответ по таксономии.
func FailureResponse(err error) Response {
	body, _ := json.Marshal(ErrorBody{Error: domain.ErrorCode(err), Detail: err.Error()})
	return Response{Status: domain.HTTPStatus(err), Body: body}
}

// Повторно выполняются только ошибки провайдера и транспорта.
func retryableStatus(status int) bool {
	return status >= http.StatusInternalServerError
}

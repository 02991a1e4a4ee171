package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/idempotency"
)

// Заголовки API.
const (
	HeaderUserID           = "X-User-ID"
	HeaderSessionID        = "X-Session-ID"
	HeaderAdminToken       = "X-Admin-Token"
	HeaderAdminActor       = "X-Admin-Actor"
	HeaderIdempotencyKey   = "X-Idempotency-Key"
	HeaderIdempotentReplay = "X-Idempotent-Replay"
)

type ctxKey int

const (
	callerKey ctxKey = iota
	loggerKey
)

// caller — кто выполняет запрос.
type caller struct {
	UserID    string
	SessionID string
	Admin     bool
	AdminName string
}

// actor — имя для истории статусов и аудита.
func (c caller) actor() string {
	switch {
	case c.Admin:
		if c.AdminName != "" {
			return c.AdminName
		}
		return "admin"
	case c.UserID != "":
		return "user:" + c.UserID
	default:
		return "guest"
	}
}

// scope — пространство ключей идемпотентности.
func (c caller) scope() string {
	switch {
	case c.Admin:
		return "admin"
	case c.UserID != "":
		return "user:" + c.UserID
	case c.SessionID != "":
		return "session:" + c.SessionID
	default:
		return "anonymous"
	}
}

func callerFrom(ctx context.Context) caller {
	c, _ := ctx.Value(callerKey).(caller)
	return c
}

func loggerFrom(r *http.Request) *log.Entry {
	if l, ok := r.Context().Value(loggerKey).(*log.Entry); ok {
		return l
	}
	return log.WithField("component", "http-api")
}

// requestLogger пишет одну строку на запрос и кладёт logger с request_id в контекст.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := a.logger.WithFields(log.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), loggerKey, logger)))

		entry := logger.WithFields(log.Fields{
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if ww.Status() >= http.StatusInternalServerError {
			entry.Warn("http request")
			return
		}
		entry.Debug("http request")
	})
}

// identify определяет пользователя и проверяет admin-токен, если он передан.
// Неверный токен отклоняется сразу, даже на пользовательских маршрутах.
func (a *API) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := caller{
			UserID:    strings.TrimSpace(r.Header.Get(HeaderUserID)),
			SessionID: strings.TrimSpace(r.Header.Get(HeaderSessionID)),
		}
		if token := r.Header.Get(HeaderAdminToken); token != "" {
			if !a.validAdminToken(token) {
				writeError(w, r, fmt.Errorf("%w: invalid admin token", domain.ErrForbidden))
				return
			}
			c.Admin = true
			c.AdminName = strings.TrimSpace(r.Header.Get(HeaderAdminActor))
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey, c)))
	})
}

func (a *API) validAdminToken(token string) bool {
	if a.adminToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) == 1
}

// requireAdmin пропускает только запросы с верным X-Admin-Token.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !callerFrom(r.Context()).Admin {
			writeError(w, r, fmt.Errorf("%w: %s header is required", domain.ErrUnauthorized, HeaderAdminToken))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// idempotent оборачивает мутирующий маршрут в guard по X-Idempotency-Key.
// Без ключа запрос выполняется как обычно.
func (a *API) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if key == "" || a.guard == nil {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: read body: %v", domain.ErrValidation, err))
			return
		}

		req := idempotency.Request{
			Scope:       callerFrom(r.Context()).scope(),
			Key:         key,
			PayloadHash: idempotency.PayloadHash(r.Method, r.URL.Path, body),
		}
		out, err := a.guard.Execute(r.Context(), req, func(ctx context.Context) (idempotency.Response, error) {
			rec := newRecorder()
			inner := r.WithContext(ctx)
			inner.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(rec, inner)
			return idempotency.Response{Status: rec.status, Body: rec.body.Bytes()}, nil
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		if out.Replayed {
			w.Header().Set(HeaderIdempotentReplay, "true")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(out.Status)
		_, _ = w.Write(out.Body)
	})
}

// recorder буферизует ответ, чтобы guard мог его сохранить.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: make(http.Header)}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

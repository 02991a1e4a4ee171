package domain

import "time"

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusLocked означает, что запрос принят и ещё обрабатывается.
	IdempotencyStatusLocked IdempotencyStatus = "LOCKED"
	// IdempotencyStatusDone означает, что запрос завершён успешно и ответ сохранён.
	IdempotencyStatusDone IdempotencyStatus = "DONE"
	// IdempotencyStatusFailed означает, что обработка завершилась ошибкой.
	IdempotencyStatusFailed IdempotencyStatus = "FAILED"
)

// DefaultIdempotencyTTL — срок жизни ключа по умолчанию.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyRecord хранит состояние обработки запроса с idempotency-key.
type IdempotencyRecord struct {
	KeyHash     string
	PayloadHash string
	Status      IdempotencyStatus
	Result      []byte
	HTTPStatus  int
	TTLAt       time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusLocked, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// Expired сообщает, что запись просрочена на момент now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.IsZero() && !now.Before(r.TTLAt)
}

package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/service/idempotency"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

// writeError отдаёт ошибку в формате {"error": code, "detail": msg}.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := domain.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		loggerFrom(r).WithError(err).Error("request failed")
	}
	writeJSON(w, status, idempotency.ErrorBody{Error: domain.ErrorCode(err), Detail: err.Error()})
}

// decode читает JSON-тело. Пустое тело допустимо и оставляет dst нетронутым.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid json body: %v", domain.ErrValidation, err)
	}
	return nil
}

func queryLimit(r *http.Request, def, maxLimit int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", domain.ErrValidation)
	}
	return min(n, maxLimit), nil
}

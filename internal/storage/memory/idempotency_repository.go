package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

type idempotencyRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.IdempotencyRecord
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return &idempotencyRepositoryInMemory{
		items: make(map[string]domain.IdempotencyRecord),
	}
}

func (r *idempotencyRepositoryInMemory) CreateLocked(_ context.Context, keyHash, payloadHash string, ttlAt, now time.Time) (domain.IdempotencyRecord, error) {
	keyHash = strings.TrimSpace(keyHash)
	payloadHash = strings.TrimSpace(payloadHash)

	if keyHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}
	if payloadHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyRequestHashRequired
	}
	if ttlAt.IsZero() {
		ttlAt = now.Add(domain.DefaultIdempotencyTTL)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Просроченная запись считается отсутствующей и перезаписывается.
	if existing, ok := r.items[keyHash]; ok && !existing.Expired(now) {
		if existing.PayloadHash != payloadHash {
			return cloneIdempotencyRecord(existing), domain.ErrIdempotencyPayloadMismatch
		}
		return cloneIdempotencyRecord(existing), domain.ErrIdempotencyKeyAlreadyExists
	}

	record := domain.IdempotencyRecord{
		KeyHash:     keyHash,
		PayloadHash: payloadHash,
		Status:      domain.IdempotencyStatusLocked,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.items[keyHash] = record
	return cloneIdempotencyRecord(record), nil
}

func (r *idempotencyRepositoryInMemory) Get(_ context.Context, keyHash string) (domain.IdempotencyRecord, error) {
	keyHash = strings.TrimSpace(keyHash)
	if keyHash == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.items[keyHash]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return cloneIdempotencyRecord(record), nil
}

func (r *idempotencyRepositoryInMemory) MarkDone(_ context.Context, keyHash string, result []byte, httpStatus int, now time.Time) error {
	return r.markStatus(keyHash, domain.IdempotencyStatusDone, result, httpStatus, now)
}

func (r *idempotencyRepositoryInMemory) MarkFailed(_ context.Context, keyHash string, result []byte, httpStatus int, now time.Time) error {
	return r.markStatus(keyHash, domain.IdempotencyStatusFailed, result, httpStatus, now)
}

func (r *idempotencyRepositoryInMemory) Relock(_ context.Context, keyHash string, ttlAt, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.items[keyHash]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	if record.Status != domain.IdempotencyStatusFailed {
		return domain.ErrIdempotencyInProgress
	}
	record.Status = domain.IdempotencyStatusLocked
	record.Result = nil
	record.HTTPStatus = 0
	record.TTLAt = ttlAt
	record.UpdatedAt = now
	r.items[keyHash] = record
	return nil
}

func (r *idempotencyRepositoryInMemory) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for key, record := range r.items {
		if record.TTLAt.After(before) {
			continue
		}

		delete(r.items, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}
	return removed, nil
}

func (r *idempotencyRepositoryInMemory) markStatus(keyHash string, status domain.IdempotencyStatus, result []byte, httpStatus int, now time.Time) error {
	keyHash = strings.TrimSpace(keyHash)
	if keyHash == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.items[keyHash]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}

	record.Status = status
	record.Result = slices.Clone(result)
	record.HTTPStatus = httpStatus
	record.UpdatedAt = now
	r.items[keyHash] = record
	return nil
}

func cloneIdempotencyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.Result = slices.Clone(src.Result)
	return dst
}

var _ domain.IdempotencyRepository = (*idempotencyRepositoryInMemory)(nil)

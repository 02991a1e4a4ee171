package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// outboxRecord хранит сообщение и порядковый номер вставки.
type outboxRecord struct {
	msg domain.OutboxMessage
	seq int64
}

// outboxRepositoryInMemory — in-memory хранилище outbox с уникальным dedupe_key.
type outboxRepositoryInMemory struct {
	mu      sync.RWMutex
	records map[string]*outboxRecord
	byKey   map[string]string
	seq     int64
}

// NewOutboxRepository создаёт in-memory реализацию outbox.
func NewOutboxRepository() domain.OutboxRepository {
	return &outboxRepositoryInMemory{
		records: make(map[string]*outboxRecord),
		byKey:   make(map[string]string),
	}
}

// Enqueue сохраняет сообщение со статусом PENDING; повтор dedupe_key возвращает существующее.
func (r *outboxRepositoryInMemory) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.EnqueueResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.DedupeKey != "" {
		if id, ok := r.byKey[msg.DedupeKey]; ok {
			return domain.EnqueueResult{Inserted: false, Message: cloneOutbox(r.records[id].msg)}, nil
		}
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.DedupeKey == "" {
		msg.DedupeKey = msg.ID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.UpdatedAt = msg.CreatedAt
	msg.Status = domain.OutboxStatusPending
	msg.Attempts = 0

	r.seq++
	r.records[msg.ID] = &outboxRecord{msg: cloneOutbox(msg), seq: r.seq}
	r.byKey[msg.DedupeKey] = msg.ID
	return domain.EnqueueResult{Inserted: true, Message: cloneOutbox(msg)}, nil
}

// Pick возвращает до limit сообщений, готовых к отправке, в порядке вставки.
func (r *outboxRepositoryInMemory) Pick(_ context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.collect(func(m domain.OutboxMessage) bool {
		switch m.Status {
		case domain.OutboxStatusPending:
			return true
		case domain.OutboxStatusFailed:
			return m.NextRetryAt != nil && !m.NextRetryAt.After(now)
		default:
			return false
		}
	}, limit), nil
}

// MarkSent обновляет статус события после успешной доставки.
func (r *outboxRepositoryInMemory) MarkSent(_ context.Context, id string, meta map[string]string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.ErrOutboxMessageNotFound
	}
	record.msg.Status = domain.OutboxStatusSent
	record.msg.Attempts++
	record.msg.NextRetryAt = nil
	record.msg.FailReason = ""
	record.msg.SentAt = domain.TimePtr(now)
	record.msg.UpdatedAt = now
	if len(meta) > 0 {
		if record.msg.Meta == nil {
			record.msg.Meta = make(map[string]string, len(meta))
		}
		maps.Copy(record.msg.Meta, meta)
	}
	return nil
}

// MarkFailed фиксирует ошибку доставки и время следующей попытки.
func (r *outboxRepositoryInMemory) MarkFailed(_ context.Context, id, reason string, attempts int, nextRetryAt *time.Time, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.ErrOutboxMessageNotFound
	}
	record.msg.Status = domain.OutboxStatusFailed
	record.msg.Attempts = attempts
	record.msg.FailReason = reason
	record.msg.NextRetryAt = nil
	if nextRetryAt != nil {
		record.msg.NextRetryAt = domain.TimePtr(*nextRetryAt)
	}
	record.msg.UpdatedAt = now
	return nil
}

func (r *outboxRepositoryInMemory) Get(_ context.Context, id string) (domain.OutboxMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return domain.OutboxMessage{}, domain.ErrOutboxMessageNotFound
	}
	return cloneOutbox(record.msg), nil
}

func (r *outboxRepositoryInMemory) GetByDedupeKey(_ context.Context, dedupeKey string) (domain.OutboxMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byKey[dedupeKey]
	if !ok {
		return domain.OutboxMessage{}, domain.ErrOutboxMessageNotFound
	}
	return cloneOutbox(r.records[id].msg), nil
}

func (r *outboxRepositoryInMemory) ListByDedupePrefix(_ context.Context, prefix string, since time.Time, limit int) ([]domain.OutboxMessage, error) {
	return r.collect(func(m domain.OutboxMessage) bool {
		return strings.HasPrefix(m.DedupeKey, prefix) && !m.CreatedAt.Before(since)
	}, limit), nil
}

// RequeueDead возвращает исчерпавшие попытки сообщения в PENDING.
func (r *outboxRepositoryInMemory) RequeueDead(_ context.Context, now time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	requeued := 0
	for _, record := range r.sortedLocked() {
		if record.msg.Status != domain.OutboxStatusFailed || record.msg.NextRetryAt != nil {
			continue
		}
		record.msg.Status = domain.OutboxStatusPending
		record.msg.Attempts = 0
		record.msg.FailReason = ""
		record.msg.UpdatedAt = now
		requeued++
		if limit > 0 && requeued >= limit {
			break
		}
	}
	return requeued, nil
}

func (r *outboxRepositoryInMemory) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var stats domain.OutboxStats
	for _, record := range r.records {
		switch {
		case record.msg.Status == domain.OutboxStatusPending:
			stats.PendingCount++
			if stats.OldestPendingAt.IsZero() || record.msg.CreatedAt.Before(stats.OldestPendingAt) {
				stats.OldestPendingAt = record.msg.CreatedAt
			}
		case record.msg.Status == domain.OutboxStatusFailed && record.msg.NextRetryAt == nil:
			stats.DeadCount++
		}
	}
	return stats, nil
}

func (r *outboxRepositoryInMemory) collect(match func(domain.OutboxMessage) bool, limit int) []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.OutboxMessage, 0)
	for _, record := range r.sortedLocked() {
		if !match(record.msg) {
			continue
		}
		result = append(result, cloneOutbox(record.msg))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

func (r *outboxRepositoryInMemory) sortedLocked() []*outboxRecord {
	records := slices.Collect(maps.Values(r.records))
	sort.Slice(records, func(i, j int) bool {
		if !records[i].msg.CreatedAt.Equal(records[j].msg.CreatedAt) {
			return records[i].msg.CreatedAt.Before(records[j].msg.CreatedAt)
		}
		return records[i].seq < records[j].seq
	})
	return records
}

func cloneOutbox(msg domain.OutboxMessage) domain.OutboxMessage {
	out := msg
	out.Payload = slices.Clone(msg.Payload)
	out.Meta = maps.Clone(msg.Meta)
	if msg.NextRetryAt != nil {
		out.NextRetryAt = domain.TimePtr(*msg.NextRetryAt)
	}
	if msg.SentAt != nil {
		out.SentAt = domain.TimePtr(*msg.SentAt)
	}
	if msg.ReplyMarkup != nil {
		rows := make([][]domain.Button, len(msg.ReplyMarkup.Rows))
		for i, row := range msg.ReplyMarkup.Rows {
			rows[i] = slices.Clone(row)
		}
		out.ReplyMarkup = &domain.ReplyMarkup{Rows: rows}
	}
	return out
}

var _ domain.OutboxRepository = (*outboxRepositoryInMemory)(nil)

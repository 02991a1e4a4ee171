package memory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/storage/memory"
)

func newOutboxMessage(key string, at time.Time) domain.OutboxMessage {
	return domain.OutboxMessage{
		Kind:      domain.OutboxKindNotification,
		Channel:   domain.ChannelSMS,
		To:        "+380501112233",
		Template:  domain.TemplateOrderPaid,
		Payload:   []byte(`{"order_id":"order-1"}`),
		DedupeKey: key,
		CreatedAt: at,
	}
}

func TestOutboxRepository_EnqueueAndPick(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOutboxRepository()
	now := time.Now().UTC()

	res, err := repo.Enqueue(ctx, newOutboxMessage("paid:order-1", now))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if !res.Inserted || res.Message.ID == "" {
		t.Fatalf("expected inserted message with id, got %+v", res)
	}

	dup, err := repo.Enqueue(ctx, newOutboxMessage("paid:order-1", now))
	if err != nil {
		t.Fatalf("enqueue duplicate failed: %v", err)
	}
	if dup.Inserted || dup.Message.ID != res.Message.ID {
		t.Fatalf("expected existing message on duplicate key, got %+v", dup)
	}

	pending, err := repo.Pick(ctx, now, 10)
	if err != nil {
		t.Fatalf("pick failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != res.Message.ID {
		t.Fatalf("expected 1 pending message, got %d", len(pending))
	}
}

func TestOutboxRepository_FailedRetriedOnlyAfterNextRetry(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOutboxRepository()
	now := time.Now().UTC()

	res, _ := repo.Enqueue(ctx, newOutboxMessage("k", now))
	next := now.Add(5 * time.Minute)
	if err := repo.MarkFailed(ctx, res.Message.ID, "timeout", 1, &next, now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	if picked, _ := repo.Pick(ctx, now.Add(time.Minute), 10); len(picked) != 0 {
		t.Fatalf("failed message picked before next_retry_at")
	}
	if picked, _ := repo.Pick(ctx, next, 10); len(picked) != 1 {
		t.Fatalf("failed message not picked at next_retry_at")
	}

	if err := repo.MarkSent(ctx, res.Message.ID, map[string]string{"partition": "0"}, next); err != nil {
		t.Fatalf("mark sent failed: %v", err)
	}
	got, _ := repo.Get(ctx, res.Message.ID)
	if got.Status != domain.OutboxStatusSent || got.Attempts != 2 || got.Meta["partition"] != "0" {
		t.Fatalf("unexpected message after send: %+v", got)
	}

	if err := repo.MarkFailed(ctx, "missing", "x", 1, nil, now); err == nil {
		t.Fatal("expected error for missing record")
	}
}

func TestOutboxRepository_PickOrderAndDeadRequeue(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOutboxRepository()
	now := time.Now().UTC()

	first, _ := repo.Enqueue(ctx, newOutboxMessage("a", now))
	second, _ := repo.Enqueue(ctx, newOutboxMessage("b", now.Add(time.Second)))

	picked, _ := repo.Pick(ctx, now.Add(time.Minute), 10)
	if len(picked) != 2 || picked[0].ID != first.Message.ID || picked[1].ID != second.Message.ID {
		t.Fatalf("expected insertion order")
	}

	if err := repo.MarkFailed(ctx, first.Message.ID, "dead", 8, nil, now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	stats, _ := repo.Stats(ctx)
	if stats.DeadCount != 1 || stats.PendingCount != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	n, err := repo.RequeueDead(ctx, now, 10)
	if err != nil || n != 1 {
		t.Fatalf("requeue: n=%d err=%v", n, err)
	}
	got, _ := repo.Get(ctx, first.Message.ID)
	if got.Status != domain.OutboxStatusPending || got.Attempts != 0 {
		t.Fatalf("unexpected requeued message %+v", got)
	}
}

// Для любого dedupe_key в outbox ровно одна запись, даже при конкурентной вставке.
func TestOutboxRepository_DedupeKeyUniqueUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOutboxRepository()
	now := time.Now().UTC()
	faker := gofakeit.New(42)

	keys := make([]string, 20)
	for i := range keys {
		keys[i] = fmt.Sprintf("payretry:%s:%s", faker.UUID(), faker.RandomString([]string{"REMIND_15M", "REMIND_60M"}))
	}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = repo.Enqueue(ctx, newOutboxMessage(keys[i%len(keys)], now))
		}(i)
	}
	wg.Wait()

	for _, key := range keys {
		msgs, err := repo.ListByDedupePrefix(ctx, key, time.Time{}, 0)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(msgs) != 1 {
			t.Fatalf("key %s: expected exactly one row, got %d", key, len(msgs))
		}
	}
}

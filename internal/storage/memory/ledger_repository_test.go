package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/storage/memory"
)

func TestLedgerRepository_UniqueOrderTypeRef(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewLedgerRepository()
	entry := domain.LedgerEntry{
		OrderID:     "order-1",
		Type:        domain.LedgerShipCostOut,
		Ref:         "20450000000001",
		AmountMinor: 7_000,
		Currency:    domain.CurrencyUAH,
		CreatedAt:   time.Now().UTC(),
	}

	inserted, err := repo.Append(ctx, entry)
	if err != nil || !inserted {
		t.Fatalf("first append: inserted=%v err=%v", inserted, err)
	}
	inserted, err = repo.Append(ctx, entry)
	if err != nil || inserted {
		t.Fatalf("second append must be a no-op: inserted=%v err=%v", inserted, err)
	}

	entry.Type = domain.LedgerReturnCostOut
	if inserted, _ := repo.Append(ctx, entry); !inserted {
		t.Fatalf("different type with the same ref must be inserted")
	}

	list, _ := repo.List(ctx, domain.LedgerFilter{OrderID: "order-1", Types: []domain.LedgerType{domain.LedgerShipCostOut}})
	if len(list) != 1 || list[0].Direction != domain.DirectionOut {
		t.Fatalf("unexpected ledger list %+v", list)
	}
}

func TestEventRepository_DuplicateByKeyAndSignature(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewEventRepository()
	now := time.Now().UTC()

	ev, inserted, err := repo.Insert(ctx, domain.ProviderEvent{
		Provider:      "fondy",
		EventID:       "ord:ORDER_PAYMENT:pay:approved:abc",
		SignatureHash: "sig-1",
		OrderID:       "ord",
		CreatedAt:     now,
	})
	if err != nil || !inserted {
		t.Fatalf("insert: inserted=%v err=%v", inserted, err)
	}
	if ev.Status != domain.EventStatusReceived {
		t.Fatalf("expected RECEIVED, got %s", ev.Status)
	}

	_, inserted, _ = repo.Insert(ctx, domain.ProviderEvent{Provider: "fondy", EventID: "other", SignatureHash: "sig-1"})
	if inserted {
		t.Fatalf("same signature hash must be rejected")
	}

	if err := repo.MarkProcessed(ctx, ev.ID, []byte(`{"ok":true}`), now); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	dup, inserted, _ := repo.Insert(ctx, domain.ProviderEvent{Provider: "fondy", EventID: ev.EventID})
	if inserted || dup.Status != domain.EventStatusProcessed {
		t.Fatalf("expected processed duplicate, got %+v", dup)
	}

	n, _ := repo.CountProcessed(ctx, "fondy", ev.EventID)
	if n != 1 {
		t.Fatalf("expected exactly one processed event, got %d", n)
	}
}

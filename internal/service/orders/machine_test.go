package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/storage/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StatusChangedEvent
	err    error
}

func (p *recordingPublisher) PublishStatusChanged(_ context.Context, ev domain.StatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func seedOrder(t *testing.T, repo domain.OrderRepository, id string, status domain.OrderStatus) domain.Order {
	t.Helper()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	o := domain.Order{
		ID:       id,
		Status:   status,
		Currency: domain.CurrencyUAH,
		Items: []domain.OrderItem{
			{ProductID: "p-1", Title: "Чайник", Quantity: 1, UnitPriceMinor: 150_000},
		},
		Shipping:  domain.Shipping{FullName: "Петренко Олена", Phone: "+380671234567", City: "Львів"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.RecalculateTotals()
	if err := repo.Create(context.Background(), o); err != nil {
		t.Fatalf("create order: %v", err)
	}
	stored, err := repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return stored
}

func TestMachine_TransitionAppendsHistoryAndBumpsVersion(t *testing.T) {
	t.Parallel()

	repo := memory.NewOrderRepository()
	clk := clock.NewManual(time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC))
	pub := &recordingPublisher{}
	m := NewMachine(repo, WithClock(clk), WithPublisher(pub))

	seedOrder(t, repo, "o-1", domain.OrderStatusNew)

	updated, err := m.Transition(context.Background(), TransitionRequest{
		OrderID: "o-1",
		To:      domain.OrderStatusAwaitingPayment,
		Actor:   ActorCheckout,
		Reason:  "payment intent created",
		Patch: func(o *domain.Order) error {
			o.Payment = &domain.OrderPayment{Provider: "fondy", Status: domain.PaymentStatusCreated}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}
	if updated.Version != 2 || updated.Status != domain.OrderStatusAwaitingPayment {
		t.Fatalf("unexpected order after transition: v%d %s", updated.Version, updated.Status)
	}
	if len(updated.StatusHistory) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(updated.StatusHistory))
	}
	h := updated.StatusHistory[0]
	if h.From != domain.OrderStatusNew || h.To != domain.OrderStatusAwaitingPayment || h.Actor != ActorCheckout || !h.At.Equal(clk.Now()) {
		t.Fatalf("unexpected history entry %+v", h)
	}
	if updated.Payment == nil || updated.Payment.Provider != "fondy" {
		t.Fatalf("patch was not merged")
	}
	if len(pub.events) != 1 || pub.events[0].Version != 2 {
		t.Fatalf("expected one published event, got %+v", pub.events)
	}
}

func TestMachine_TransitionErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		status  domain.OrderStatus
		req     TransitionRequest
		wantErr error
	}{
		{
			name:    "illegal edge",
			status:  domain.OrderStatusNew,
			req:     TransitionRequest{To: domain.OrderStatusDelivered},
			wantErr: domain.ErrInvalidTransition,
		},
		{
			name:    "terminal status",
			status:  domain.OrderStatusCanceled,
			req:     TransitionRequest{To: domain.OrderStatusProcessing},
			wantErr: domain.ErrInvalidTransition,
		},
		{
			name:    "require current mismatch",
			status:  domain.OrderStatusNew,
			req:     TransitionRequest{To: domain.OrderStatusCanceled, RequireCurrent: domain.OrderStatusAwaitingPayment},
			wantErr: domain.ErrOrderConflict,
		},
		{
			name:    "stale version",
			status:  domain.OrderStatusNew,
			req:     TransitionRequest{To: domain.OrderStatusCanceled, ExpectedVersion: 7},
			wantErr: domain.ErrOrderConflict,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			repo := memory.NewOrderRepository()
			m := NewMachine(repo)
			seedOrder(t, repo, "o-err", tc.status)

			tc.req.OrderID = "o-err"
			_, err := m.Transition(context.Background(), tc.req)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}

			stored, _ := repo.Get(context.Background(), "o-err")
			if stored.Version != 1 || len(stored.StatusHistory) != 0 {
				t.Fatalf("failed transition must not mutate the order: %+v", stored)
			}
		})
	}
}

func TestMachine_TransitionNotFound(t *testing.T) {
	t.Parallel()

	m := NewMachine(memory.NewOrderRepository())
	_, err := m.Transition(context.Background(), TransitionRequest{OrderID: "missing", To: domain.OrderStatusCanceled})
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestMachine_CheckRejectsUnderLock(t *testing.T) {
	t.Parallel()

	repo := memory.NewOrderRepository()
	m := NewMachine(repo)
	seedOrder(t, repo, "o-check", domain.OrderStatusProcessing)

	_, err := m.Transition(context.Background(), TransitionRequest{
		OrderID: "o-check",
		To:      domain.OrderStatusShipped,
		Check: func(o domain.Order) error {
			if o.TTN() == "" {
				return domain.ErrOrderConflict
			}
			return nil
		},
	})
	if !domain.IsConflict(err) {
		t.Fatalf("expected conflict from check, got %v", err)
	}
}

func TestMachine_MarkPaidIsIdempotent(t *testing.T) {
	t.Parallel()

	repo := memory.NewOrderRepository()
	m := NewMachine(repo)
	seedOrder(t, repo, "o-paid", domain.OrderStatusAwaitingPayment)

	first, applied, err := m.MarkPaid(context.Background(), "o-paid", ActorWebhook, nil)
	if err != nil || !applied {
		t.Fatalf("first mark paid: applied=%v err=%v", applied, err)
	}
	if first.Status != domain.OrderStatusPaid {
		t.Fatalf("expected PAID, got %s", first.Status)
	}

	for i := 0; i < 3; i++ {
		again, applied, err := m.MarkPaid(context.Background(), "o-paid", ActorWebhook, nil)
		if err != nil || applied {
			t.Fatalf("repeat mark paid: applied=%v err=%v", applied, err)
		}
		if again.Version != first.Version {
			t.Fatalf("repeat must not bump version: %d != %d", again.Version, first.Version)
		}
	}

	if _, err := m.Transition(context.Background(), TransitionRequest{OrderID: "o-paid", To: domain.OrderStatusProcessing}); err != nil {
		t.Fatalf("PAID -> PROCESSING: %v", err)
	}
	if _, applied, err := m.MarkPaid(context.Background(), "o-paid", ActorReconcile, nil); err != nil || applied {
		t.Fatalf("mark paid on PROCESSING must be a no-op: applied=%v err=%v", applied, err)
	}
}

func TestMachine_MarkPaidConcurrentSingleApply(t *testing.T) {
	t.Parallel()

	repo := memory.NewOrderRepository()
	m := NewMachine(repo)
	seedOrder(t, repo, "o-race", domain.OrderStatusAwaitingPayment)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		failed  int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := m.MarkPaid(context.Background(), "o-race", ActorWebhook, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
			}
			if ok {
				applied++
			}
		}()
	}
	wg.Wait()

	if applied != 1 || failed != 0 {
		t.Fatalf("expected single apply without errors, applied=%d failed=%d", applied, failed)
	}
	stored, _ := repo.Get(context.Background(), "o-race")
	if stored.Version != 2 || len(stored.StatusHistory) != 1 {
		t.Fatalf("unexpected order after race: v%d history=%d", stored.Version, len(stored.StatusHistory))
	}
}

func TestMachine_MarkPaidFromCanceledFails(t *testing.T) {
	t.Parallel()

	repo := memory.NewOrderRepository()
	m := NewMachine(repo)
	seedOrder(t, repo, "o-late", domain.OrderStatusCanceled)

	if _, _, err := m.MarkPaid(context.Background(), "o-late", ActorWebhook, nil); !domain.IsConflict(err) {
		t.Fatalf("expected conflict for canceled order, got %v", err)
	}
}

func TestMachine_MutateKeepsStatus(t *testing.T) {
	t.Parallel()

	repo := memory.NewOrderRepository()
	m := NewMachine(repo)
	seedOrder(t, repo, "o-mut", domain.OrderStatusShipped)

	updated, err := m.Mutate(context.Background(), "o-mut", domain.OrderGuard{Status: domain.OrderStatusShipped}, func(o *domain.Order) error {
		o.Returns.Stage = domain.ReturnStageReturning
		return nil
	})
	if err != nil {
		t.Fatalf("mutate failed: %v", err)
	}
	if updated.Version != 2 || updated.Returns.Stage != domain.ReturnStageReturning {
		t.Fatalf("unexpected mutate result %+v", updated)
	}

	_, err = m.Mutate(context.Background(), "o-mut", domain.OrderGuard{}, func(o *domain.Order) error {
		o.Status = domain.OrderStatusDelivered
		return nil
	})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("status change through mutate must fail, got %v", err)
	}
}

func TestMachine_Transitions(t *testing.T) {
	t.Parallel()

	repo := memory.NewOrderRepository()
	m := NewMachine(repo)
	seedOrder(t, repo, "o-view", domain.OrderStatusRefunded)

	view, err := m.Transitions(context.Background(), "o-view")
	if err != nil {
		t.Fatalf("transitions failed: %v", err)
	}
	if view.Allowed == nil || len(view.Allowed) != 0 {
		t.Fatalf("terminal status must expose an empty allowed list, got %v", view.Allowed)
	}
}

// Случайные последовательности переходов: версия растёт ровно на 1 за успех,
// история повторяет наблюдаемые статусы и каждое ребро допустимо.
func TestMachine_RandomWalkKeepsHistoryConsistent(t *testing.T) {
	t.Parallel()

	statuses := []domain.OrderStatus{
		domain.OrderStatusNew,
		domain.OrderStatusAwaitingPayment,
		domain.OrderStatusPaid,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
		domain.OrderStatusCanceled,
		domain.OrderStatusRefunded,
	}
	faker := gofakeit.New(2025)

	for run := 0; run < 50; run++ {
		repo := memory.NewOrderRepository()
		m := NewMachine(repo)
		id := faker.UUID()
		seedOrder(t, repo, id, domain.OrderStatusNew)

		observed := []domain.OrderStatus{domain.OrderStatusNew}
		version := int64(1)
		for step := 0; step < 20; step++ {
			to := statuses[faker.IntRange(0, len(statuses)-1)]
			updated, err := m.Transition(context.Background(), TransitionRequest{OrderID: id, To: to, Actor: ActorSystem})
			if err != nil {
				if !errors.Is(err, domain.ErrInvalidTransition) {
					t.Fatalf("unexpected error: %v", err)
				}
				continue
			}
			if updated.Version != version+1 {
				t.Fatalf("version must increase by exactly 1: %d -> %d", version, updated.Version)
			}
			version = updated.Version
			observed = append(observed, updated.Status)
		}

		final, _ := repo.Get(context.Background(), id)
		if len(final.StatusHistory) != len(observed)-1 {
			t.Fatalf("history length %d, observed %d transitions", len(final.StatusHistory), len(observed)-1)
		}
		for i, h := range final.StatusHistory {
			if h.From != observed[i] || h.To != observed[i+1] {
				t.Fatalf("history[%d] = %s->%s, observed %s->%s", i, h.From, h.To, observed[i], observed[i+1])
			}
			if !domain.CanTransition(h.From, h.To) {
				t.Fatalf("history contains illegal edge %s->%s", h.From, h.To)
			}
		}
	}
}

func TestMachine_AwaitingPaymentToNewRequiresPaidDeposit(t *testing.T) {
	t.Parallel()

	repo := memory.NewOrderRepository()
	m := NewMachine(repo)
	seedOrder(t, repo, "o-dep", domain.OrderStatusAwaitingPayment)

	_, err := m.Transition(context.Background(), TransitionRequest{OrderID: "o-dep", To: domain.OrderStatusNew, Actor: ActorWebhook})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition without deposit, got %v", err)
	}

	updated, err := m.Transition(context.Background(), TransitionRequest{
		OrderID: "o-dep",
		To:      domain.OrderStatusNew,
		Actor:   ActorWebhook,
		Reason:  "deposit paid",
		Patch: func(o *domain.Order) error {
			o.Deposit.Paid = true
			return nil
		},
	})
	if err != nil {
		t.Fatalf("transition with paid deposit: %v", err)
	}
	if updated.Status != domain.OrderStatusNew || !updated.Deposit.Paid {
		t.Fatalf("unexpected order %s paid=%v", updated.Status, updated.Deposit.Paid)
	}
}

func TestMachine_Cancel(t *testing.T) {
	t.Parallel()

	repo := memory.NewOrderRepository()
	m := NewMachine(repo)
	seedOrder(t, repo, "o-new", domain.OrderStatusNew)
	seedOrder(t, repo, "o-shipped", domain.OrderStatusShipped)

	canceled, err := m.Cancel(context.Background(), "o-new", ActorAdmin, "")
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if canceled.Status != domain.OrderStatusCanceled || canceled.StatusHistory[0].Reason != "canceled by admin" {
		t.Fatalf("unexpected order after cancel: %s %+v", canceled.Status, canceled.StatusHistory)
	}
	if _, err := m.Cancel(context.Background(), "o-shipped", ActorAdmin, "too late"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for shipped order, got %v", err)
	}
}

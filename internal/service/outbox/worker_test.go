package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
	"github.com/vladislavdragonenkov/marketcore/internal/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	_ domain.OutboxTransport     = (*stubTransport)(nil)
	_ domain.DeadLetterPublisher = (*stubDeadLetter)(nil)
)

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	cases := map[int]time.Duration{
		0:  time.Minute,
		1:  time.Minute,
		2:  5 * time.Minute,
		3:  15 * time.Minute,
		4:  60 * time.Minute,
		5:  240 * time.Minute,
		9:  240 * time.Minute,
		42: 240 * time.Minute,
	}
	for attempts, want := range cases {
		if got := Backoff(attempts); got != want {
			t.Fatalf("Backoff(%d) = %s, want %s", attempts, got, want)
		}
	}
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clk := clock.NewManual(time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))
	repo := memory.NewOutboxRepository()
	notifier := NewNotifier(repo, WithNotifierClock(clk))

	res, err := notifier.Notify(ctx, Notification{
		Channel:   domain.ChannelSMS,
		To:        "+380501112233",
		Template:  domain.TemplateOrderPaid,
		Payload:   map[string]any{"order_id": "o-1"},
		DedupeKey: "order_paid:o-1",
	})
	if err != nil {
		t.Fatalf("notify failed: %v", err)
	}

	transport := &stubTransport{}
	worker := NewWorker(repo, transport, WithClock(clk))

	sent, err := worker.ProcessOnce(ctx)
	if err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}
	if sent != 1 || transport.calls() != 1 {
		t.Fatalf("expected single delivery, sent=%d calls=%d", sent, transport.calls())
	}

	got, _ := repo.Get(ctx, res.Message.ID)
	if got.Status != domain.OutboxStatusSent || got.Meta["partition"] != "3" {
		t.Fatalf("unexpected message after send: %+v", got)
	}

	if sent, _ := worker.ProcessOnce(ctx); sent != 0 {
		t.Fatalf("sent message must not be picked again")
	}
}

func TestWorker_ProcessOnce_BackoffThenDead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	repo := memory.NewOutboxRepository()
	notifier := NewNotifier(repo, WithNotifierClock(clk), WithAdminChatID("-100500"))

	res, err := notifier.Alert(ctx, Alert{
		Type:      domain.AlertPaymentReceived,
		Text:      "Оплата " + FormatUAH(247_500),
		DedupeKey: "alert:paid:o-1",
		Buttons:   [][]domain.Button{{Button("Скасувати", "order_cancel", "o-1")}},
	})
	if err != nil {
		t.Fatalf("alert failed: %v", err)
	}
	if res.Message.To != "-100500" || res.Message.ReplyMarkup == nil {
		t.Fatalf("unexpected alert message %+v", res.Message)
	}

	transport := &stubTransport{err: errors.New("broker unavailable")}
	dlq := &stubDeadLetter{}
	worker := NewWorker(repo, transport, WithClock(clk), WithMaxAttempts(3), WithDeadLetter(dlq))

	if _, err := worker.ProcessOnce(ctx); err != nil {
		t.Fatalf("ProcessOnce failed: %v", err)
	}
	got, _ := repo.Get(ctx, res.Message.ID)
	if got.Status != domain.OutboxStatusFailed || got.Attempts != 1 || got.NextRetryAt == nil || !got.NextRetryAt.Equal(start.Add(time.Minute)) {
		t.Fatalf("unexpected message after first failure: %+v", got)
	}

	// До next_retry_at сообщение не выбирается.
	clk.Advance(30 * time.Second)
	_, _ = worker.ProcessOnce(ctx)
	if transport.calls() != 1 {
		t.Fatalf("message delivered before next_retry_at")
	}

	clk.Advance(30 * time.Second)
	_, _ = worker.ProcessOnce(ctx)
	got, _ = repo.Get(ctx, res.Message.ID)
	if got.Attempts != 2 || !got.NextRetryAt.Equal(clk.Now().Add(5*time.Minute)) {
		t.Fatalf("unexpected message after second failure: %+v", got)
	}

	clk.Advance(5 * time.Minute)
	_, _ = worker.ProcessOnce(ctx)
	got, _ = repo.Get(ctx, res.Message.ID)
	if got.Attempts != 3 || got.NextRetryAt != nil || got.Status != domain.OutboxStatusFailed {
		t.Fatalf("expected dead message, got %+v", got)
	}
	if dlq.count() != 1 {
		t.Fatalf("expected one DLQ publish, got %d", dlq.count())
	}

	clk.Advance(24 * time.Hour)
	_, _ = worker.ProcessOnce(ctx)
	if transport.calls() != 3 {
		t.Fatalf("dead message must not be retried, calls=%d", transport.calls())
	}
}

func TestNotifier_DedupeAndValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	notifier := NewNotifier(memory.NewOutboxRepository())

	msg := Notification{Channel: domain.ChannelEmail, To: "a@example.com", Template: domain.TemplateTTNCreated, DedupeKey: "ttn:1:email"}
	first, err := notifier.Notify(ctx, msg)
	if err != nil || !first.Inserted {
		t.Fatalf("first notify: %+v %v", first, err)
	}
	second, err := notifier.Notify(ctx, msg)
	if err != nil || second.Inserted || second.Message.ID != first.Message.ID {
		t.Fatalf("duplicate notify must return existing: %+v %v", second, err)
	}

	if _, err := notifier.Notify(ctx, Notification{Template: "X", DedupeKey: "k"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRecipient_Preferred(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		r       Recipient
		channel domain.Channel
		to      string
		ok      bool
	}{
		{"telegram first", Recipient{TelegramChatID: "42", Phone: "+380", Email: "e@x"}, domain.ChannelTelegram, "42", true},
		{"sms second", Recipient{Phone: "+380", Email: "e@x"}, domain.ChannelSMS, "+380", true},
		{"email last", Recipient{Email: "e@x"}, domain.ChannelEmail, "e@x", true},
		{"nothing", Recipient{}, "", "", false},
	}
	for _, tc := range cases {
		channel, to, ok := tc.r.Preferred()
		if channel != tc.channel || to != tc.to || ok != tc.ok {
			t.Fatalf("%s: got %s %s %v", tc.name, channel, to, ok)
		}
	}
}

type stubTransport struct {
	mu        sync.Mutex
	err       error
	callCount int
}

func (s *stubTransport) Deliver(context.Context, domain.OutboxMessage) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callCount++
	if s.err != nil {
		return nil, s.err
	}
	return map[string]string{"partition": "3"}, nil
}

func (s *stubTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

type stubDeadLetter struct {
	mu   sync.Mutex
	msgs []domain.OutboxMessage
}

func (s *stubDeadLetter) PublishDeadLetter(_ context.Context, msg domain.OutboxMessage, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *stubDeadLetter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	cb := NewCircuitBreaker("novaposhta", 2, time.Minute, clk)
	ctx := context.Background()
	fail := func(context.Context) error { return fmt.Errorf("http 503: %w", domain.ErrProvider) }
	ok := func(context.Context) error { return nil }

	_ = cb.Execute(ctx, "create", fail)
	if cb.State() != CircuitClosed {
		t.Fatalf("one failure must not open the circuit")
	}
	_ = cb.Execute(ctx, "create", fail)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open circuit, got %s", cb.State())
	}

	called := false
	err := cb.Execute(ctx, "create", func(context.Context) error { called = true; return nil })
	if !errors.Is(err, domain.ErrCircuitOpen) || called {
		t.Fatalf("open circuit must reject without calling: err=%v called=%v", err, called)
	}
	if domain.KindOf(err) != domain.KindProvider {
		t.Fatalf("open circuit must be a provider error")
	}

	clk.Advance(2 * time.Minute)
	if err := cb.Execute(ctx, "create", ok); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("successful probe must close the circuit")
	}
}

func TestCircuitBreaker_IgnoresBusinessErrors(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("fondy", 1, time.Minute, nil)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), "status", func(context.Context) error { return domain.ErrValidation })
	}
	if cb.State() != CircuitClosed {
		t.Fatalf("validation errors must not open the circuit")
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()

	cfg := RetryConfig{MaxAttempts: 3, BackoffFactor: 2}
	calls := 0
	err := Retry(context.Background(), cfg, domain.Retryable, func(context.Context) error {
		calls++
		if calls < 3 {
			return domain.ErrProvider
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third call: err=%v calls=%d", err, calls)
	}

	calls = 0
	err = Retry(context.Background(), cfg, domain.Retryable, func(context.Context) error {
		calls++
		return domain.ErrOrderNotFound
	})
	if !errors.Is(err, domain.ErrOrderNotFound) || calls != 1 {
		t.Fatalf("non-retryable error must stop immediately: calls=%d", calls)
	}
}

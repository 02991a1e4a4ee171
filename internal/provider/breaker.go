// Package provider содержит общую защиту исходящих вызовов к провайдерам.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketcore/internal/clock"
	"github.com/vladislavdragonenkov/marketcore/internal/domain"
)

// CircuitState — состояние circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreaker блокирует вызовы после maxFailures подряд до истечения resetTimeout.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	clock        clock.Clock
	logger       *log.Entry

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	state       CircuitState
}

// NewCircuitBreaker создаёт circuit breaker для провайдера name.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration, clk clock.Clock) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		clock:        clk,
		logger:       log.WithFields(log.Fields{"component": "circuit-breaker", "provider": name}),
	}
}

// State возвращает текущее состояние.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute выполняет fn через circuit breaker.
// Считаются только ошибки провайдера и транспорта: бизнес-отказ не открывает цепь.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation string, fn func(context.Context) error) error {
	if err := cb.before(operation); err != nil {
		return err
	}

	err := fn(ctx)
	cb.after(operation, err)
	return err
}

func (cb *CircuitBreaker) before(operation string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return nil
	}
	if cb.clock.Now().Sub(cb.lastFailure) > cb.resetTimeout {
		cb.state = CircuitHalfOpen
		cb.logger.WithField("operation", operation).Info("circuit breaker half-open")
		return nil
	}
	return fmt.Errorf("%s %s: %w", cb.name, operation, domain.ErrCircuitOpen)
}

func (cb *CircuitBreaker) after(operation string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && domain.Retryable(err) && !errors.Is(err, context.Canceled) {
		cb.failures++
		cb.lastFailure = cb.clock.Now()
		if cb.state == CircuitHalfOpen || cb.failures >= cb.maxFailures {
			if cb.state != CircuitOpen {
				cb.logger.WithFields(log.Fields{
					"operation": operation,
					"failures":  cb.failures,
				}).Warn("circuit breaker opened")
			}
			cb.state = CircuitOpen
		}
		return
	}

	if cb.state == CircuitHalfOpen {
		cb.logger.WithField("operation", operation).Info("circuit breaker closed")
	}
	cb.state = CircuitClosed
	cb.failures = 0
}

// Package circuitbreaker guards calls to the time-series store with
// github.com/sony/gobreaker.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/portfolio-tracker/internal/logging"
	"github.com/sony/gobreaker"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the service has recovered
	StateHalfOpen State = "half_open"
)

// Config configures a circuit breaker
type Config struct {
	Name                string
	MaxFailures         uint32        // Consecutive failures before opening
	Timeout             time.Duration // Time to wait before attempting half-open
	HalfOpenMaxCalls    uint32        // Max calls allowed in half-open state
	CountWindow         time.Duration // Cyclic period to clear counts while closed
	OnStateChangeMetric func(name string, state float64)
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
		CountWindow:      time.Minute,
	}
}

// CircuitBreaker wraps a gobreaker breaker
type CircuitBreaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	maxFailures := config.MaxFailures
	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: config.HalfOpenMaxCalls,
		Interval:    config.CountWindow,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Missing rows and cancelled callers say nothing about the store's health
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				apperrors.IsInsufficientData(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.WithFields(map[string]interface{}{
				"breaker": name,
				"from":    toState(from),
				"to":      toState(to),
			}).Warn("Circuit breaker state changed")
			if config.OnStateChangeMetric != nil {
				config.OnStateChangeMetric(name, stateValue(to))
			}
		},
	}
	return &CircuitBreaker{name: config.Name, cb: gobreaker.NewCircuitBreaker(settings)}
}

func toState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Execute runs fn through the breaker. An open breaker yields a retryable
// SERVICE_UNAVAILABLE error without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Do(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do is Execute for calls that return a value
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	out, err := cb.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		unavailable := apperrors.NewServiceUnavailableError(cb.name)
		unavailable.Cause = err
		return zero, unavailable
	}
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() State {
	return toState(cb.cb.State())
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/portfolio-tracker/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(onChange func(string, float64)) *CircuitBreaker {
	return NewCircuitBreaker(&Config{
		Name:                "clickhouse",
		MaxFailures:         2,
		Timeout:             time.Hour,
		HalfOpenMaxCalls:    1,
		OnStateChangeMetric: onChange,
	})
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var states []float64
	cb := testBreaker(func(_ string, s float64) { states = append(states, s) })
	boom := errors.New("connection refused")

	for i := 0; i < 2; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StateOpen, cb.GetState())
	assert.Equal(t, []float64{2}, states)

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called)
	assert.True(t, apperrors.IsRetryable(err))
	assert.True(t, apperrors.HasCode(err, apperrors.CodeServiceUnavailable))
}

func TestCircuitBreaker_InsufficientDataDoesNotTrip(t *testing.T) {
	cb := testBreaker(nil)
	for i := 0; i < 5; i++ {
		_ = cb.Execute(context.Background(), func(context.Context) error {
			return apperrors.NewInsufficientDataError("no rows", nil)
		})
	}
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestDo_ReturnsValue(t *testing.T) {
	cb := testBreaker(nil)
	v, err := Do(context.Background(), cb, func(context.Context) ([]int, error) { return []int{1, 2}, nil })
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, v)
}

func TestDo_CancelledContext(t *testing.T) {
	cb := testBreaker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, cb, func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, context.Canceled)
}

package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadstitch/flowline/pkg/schema"
)

func failingCall(ctx context.Context) (any, error) { return nil, errors.New("boom") }
func okCall(ctx context.Context) (any, error)      { return "ok", nil }

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker("api.example.com", DefaultCircuitBreakerConfig())
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("api", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(context.Background(), failingCall)
		assert.EqualError(t, err, "boom")
	}
	assert.Equal(t, CircuitOpen, cb.State())

	// Next call is rejected without invoking fn.
	called := false
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (any, error) {
		called = true
		return nil, nil
	})
	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, flowErr.Code)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("api", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})

	_, _ = cb.Execute(context.Background(), failingCall)
	_, _ = cb.Execute(context.Background(), failingCall)
	_, err := cb.Execute(context.Background(), okCall)
	require.NoError(t, err)

	// Two more failures still do not reach the threshold.
	_, _ = cb.Execute(context.Background(), failingCall)
	_, _ = cb.Execute(context.Background(), failingCall)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker("api", CircuitBreakerConfig{
		FailureThreshold:  1,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 2,
	})

	now := time.Now()
	cb.now = func() time.Time { return now }

	_, _ = cb.Execute(context.Background(), failingCall)
	assert.Equal(t, CircuitOpen, cb.State())

	// Before the window elapses the breaker stays open.
	now = now.Add(29 * time.Second)
	assert.Equal(t, CircuitOpen, cb.State())

	// After it elapses a probe is allowed.
	now = now.Add(2 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreaker_ClosesAfterConsecutiveProbes(t *testing.T) {
	cb := NewCircuitBreaker("api", CircuitBreakerConfig{
		FailureThreshold:  1,
		ResetTimeout:      time.Second,
		HalfOpenSuccesses: 2,
	})

	now := time.Now()
	cb.now = func() time.Time { return now }

	_, _ = cb.Execute(context.Background(), failingCall)
	now = now.Add(2 * time.Second)

	// First probe succeeds but the breaker needs two.
	_, err := cb.Execute(context.Background(), okCall)
	require.NoError(t, err)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	_, err = cb.Execute(context.Background(), okCall)
	require.NoError(t, err)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("api", CircuitBreakerConfig{
		FailureThreshold:  1,
		ResetTimeout:      time.Second,
		HalfOpenSuccesses: 2,
	})

	now := time.Now()
	cb.now = func() time.Time { return now }

	_, _ = cb.Execute(context.Background(), failingCall)
	now = now.Add(2 * time.Second)

	_, err := cb.Execute(context.Background(), failingCall)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, CircuitOpen, cb.State())

	// The reset window restarts from the probe failure.
	now = now.Add(500 * time.Millisecond)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreakerRegistry_PerResource(t *testing.T) {
	reg := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute})

	a := reg.Get("host-a")
	b := reg.Get("host-b")
	assert.NotSame(t, a, b)
	assert.Same(t, a, reg.Get("host-a"))

	// Opening one breaker leaves the other closed.
	_, _ = a.Execute(context.Background(), failingCall)
	assert.Equal(t, CircuitOpen, a.State())
	assert.Equal(t, CircuitClosed, b.State())
}

func TestCircuitBreakerRegistry_Stats(t *testing.T) {
	reg := NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig())
	reg.Get("one")
	reg.Get("two")

	stats := reg.Stats()
	assert.Len(t, stats, 2)
}

package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(cfg Config) *CircuitBreaker {
	return New("test-tier", cfg, nil, nil)
}

func TestCircuitBreaker_TripsAfterThreshold(t *testing.T) {
	cb := newTestBreaker(Config{FailureThreshold: 3, OpenTimeout: time.Hour, SuccessThreshold: 2})

	failing := errors.New("boom")
	for i := 0; i < 2; i++ {
		err := cb.Execute(func() error { return failing })
		require.Error(t, err)
		assert.Equal(t, Closed, cb.Status().State)
	}

	err := cb.Execute(func() error { return failing })
	require.Error(t, err)
	assert.Equal(t, Open, cb.Status().State)
	assert.False(t, cb.AllowsRequest())
}

func TestCircuitBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond, SuccessThreshold: 2})

	_ = cb.Execute(func() error { return errors.New("boom") })
	assert.Equal(t, Open, cb.Status().State)

	time.Sleep(15 * time.Millisecond)
	assert.True(t, cb.AllowsRequest())
	assert.Equal(t, HalfOpen, cb.Status().State)
}

func TestCircuitBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	cb := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Millisecond, SuccessThreshold: 2})

	_ = cb.Execute(func() error { return errors.New("boom") })
	time.Sleep(2 * time.Millisecond)
	require.True(t, cb.AllowsRequest())

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, HalfOpen, cb.Status().State)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, Closed, cb.Status().State)
	assert.Equal(t, 0, cb.Status().FailureCount)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Millisecond, SuccessThreshold: 2})

	_ = cb.Execute(func() error { return errors.New("boom") })
	time.Sleep(2 * time.Millisecond)
	require.True(t, cb.AllowsRequest())

	err := cb.Execute(func() error { return errors.New("boom again") })
	require.Error(t, err)
	assert.Equal(t, Open, cb.Status().State)
}

func TestCircuitBreaker_ExecuteWithFallback(t *testing.T) {
	cb := newTestBreaker(Config{FailureThreshold: 1, OpenTimeout: time.Hour})

	// Trip the breaker.
	_ = cb.Execute(func() error { return errors.New("boom") })
	require.False(t, cb.AllowsRequest())

	called := false
	err := cb.ExecuteWithFallback(
		func() error { called = true; return nil },
		func() error { return nil },
	)
	require.NoError(t, err)
	assert.False(t, called, "op must not run when breaker denies the request")
}

func TestCircuitBreaker_ExecuteWithFallback_PropagatesOriginalError(t *testing.T) {
	cb := newTestBreaker(Config{FailureThreshold: 5, OpenTimeout: time.Hour})

	opErr := errors.New("op failed")
	err := cb.ExecuteWithFallback(
		func() error { return opErr },
		func() error { return errors.New("fallback failed too") },
	)
	require.Error(t, err)
	assert.Equal(t, opErr, err)
}

func TestCircuitBreaker_ManualOverride(t *testing.T) {
	cb := newTestBreaker(Config{})
	cb.Open()
	assert.False(t, cb.AllowsRequest())
	assert.Equal(t, Open, cb.Status().State)

	// Manual open masks normal closed-state success handling.
	_ = cb.Execute(func() error { return nil })
	assert.Equal(t, Open, cb.Status().State)

	cb.Close()
	assert.True(t, cb.AllowsRequest())
	assert.Equal(t, Closed, cb.Status().State)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := newTestBreaker(Config{FailureThreshold: 1000, OpenTimeout: time.Hour})

	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			if i%2 == 0 {
				cb.OnSuccess()
			} else {
				cb.OnFailure()
			}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	// No assertion on exact counts (interleaving is racy by design); this
	// test exists to be run under -race.
	_ = cb.Status()
}

package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTestError = errors.New("test error")

func failing(context.Context) error { return errTestError }
func passing(context.Context) error { return nil }

func TestCircuitBreaker_ClosedState_Success(t *testing.T) {
	cb := New("session-api", DefaultConfig())

	require.NoError(t, cb.Execute(context.Background(), passing))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cb := New("session-api", cfg)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), failing), errTestError)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Minute, MaxRequestsHalfOpen: 5}
	cb := New("relay-token", cfg)

	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Execute(context.Background(), failing)
	require.Equal(t, StateOpen, cb.GetState())

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(context.Background(), passing))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(context.Background(), passing))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cfg := Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, MaxRequestsHalfOpen: 1}
	cb := New("relay-token", cfg)
	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Execute(context.Background(), failing)
	now = now.Add(2 * time.Minute)
	_ = cb.Execute(context.Background(), failing)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_CancelledContextNotCounted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cb := New("session-api", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_GenericResult(t *testing.T) {
	cb := New("session-api", DefaultConfig())
	got, err := Execute(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 1
	cb := New("session-api", cfg)

	var wg sync.WaitGroup
	wg.Add(1)
	cb.OnStateChange(func(name string, from, to State) {
		defer wg.Done()
		assert.Equal(t, "session-api", name)
		assert.Equal(t, StateClosed, from)
		assert.Equal(t, StateOpen, to)
	})

	_ = cb.Execute(context.Background(), failing)
	wg.Wait()
}

package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(budget int) RetryConfig {
	return RetryConfig{
		Budget:         budget,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestWithRetryRecoversFromTransient(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "llm", fastRetry(3), nil, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return NewTransient("llm", "flaky", errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryPermanentFailsImmediately(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "generator", fastRetry(3), nil, func(ctx context.Context) error {
		calls++
		return NewPermanent("generator", "bad output", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.False(t, IsTransient(err))
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), "github", fastRetry(3), nil, func(ctx context.Context) error {
		calls++
		return NewTransient("github", "rate limited", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "github", exhausted.Provider)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestWithRetryCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, "llm", fastRetry(5), nil, func(ctx context.Context) error {
		return NewTransient("llm", "still down", nil)
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(NewTransient("x", "m", nil)))
	assert.False(t, IsTransient(NewPermanent("x", "m", nil)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(errors.New("plain")))

	wrapped := NewTransient("git", "push", errors.New("eof"))
	assert.True(t, IsTransient(wrapped))
}

package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s clamps at the ceiling
		{10, 30 * time.Second},
		{100, 30 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicy_Delay_NegativeAttempt(t *testing.T) {
	p := Policy{Base: 500 * time.Millisecond, Max: 10 * time.Second}
	assert.Equal(t, 500*time.Millisecond, p.Delay(-1))
}

func TestPolicy_Exhausted(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, MaxAttempts: 3}
	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))

	unlimited := Policy{Base: time.Second, Max: time.Minute}
	assert.False(t, unlimited.Exhausted(1000))
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	cfg := Policy{Base: 5 * time.Millisecond, Max: 20 * time.Millisecond, MaxAttempts: 5}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	cfg := Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 3}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return errors.New("persistent error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	cfg := Policy{Base: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 5}

	attempts := 0
	cause := errors.New("bad request")
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return NonRetryable(cause)
	})

	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Policy{Base: 50 * time.Millisecond, Max: time.Second, MaxAttempts: 10}

	attempts := 0
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 10)
}

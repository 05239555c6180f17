package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/heascreen/pkg/screenerr"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffFactor: 2}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	var calls, retries int
	err := retry(context.Background(), fastRetry(), func(int, error) { retries++ }, func() error {
		calls++
		if calls < 3 {
			return screenerr.Transient("op", errors.New("busy"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)
}

func TestRetry_StopsOnNonTransient(t *testing.T) {
	var calls int
	err := retry(context.Background(), fastRetry(), nil, func() error {
		calls++
		return screenerr.Validation("bad", nil)
	})
	assert.True(t, screenerr.IsValidation(err))
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	var calls int
	err := retry(context.Background(), fastRetry(), nil, func() error {
		calls++
		return screenerr.Transient("op", nil)
	})
	assert.True(t, screenerr.IsTransient(err))
	assert.Equal(t, 3, calls)
}

func TestRetry_StopDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastRetry()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	err := retry(ctx, cfg, func(int, error) { cancel() }, func() error {
		return screenerr.Transient("op", nil)
	})
	assert.ErrorIs(t, err, errStopped)
}

func TestNextBackoff_Capped(t *testing.T) {
	cfg := RetryConfig{BackoffFactor: 3, MaxBackoff: 10 * time.Second}
	assert.Equal(t, 3*time.Second, nextBackoff(time.Second, cfg))
	assert.Equal(t, 10*time.Second, nextBackoff(5*time.Second, cfg))
}

func TestJittered_WithinBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jittered(time.Second, 0.2)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
	assert.Equal(t, time.Second, jittered(time.Second, 0))
}

func TestRetryConfig_WithDefaults(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: time.Minute, MaxBackoff: time.Second}.WithDefaults()
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.BackoffFactor)
}

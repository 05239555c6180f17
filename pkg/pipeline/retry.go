package pipeline

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/3leaps/heascreen/pkg/screenerr"
)

// errStopped is returned by retry when a stop was requested while waiting
// for the next attempt. The unit is released, not failed.
var errStopped = errors.New("pipeline: stopped")

// RetryConfig configures retry for transient adapter failures.
type RetryConfig struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// BackoffFactor multiplies the wait after each failure.
	BackoffFactor float64

	// JitterFactor randomizes each wait by ±factor (0 disables jitter).
	JitterFactor float64
}

// DefaultRetryConfig returns the retry settings used when none are given.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		JitterFactor:   0.2,
	}
}

// WithDefaults fills zero fields from DefaultRetryConfig.
func (c RetryConfig) WithDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	if c.JitterFactor < 0 || c.JitterFactor > 1 {
		c.JitterFactor = d.JitterFactor
	}
	return c
}

// retry calls fn until it succeeds, fails with a non-transient error, or
// MaxAttempts is reached. Waits between attempts are cut short by stop;
// fn itself receives no stop signal and is expected to bound its own
// duration. onRetry is called before each wait.
func retry(stop context.Context, cfg RetryConfig, onRetry func(attempt int, err error), fn func() error) error {
	backoff := cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !screenerr.IsTransient(err) || attempt == cfg.MaxAttempts {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if !sleep(stop, jittered(backoff, cfg.JitterFactor)) {
			return errStopped
		}
		backoff = nextBackoff(backoff, cfg)
	}
	return lastErr
}

// sleep waits for d. It returns false if stop is done first.
func sleep(stop context.Context, d time.Duration) bool {
	if d <= 0 {
		return stop.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop.Done():
		return false
	case <-t.C:
		return true
	}
}

func jittered(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return base
	}
	delta := (rand.Float64()*2 - 1) * jitter
	return time.Duration(float64(base) * (1 + delta))
}

func nextBackoff(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.BackoffFactor)
	if next > cfg.MaxBackoff {
		return cfg.MaxBackoff
	}
	return next
}

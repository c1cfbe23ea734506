// Package retry provides retry mechanisms with exponential backoff for node calls.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// NetworkConfig returns retry configuration for node RPC calls
func NetworkConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// SubmitConfig returns retry configuration for block submission.
// A found block loses value quickly, so it gets few, fast attempts.
func SubmitConfig() *Config {
	return &Config{
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// Do executes a function with retry logic
func Do(ctx context.Context, config *Config, fn RetryableFunc) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes a function with retry logic and returns a result
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	if config == nil {
		config = DefaultConfig()
	}

	for attempt := range config.MaxAttempts {
		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err

		if !errors.IsRetryable(err) {
			return zero, err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		delay := config.Delay(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	// The retry wrapper keeps the cause's type reachable through errors.Unwrap
	// so callers can still classify an exhausted budget.
	wrappedErr := errors.Wrap(lastErr, errors.ErrorTypeInternal, "retry",
		"operation failed after maximum retry attempts").
		WithContext("max_attempts", config.MaxAttempts)

	return zero, wrappedErr
}

// Delay returns the backoff delay for the given zero-based attempt.
// Jitter is added before the cap, so the result never exceeds MaxDelay.
func (c *Config) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(c.BaseDelay) * math.Pow(c.Multiplier, float64(attempt))

	if c.Jitter {
		// up to 10% extra
		delay += delay * 0.1 * rand.Float64()
	}

	if c.MaxDelay > 0 {
		delay = min(delay, float64(c.MaxDelay))
	}

	return time.Duration(delay)
}

// Backoff tracks consecutive failures and hands out growing delays.
// Delays are non-decreasing between resets.
type Backoff struct {
	config *Config

	mu       sync.Mutex
	failures int
	last     time.Duration
}

// NewBackoff creates a Backoff from a retry configuration.
func NewBackoff(config *Config) *Backoff {
	if config == nil {
		config = DefaultConfig()
	}
	return &Backoff{config: config}
}

// Next records a failure and returns how long to wait before trying again.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.config.Delay(b.failures)
	// jitter may otherwise undercut the previous delay
	if d < b.last {
		d = b.last
	}
	b.failures++
	b.last = d
	return d
}

// Reset clears the failure streak after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.last = 0
}

// Failures returns the number of consecutive failures recorded.
func (b *Backoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

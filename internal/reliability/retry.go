package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy computes backoff delays and decides whether a failed attempt
// should be retried.
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted after the given
	// attempt number failed with err.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries.
	MaxRetries() int
	// NextDelay calculates the delay before the next attempt. It always
	// returns a non-negative duration.
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff implements capped exponential backoff with jitter:
// delay = min(initial * multiplier^attempt, max), perturbed by a uniform
// random factor in [-25%, +25%] when jitter is enabled. The jitter
// desynchronizes simultaneous retries from many callers.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy with jitter
// enabled.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// DefaultRetryPolicy returns the standard delivery backoff: 1s initial, 60s
// cap, doubling, 3 retries, jitter on.
func DefaultRetryPolicy() *ExponentialBackoff {
	return NewExponentialBackoff(time.Second, time.Minute, 2.0, 3)
}

// ShouldRetry implements RetryPolicy.
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts {
		return false, 0
	}
	if !isRetryableError(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy.
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		// Uniform perturbation in [-25%, +25%] of the computed delay.
		delay += (rand.Float64()*0.5 - 0.25) * delay
	}

	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// LinearBackoff retries with a constant interval.
type LinearBackoff struct {
	Interval    time.Duration
	MaxAttempts int
	Jitter      bool
}

// NewLinearBackoff creates a new linear backoff policy.
func NewLinearBackoff(interval time.Duration, maxRetries int) *LinearBackoff {
	return &LinearBackoff{
		Interval:    interval,
		MaxAttempts: maxRetries,
		Jitter:      true,
	}
}

// ShouldRetry implements RetryPolicy.
func (l *LinearBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= l.MaxAttempts {
		return false, 0
	}
	if !isRetryableError(err) {
		return false, 0
	}
	return true, l.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy.
func (l *LinearBackoff) MaxRetries() int {
	return l.MaxAttempts
}

// NextDelay implements RetryPolicy.
func (l *LinearBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(l.Interval)

	if l.Jitter {
		delay += (rand.Float64()*0.5 - 0.25) * delay
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// FixedDelay retries with an exact constant delay, no jitter. Useful in
// tests where deterministic scheduling matters.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy.
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy.
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.MaxAttempts {
		return false, 0
	}
	if !isRetryableError(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy.
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy.
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// Retry executes fn with the given policy, sleeping between attempts. It is
// a synchronous helper for callers outside the sender's scheduling loop; the
// sender itself schedules retries through its time-sorted queue instead of
// blocking.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isRetryableError determines if an error is worth retrying. Errors may opt
// out by implementing IsRetryable; unknown errors default to retryable.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error with an explicit retryability flag, so retry
// policy is data-driven rather than inferred from error types.
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements the error interface.
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable.
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error.
func (r RetryableError) Unwrap() error {
	return r.Err
}

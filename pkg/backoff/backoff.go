// Package backoff provides the exponential backoff policy shared by the
// connection supervisor and the sync pusher.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Policy describes capped exponential backoff.
type Policy struct {
	Base        time.Duration // delay unit, doubled per attempt
	Max         time.Duration // ceiling applied to every computed delay
	MaxAttempts int           // attempts before giving up (0 = single attempt)
}

// DefaultPolicy returns the reconnect policy used when configuration
// leaves the backoff section empty.
func DefaultPolicy() Policy {
	return Policy{
		Base:        time.Second,
		Max:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before reconnect attempt number attempt,
// computed as min(base * 2^attempt, max). Attempt numbering starts at 1
// for the first retry; attempt 0 returns the base delay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.Base
	}
	// Guard the shift: beyond 2^62 everything clamps to Max anyway.
	if attempt > 62 {
		return p.Max
	}
	d := float64(p.Base) * math.Pow(2, float64(attempt))
	if d > float64(p.Max) || d < 0 {
		return p.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt has reached the policy's limit.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// NonRetryableError marks errors that Retry must not attempt again.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Retry executes fn up to p.MaxAttempts times, sleeping p.Delay(attempt)
// between failures. The sleep honors context cancellation so a shutdown
// never waits out a backoff window.
func Retry(ctx context.Context, p Policy, fn func() error) error {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Max <= 0 {
		p.Max = 30 * time.Second
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", attempts, lastErr)
}

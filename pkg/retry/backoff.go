// Package retry provides exponential backoff with jitter.
//
// Two shapes are offered. WithRetry runs a function until it succeeds, the
// attempt budget is spent, or the function returns an error wrapped with
// Stop. Backoff is a stateful attempt counter for long-running loops, such
// as a gateway session that reconnects forever and resets its delay once a
// connection is established again.
//
//	b := retry.NewBackoff(retry.BackoffConfig{
//		InitialInterval: time.Second,
//		MaxInterval:     2 * time.Minute,
//		Multiplier:      2.0,
//		Jitter:          true,
//	})
//	for {
//		if err := connect(); err == nil {
//			b.Reset()
//			break
//		}
//		if err := b.Wait(ctx); err != nil {
//			return err
//		}
//	}
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/IdleRPGBot/rateway/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// ExponentialBackoff returns the delay before the given attempt (1-based).
// With jitter the delay lies in [d/2, d).
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	multiplier := config.Multiplier
	if multiplier < 1 {
		multiplier = 2.0
	}
	return func(attempt int) time.Duration {
		if attempt <= 1 {
			attempt = 1
		}

		interval := float64(config.InitialInterval) * math.Pow(multiplier, float64(attempt-1))
		if config.MaxInterval > 0 && interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)
		if config.Jitter && duration > 1 {
			duration = duration/2 + time.Duration(rand.Int63n(int64(duration/2)))
		}
		return duration
	}
}

// StopError wraps an error to indicate that retries should stop immediately
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

type RetryableFunc func() error

// WithRetry calls fn until it succeeds, returns a Stop error, the context is
// cancelled, or MaxRetries retries have failed.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(backoff(attempt)):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if IsStopError(err) {
			var stopErr StopError
			errors.As(err, &stopErr)
			return stopErr.Err
		}
		lastErr = err
		logger.Debugf("[RETRY] attempt %d/%d failed: %v", attempts, config.MaxRetries+1, err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}

// Backoff tracks consecutive failures of an open-ended retry loop.
type Backoff struct {
	mu      sync.Mutex
	next    func(int) time.Duration
	attempt int
}

func NewBackoff(config BackoffConfig) *Backoff {
	return &Backoff{next: ExponentialBackoff(config)}
}

// Next records a failure and returns how long to wait before trying again.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempt++
	return b.next(b.attempt)
}

// Attempts returns the number of failures since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}

// Reset clears the failure count after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Wait sleeps for the next backoff delay or until ctx is done.
func (b *Backoff) Wait(ctx context.Context) error {
	timer := time.NewTimer(b.Next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

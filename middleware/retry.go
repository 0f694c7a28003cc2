package middleware

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
)

// Retry implements retry logic with exponential backoff
type Retry struct {
	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            bool
	isRetryable       func(err error) bool
	abandon           func(endpoint string) bool
	onRetry           func(attempt int, err error, nextBackoff time.Duration)
}

// RetryOption configures a Retry middleware
type RetryOption func(*Retry)

// WithMaxRetries sets how many retries follow the first attempt
// Default: 3
func WithMaxRetries(n int) RetryOption {
	return func(r *Retry) {
		if n >= 0 {
			r.maxRetries = n
		}
	}
}

// WithInitialBackoff sets the wait before the first retry. Zero retries
// without waiting.
// Default: 1s
func WithInitialBackoff(d time.Duration) RetryOption {
	return func(r *Retry) {
		if d >= 0 {
			r.initialBackoff = d
		}
	}
}

// WithMaxBackoff sets the maximum backoff duration
// Default: 30s
func WithMaxBackoff(d time.Duration) RetryOption {
	return func(r *Retry) {
		if d > 0 {
			r.maxBackoff = d
		}
	}
}

// WithBackoffMultiplier sets the exponential backoff multiplier
// Default: 2.0 (doubles each retry)
func WithBackoffMultiplier(m float64) RetryOption {
	return func(r *Retry) {
		if m >= 1.0 {
			r.backoffMultiplier = m
		}
	}
}

// WithJitter randomizes each wait between 0 and the computed backoff
// Default: false
func WithJitter(enabled bool) RetryOption {
	return func(r *Retry) {
		r.jitter = enabled
	}
}

// WithAbandon stops retrying an endpoint when fn reports true before a wait,
// typically because its circuit breaker is open
func WithAbandon(fn func(endpoint string) bool) RetryOption {
	return func(r *Retry) {
		r.abandon = fn
	}
}

// WithOnRetry sets a callback function called before each retry attempt
func WithOnRetry(callback func(attempt int, err error, nextBackoff time.Duration)) RetryOption {
	return func(r *Retry) {
		r.onRetry = callback
	}
}

// NewRetry creates a new Retry with default configuration
func NewRetry(opts ...RetryOption) *Retry {
	r := &Retry{
		maxRetries:        3,
		initialBackoff:    time.Second,
		maxBackoff:        30 * time.Second,
		backoffMultiplier: 2.0,
		isRetryable:       status.IsRetriable,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Do runs fn until it succeeds, fails terminally or retries are exhausted.
// attempt is 1 for the first call.
func (r *Retry) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	return r.run(ctx, "", fn)
}

// Middleware returns chain middleware that retries the rest of the chain
func (r *Retry) Middleware() request.Middleware {
	return func(ctx context.Context, call *request.Call, next request.Handler) ([]byte, error) {
		var resp []byte
		err := r.run(ctx, call.Endpoint(), func(ctx context.Context, attempt int) error {
			call.Attempt = attempt
			var err error
			resp, err = next(ctx, call)
			return err
		})
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}

func (r *Retry) run(ctx context.Context, endpoint string, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries+1; attempt++ {
		// Check if context is already cancelled
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.isRetryable(err) {
			return err
		}

		// Don't retry if this was the last attempt
		if attempt > r.maxRetries {
			break
		}

		if r.abandon != nil && endpoint != "" && r.abandon(endpoint) {
			break
		}

		backoff := r.calculateBackoff(attempt)

		if r.onRetry != nil {
			r.onRetry(attempt, err, backoff)
		}

		// Wait for backoff duration or context cancellation
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return lastErr
}

// calculateBackoff returns the wait after the given failed attempt:
// initialBackoff * multiplier^(attempt-1)
func (r *Retry) calculateBackoff(attempt int) time.Duration {
	backoff := float64(r.initialBackoff) * math.Pow(r.backoffMultiplier, float64(attempt-1))

	// Cap at max backoff
	if backoff > float64(r.maxBackoff) {
		backoff = float64(r.maxBackoff)
	}

	if r.jitter {
		backoff = rand.Float64() * backoff
	}

	return time.Duration(backoff)
}

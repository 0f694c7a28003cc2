package middleware

import (
	"context"
	"time"

	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
)

// TimeoutConfig holds configuration for timeout middleware
type TimeoutConfig struct {
	Timeout     time.Duration
	OnTimeout   func(endpoint string, duration time.Duration)
	PerEndpoint map[string]time.Duration
}

// TimeoutOption is a functional option for timeout configuration
type TimeoutOption func(*TimeoutConfig)

// WithTimeout sets the default per-attempt timeout
func WithTimeout(timeout time.Duration) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.Timeout = timeout
	}
}

// WithTimeoutCallback sets a callback function when timeout occurs
func WithTimeoutCallback(callback func(endpoint string, duration time.Duration)) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.OnTimeout = callback
	}
}

// WithPerEndpointTimeout sets endpoint-specific timeouts keyed by normalized
// endpoint, e.g. "POST /api/uploads"
func WithPerEndpointTimeout(timeouts map[string]time.Duration) TimeoutOption {
	return func(c *TimeoutConfig) {
		c.PerEndpoint = timeouts
	}
}

// Timeout bounds every network attempt. It sits inside the retry middleware
// so each attempt gets its own deadline, distinct from backoff waits.
// Default timeout is 30 seconds if not specified
func Timeout(opts ...TimeoutOption) request.Middleware {
	config := &TimeoutConfig{
		Timeout:     30 * time.Second,
		PerEndpoint: make(map[string]time.Duration),
	}

	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, call *request.Call, next request.Handler) ([]byte, error) {
		endpoint := call.Endpoint()
		timeout := config.Timeout
		if t, ok := config.PerEndpoint[endpoint]; ok {
			timeout = t
		}
		if timeout <= 0 {
			return next(ctx, call)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type result struct {
			resp []byte
			err  error
		}
		resultChan := make(chan result, 1)

		go func() {
			resp, err := next(attemptCtx, call)
			resultChan <- result{resp: resp, err: err}
		}()

		select {
		case res := <-resultChan:
			if res.err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, timeoutError(config, endpoint, timeout, res.err)
			}
			return res.resp, res.err
		case <-attemptCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, timeoutError(config, endpoint, timeout, attemptCtx.Err())
		}
	}
}

func timeoutError(config *TimeoutConfig, endpoint string, timeout time.Duration, cause error) error {
	if config.OnTimeout != nil {
		config.OnTimeout(endpoint, timeout)
	}
	return &status.Error{
		Code:     status.Timeout,
		Endpoint: endpoint,
		Message:  "request timeout after " + timeout.String(),
		Err:      cause,
	}
}

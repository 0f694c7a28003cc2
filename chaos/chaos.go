// Package chaos injects latency and failures into the fetch chain for
// resilience testing
package chaos

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
)

// ChaosConfig holds configuration for chaos engineering
type ChaosConfig struct {
	// Latency injection
	LatencyEnabled     bool
	LatencyMin         time.Duration
	LatencyMax         time.Duration
	LatencyProbability float64

	// Error injection
	ErrorEnabled     bool
	ErrorCodes       []status.Code
	ErrorProbability float64

	// Timeout simulation
	TimeoutEnabled     bool
	TimeoutDuration    time.Duration
	TimeoutProbability float64

	// Conditional enabling
	EnableCondition func() bool

	rng *lockedRand
}

// ChaosOption is a functional option for chaos configuration
type ChaosOption func(*ChaosConfig)

// WithLatency enables latency injection
func WithLatency(min, max time.Duration, probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.LatencyEnabled = true
		c.LatencyMin = min
		c.LatencyMax = max
		c.LatencyProbability = probability
	}
}

// WithErrors enables error injection
func WithErrors(errorCodes []status.Code, probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.ErrorEnabled = len(errorCodes) > 0
		c.ErrorCodes = errorCodes
		c.ErrorProbability = probability
	}
}

// WithTimeout shortens the deadline of some calls
func WithTimeout(duration time.Duration, probability float64) ChaosOption {
	return func(c *ChaosConfig) {
		c.TimeoutEnabled = true
		c.TimeoutDuration = duration
		c.TimeoutProbability = probability
	}
}

// WithCondition sets a condition for enabling chaos
func WithCondition(condition func() bool) ChaosOption {
	return func(c *ChaosConfig) {
		c.EnableCondition = condition
	}
}

// WithSeed makes injection deterministic
func WithSeed(seed int64) ChaosOption {
	return func(c *ChaosConfig) {
		c.rng = newLockedRand(seed)
	}
}

// New creates a new chaos engineering middleware
func New(opts ...ChaosOption) request.Middleware {
	config := &ChaosConfig{
		EnableCondition: func() bool { return true },
		rng:             newLockedRand(time.Now().UnixNano()),
	}

	for _, opt := range opts {
		opt(config)
	}

	return func(ctx context.Context, call *request.Call, next request.Handler) ([]byte, error) {
		if !config.EnableCondition() {
			return next(ctx, call)
		}

		if config.LatencyEnabled && config.rng.chance(config.LatencyProbability) {
			if err := sleep(ctx, config.rng.between(config.LatencyMin, config.LatencyMax)); err != nil {
				return nil, err
			}
		}

		if config.ErrorEnabled && config.rng.chance(config.ErrorProbability) {
			code := config.ErrorCodes[config.rng.intn(len(config.ErrorCodes))]
			return nil, Injected(code, call.Endpoint())
		}

		if config.TimeoutEnabled && config.rng.chance(config.TimeoutProbability) {
			newCtx, cancel := context.WithTimeout(ctx, config.TimeoutDuration)
			defer cancel()
			return next(newCtx, call)
		}

		return next(ctx, call)
	}
}

// Injected builds the error an injected failure of code returns, with the
// HTTP status the API would have answered
func Injected(code status.Code, endpoint string) error {
	e := &status.Error{Code: code, Endpoint: endpoint, Message: "chaos: injected " + code.String()}
	switch code {
	case status.Server:
		e.HTTPStatus = http.StatusServiceUnavailable
	case status.RateLimited:
		e.HTTPStatus = http.StatusTooManyRequests
	case status.Client:
		e.HTTPStatus = http.StatusBadRequest
	case status.Unauthenticated:
		e.HTTPStatus = http.StatusUnauthorized
	case status.NotFound:
		e.HTTPStatus = http.StatusNotFound
	}
	return e
}

// ForEndpoints applies chaos only to calls whose normalized endpoint is listed
func ForEndpoints(endpoints []string, chaos request.Middleware) request.Middleware {
	targets := make(map[string]bool, len(endpoints))
	for _, e := range endpoints {
		targets[e] = true
	}

	return func(ctx context.Context, call *request.Call, next request.Handler) ([]byte, error) {
		if targets[call.Endpoint()] {
			return chaos(ctx, call, next)
		}
		return next(ctx, call)
	}
}

// Offline fails every call with a network error while offline reports true
func Offline(offline func() bool) request.Middleware {
	return func(ctx context.Context, call *request.Call, next request.Handler) ([]byte, error) {
		if offline() {
			return nil, Injected(status.Network, call.Endpoint())
		}
		return next(ctx, call)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type lockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newLockedRand(seed int64) *lockedRand {
	return &lockedRand{rnd: rand.New(rand.NewSource(seed))}
}

func (r *lockedRand) chance(probability float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64() < probability
}

func (r *lockedRand) intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Intn(n)
}

// between returns a random duration in [min, max)
func (r *lockedRand) between(min, max time.Duration) time.Duration {
	if min >= max {
		return min
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return min + time.Duration(r.rnd.Int63n(int64(max-min)))
}

// Presets for common chaos scenarios

// HighLatencyChaos simulates a slow cellular link
func HighLatencyChaos(probability float64) request.Middleware {
	return New(WithLatency(500*time.Millisecond, 2*time.Second, probability))
}

// FlakyChaos simulates a flaky network with random errors
func FlakyChaos(probability float64) request.Middleware {
	return New(
		WithLatency(50*time.Millisecond, 500*time.Millisecond, probability),
		WithErrors([]status.Code{status.Network, status.Timeout}, probability/2),
	)
}

// PartitionChaos simulates a network partition
func PartitionChaos(probability float64) request.Middleware {
	return New(WithErrors([]status.Code{status.Network, status.Timeout}, probability))
}

// OverloadedChaos simulates an overloaded API
func OverloadedChaos(probability float64) request.Middleware {
	return New(
		WithLatency(1*time.Second, 5*time.Second, probability),
		WithErrors([]status.Code{status.RateLimited, status.Server}, probability/2),
	)
}

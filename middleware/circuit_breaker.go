package middleware

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
)

// Circuit Breaker States
const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Circuit is open, requests fail immediately
	StateHalfOpen              // One probe is allowed through
)

// State represents the current state of the circuit breaker
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// CircuitBreaker guards one endpoint. It opens after threshold consecutive
// failures and lets a single probe through once resetTimeout has elapsed.
type CircuitBreaker struct {
	mu sync.Mutex

	endpoint     string
	threshold    int
	resetTimeout time.Duration

	state      State
	generation uint64
	failures   int
	openedAt   time.Time
	probing    bool

	onStateChange func(endpoint string, from, to State)
	isFailure     func(err error) bool
	now           func() time.Time
}

// CircuitBreakerOption configures a CircuitBreaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
// Default: 5
func WithFailureThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.threshold = n
		}
	}
}

// WithResetTimeout sets how long the circuit stays open before a probe
// Default: 30s
func WithResetTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if d > 0 {
			cb.resetTimeout = d
		}
	}
}

// WithOnStateChange sets a callback for state changes. It runs with the
// breaker lock held and must not call back into the breaker.
func WithOnStateChange(fn func(endpoint string, from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// WithBreakerClock sets the time source
func WithBreakerClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a circuit breaker for endpoint
func NewCircuitBreaker(endpoint string, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		endpoint:     endpoint,
		threshold:    5,
		resetTimeout: 30 * time.Second,
		state:        StateClosed,
		isFailure:    defaultIsFailure,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

// defaultIsFailure counts transport failures, timeouts, 5xx and 429.
// Client errors mean the server answered and do not trip the circuit.
func defaultIsFailure(err error) bool {
	if err == nil {
		return false
	}
	code := status.CodeOf(err)
	return code.Retriable() || code == status.Unknown
}

// Execute runs fn if the circuit allows it and records the outcome
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	resp, err := fn(ctx)
	cb.afterRequest(generation, err)
	return resp, err
}

// beforeRequest checks if the request is allowed based on circuit breaker state
func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, generation := cb.currentState(cb.now())

	switch state {
	case StateOpen:
		return generation, &status.Error{Code: status.BreakerOpen, Endpoint: cb.endpoint, Message: "circuit breaker is open"}
	case StateHalfOpen:
		if cb.probing {
			return generation, &status.Error{Code: status.BreakerOpen, Endpoint: cb.endpoint, Message: "circuit breaker probe in flight"}
		}
		cb.probing = true
	}

	return generation, nil
}

// afterRequest records the result of a request
func (cb *CircuitBreaker) afterRequest(generation uint64, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state, currentGeneration := cb.currentState(now)

	// Ignore if generation doesn't match (state changed during request)
	if generation != currentGeneration {
		return
	}

	// a cancelled caller says nothing about the endpoint
	if status.CodeOf(err) == status.Canceled {
		if state == StateHalfOpen {
			cb.probing = false
		}
		return
	}

	if cb.isFailure(err) {
		cb.failures++
		switch state {
		case StateHalfOpen:
			cb.setState(StateOpen, now)
		case StateClosed:
			if cb.failures >= cb.threshold {
				cb.setState(StateOpen, now)
			}
		}
		return
	}

	cb.failures = 0
	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
	}
}

// currentState returns the current state and generation
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.resetTimeout {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

// setState changes the circuit breaker state
func (cb *CircuitBreaker) setState(newState State, now time.Time) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.generation++
	cb.probing = false

	switch newState {
	case StateOpen:
		cb.openedAt = now
	case StateClosed:
		cb.failures = 0
		cb.openedAt = time.Time{}
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.endpoint, oldState, newState)
	}
}

// State returns the current circuit breaker state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, _ := cb.currentState(cb.now())
	return state
}

// IsOpen reports whether calls are currently short-circuited. It is false
// once the reset timeout has elapsed and a probe may go through.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return cb.state == StateOpen && cb.now().Sub(cb.openedAt) < cb.resetTimeout
}

// BreakerStatus is a snapshot of one breaker
type BreakerStatus struct {
	State    State
	IsOpen   bool
	Failures int
	OpenedAt time.Time
}

// Status returns a snapshot of the breaker
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	return BreakerStatus{
		State:    cb.state,
		IsOpen:   cb.state == StateOpen && now.Sub(cb.openedAt) < cb.resetTimeout,
		Failures: cb.failures,
		OpenedAt: cb.openedAt,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed, cb.now())
	cb.failures = 0
}

// Breakers holds one CircuitBreaker per normalized endpoint
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	opts     []CircuitBreakerOption
}

// NewBreakers creates a registry; opts apply to every breaker it creates
func NewBreakers(opts ...CircuitBreakerOption) *Breakers {
	return &Breakers{
		breakers: make(map[string]*CircuitBreaker),
		opts:     opts,
	}
}

// Get returns the breaker for endpoint, creating it on first use
func (b *Breakers) Get(endpoint string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[endpoint]
	if !ok {
		cb = NewCircuitBreaker(endpoint, b.opts...)
		b.breakers[endpoint] = cb
	}
	return cb
}

// IsOpen reports whether the endpoint is short-circuited without creating a breaker
func (b *Breakers) IsOpen(endpoint string) bool {
	b.mu.Lock()
	cb, ok := b.breakers[endpoint]
	b.mu.Unlock()
	return ok && cb.IsOpen()
}

// Endpoints returns the known endpoints sorted
func (b *Breakers) Endpoints() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.breakers))
	for e := range b.breakers {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Status returns a snapshot of every breaker
func (b *Breakers) Status() map[string]BreakerStatus {
	b.mu.Lock()
	breakers := make(map[string]*CircuitBreaker, len(b.breakers))
	for e, cb := range b.breakers {
		breakers[e] = cb
	}
	b.mu.Unlock()

	out := make(map[string]BreakerStatus, len(breakers))
	for e, cb := range breakers {
		out[e] = cb.Status()
	}
	return out
}

// Reset closes every breaker
func (b *Breakers) Reset() {
	b.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(b.breakers))
	for _, cb := range b.breakers {
		breakers = append(breakers, cb)
	}
	b.mu.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}

// Middleware returns chain middleware that guards each call with the
// breaker of its endpoint
func (b *Breakers) Middleware() request.Middleware {
	return func(ctx context.Context, call *request.Call, next request.Handler) ([]byte, error) {
		return b.Get(call.Endpoint()).Execute(ctx, func(ctx context.Context) ([]byte, error) {
			return next(ctx, call)
		})
	}
}

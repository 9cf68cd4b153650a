package engine

import (
	"context"
	"sync"
	"time"

	"github.com/leadstitch/flowline/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before allowing a probe.
	ResetTimeout time.Duration
	// HalfOpenSuccesses is the number of consecutive probe successes
	// required to close the circuit again.
	HalfOpenSuccesses int
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// CircuitBreaker guards one resource (typically a remote host). All state
// transitions happen inside Execute; callers never manage state directly.
type CircuitBreaker struct {
	mu              sync.Mutex
	name            string
	state           CircuitState
	failures        int
	probeSuccesses  int
	nextAttemptTime time.Time
	config          CircuitBreakerConfig

	now func() time.Time // injectable for tests
}

// NewCircuitBreaker builds a closed breaker for the named resource.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultCircuitBreakerConfig().ResetTimeout
	}
	if config.HalfOpenSuccesses <= 0 {
		config.HalfOpenSuccesses = DefaultCircuitBreakerConfig().HalfOpenSuccesses
	}
	return &CircuitBreaker{
		name:   name,
		state:  CircuitClosed,
		config: config,
		now:    time.Now,
	}
}

// Execute runs fn under the breaker. If the circuit is open and the reset
// window has not elapsed, fn is not called and a CIRCUIT_OPEN error is
// returned immediately.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := cb.allow(); err != nil {
		return nil, err
	}

	out, err := fn(ctx)
	if err != nil {
		cb.recordFailure()
		return nil, err
	}
	cb.recordSuccess()
	return out, nil
}

// State returns the current state, applying the open-to-half-open
// transition if the reset window has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && !cb.now().Before(cb.nextAttemptTime) {
		cb.state = CircuitHalfOpen
		cb.probeSuccesses = 0
	}
	return cb.state
}

// Stats returns diagnostic information about the breaker.
func (cb *CircuitBreaker) Stats() map[string]any {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]any{
		"name":                 cb.name,
		"state":                cb.state.String(),
		"consecutive_failures": cb.failures,
		"failure_threshold":    cb.config.FailureThreshold,
		"reset_timeout":        cb.config.ResetTimeout.String(),
	}
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil
	case CircuitOpen:
		if !cb.now().Before(cb.nextAttemptTime) {
			cb.state = CircuitHalfOpen
			cb.probeSuccesses = 0
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %q after %d consecutive failures", cb.name, cb.failures).
			WithDetails(map[string]any{
				"name":                 cb.name,
				"consecutive_failures": cb.failures,
				"retry_after":          cb.nextAttemptTime.Sub(cb.now()).String(),
			})
	}
	return nil
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.config.HalfOpenSuccesses {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.probeSuccesses = 0
		}
	default:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		cb.probeSuccesses = 0
		cb.nextAttemptTime = cb.now().Add(cb.config.ResetTimeout)
	}
}

// CircuitBreakerRegistry manages one breaker per named resource, sharing a
// single configuration.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Get returns the breaker for the named resource, creating it on first use.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, r.config)
		r.breakers[name] = cb
	}
	return cb
}

// Stats returns diagnostics for every breaker in the registry.
func (r *CircuitBreakerRegistry) Stats() []map[string]any {
	r.mu.Lock()
	names := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		names = append(names, cb)
	}
	r.mu.Unlock()

	stats := make([]map[string]any, 0, len(names))
	for _, cb := range names {
		stats = append(stats, cb.Stats())
	}
	return stats
}

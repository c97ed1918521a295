package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the dependency.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker states
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// BreakerConfig controls when the circuit opens and how it recovers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before allowing probes.
	Cooldown time.Duration

	// HalfOpenProbes is how many probe calls may pass through while
	// half-open before further calls are rejected again.
	HalfOpenProbes int
}

// DefaultBreakerConfig opens after five consecutive failures and probes
// again after a minute.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		HalfOpenProbes:   1,
	}
}

// CircuitBreaker tracks consecutive failures of one logical operation and
// short-circuits calls while the dependency is considered down. Safe for
// concurrent use; all state transitions happen under a single mutex.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu                  sync.Mutex
	state               string
	consecutiveFailures int
	openedAt            time.Time
	probesInFlight      int

	// now is replaceable in tests
	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker with the given config.
// Zero-valued config fields fall back to the defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	return &CircuitBreaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// Do runs op through the breaker. While open, calls return ErrCircuitOpen
// without invoking op. After the cooldown a limited number of probes pass
// through: a successful probe closes the circuit, a failed one reopens it
// and restarts the cooldown.
func (cb *CircuitBreaker) Do(ctx context.Context, op func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := op(ctx)
	cb.record(err == nil)
	return err
}

// State returns the current state name for health reporting.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Report half-open once the cooldown has lapsed, even before the next
	// call transitions the state.
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probesInFlight = 1
		return nil
	case StateHalfOpen:
		if cb.probesInFlight >= cb.cfg.HalfOpenProbes {
			return ErrCircuitOpen
		}
		cb.probesInFlight++
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if success {
			cb.consecutiveFailures = 0
			return
		}
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
	case StateHalfOpen:
		if success {
			cb.state = StateClosed
			cb.consecutiveFailures = 0
			cb.probesInFlight = 0
			return
		}
		cb.state = StateOpen
		cb.openedAt = cb.now()
		cb.probesInFlight = 0
	}
}

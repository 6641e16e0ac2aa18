package resilience

import (
	stderrors "errors"
	"sync"
	"time"
)

// State is the circuit position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen rejects calls while the circuit is open.
var ErrCircuitOpen = stderrors.New("circuit breaker is open")

// ErrTooManyProbes rejects calls beyond the half-open probe allowance.
var ErrTooManyProbes = stderrors.New("too many requests in half-open state")

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// MaxProbes is the request allowance while half-open.
	MaxProbes uint32
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// FailureThreshold opens the circuit after this many consecutive
	// failures while closed.
	FailureThreshold uint32
	// SuccessThreshold closes the circuit after this many successful
	// probes while half-open.
	SuccessThreshold uint32
}

// DefaultBreakerConfig guards the charter client.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		MaxProbes:        3,
		OpenTimeout:      30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
}

// BreakerStats snapshots the breaker counters.
type BreakerStats struct {
	State        string    `json:"state"`
	Failures     uint32    `json:"failures"`
	Successes    uint32    `json:"successes"`
	StateChanges int64     `json:"state_changes"`
	LastFailure  time.Time `json:"last_failure"`
}

// CircuitBreaker is a three-state breaker with consecutive-failure
// tripping.
type CircuitBreaker struct {
	name   string
	config *BreakerConfig

	mu           sync.Mutex
	state        State
	failures     uint32
	successes    uint32
	probes       uint32
	lastFailure  time.Time
	lastChange   time.Time
	stateChanges int64
}

// NewCircuitBreaker creates a breaker. A nil config uses defaults.
func NewCircuitBreaker(name string, config *BreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &CircuitBreaker{
		name:       name,
		config:     config,
		state:      StateClosed,
		lastChange: time.Now(),
	}
}

// Execute runs fn behind the breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastChange) > cb.config.OpenTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.probes = 1
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		if cb.probes >= cb.config.MaxProbes {
			return ErrTooManyProbes
		}
		cb.probes++
		return nil

	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.FailureThreshold {
				cb.transitionTo(StateOpen)
			}
		case StateHalfOpen:
			cb.transitionTo(StateOpen)
		}
		return
	}

	cb.successes++
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) transitionTo(state State) {
	if cb.state == state {
		return
	}
	cb.state = state
	cb.lastChange = time.Now()
	cb.stateChanges++
	cb.failures = 0
	cb.successes = 0
	if state != StateHalfOpen {
		cb.probes = 0
	}
}

// GetState returns the current circuit position.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats snapshots the counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		State:        cb.state.String(),
		Failures:     cb.failures,
		Successes:    cb.successes,
		StateChanges: cb.stateChanges,
		LastFailure:  cb.lastFailure,
	}
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.probes = 0
	cb.lastChange = time.Now()
}

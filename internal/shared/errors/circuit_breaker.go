package errors

import (
	"context"
	"fmt"
	"sync"
	"time"

	"testforge/internal/shared/logging"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
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

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	OnStateChange    func(from, to CircuitState, name string)
}

// DefaultCircuitBreakerConfig returns the standard settings: 5 consecutive
// failures trip the breaker, 2 consecutive half-open successes close it.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker protects a Store or Broker dependency from being hammered
// across ticks once it has started failing.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger

	mu              sync.RWMutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a named CircuitBreaker in the closed state.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logging.NewComponentLogger("circuit-breaker"),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn under the breaker, rejecting immediately when open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Mark(err)
	return err
}

// Allow reports whether a call may proceed under the current state.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.Timeout {
			cb.setStateLocked(StateHalfOpen)
			cb.successCount = 0
			cb.logger.Info("[%s] circuit breaker half-open, testing recovery", cb.name)
			return nil
		}
		return NewDegraded(
			fmt.Errorf("circuit breaker open for %s", cb.name),
			fmt.Sprintf("%s temporarily unavailable, retrying in %v", cb.name, cb.config.Timeout-time.Since(cb.lastFailureTime)),
		)
	case StateHalfOpen:
		return nil
	default:
		return fmt.Errorf("unknown circuit breaker state: %v", cb.state)
	}
}

// Mark records the outcome of a call made after Allow returned nil.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		cb.onSuccessLocked()
	} else {
		cb.onFailureLocked()
	}
}

func (cb *CircuitBreaker) onSuccessLocked() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.setStateLocked(StateClosed)
			cb.failureCount = 0
		}
	}
}

func (cb *CircuitBreaker) onFailureLocked() {
	cb.lastFailureTime = time.Now()
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.setStateLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) setStateLocked(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.lastStateChange = time.Now()
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(from, to, cb.name)
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Manager holds one breaker per named dependency (e.g. "store", "broker").
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
}

// NewManager creates a Manager that lazily constructs breakers with config.
func NewManager(config CircuitBreakerConfig) *Manager {
	return &Manager{breakers: make(map[string]*CircuitBreaker), config: config}
}

// Get returns the breaker for name, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, m.config)
	m.breakers[name] = cb
	return cb
}

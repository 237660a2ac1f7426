package notify

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned for deliveries to a target whose breaker is open.
var ErrCircuitOpen = errors.New("notify: circuit open")

// CircuitState is the state of one target's breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting deliveries
	CircuitHalfOpen                     // Testing recovery
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

// BreakerConfig configures per-target circuit breaking.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed deliveries
	// before the target's circuit opens.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a test delivery.
	Cooldown time.Duration
	// HalfOpenMax is the number of test deliveries allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the breaker settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuit struct {
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenAttempts    int
}

// breakers tracks one circuit per webhook target.
type breakers struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	config   BreakerConfig
	now      func() time.Time
}

func newBreakers(cfg BreakerConfig) *breakers {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &breakers{
		circuits: make(map[string]*circuit),
		config:   cfg,
		now:      time.Now,
	}
}

// allow reports whether a delivery to target may proceed.
func (b *breakers) allow(target string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(target)

	switch c.state {
	case CircuitOpen:
		if b.now().Sub(c.lastFailure) < b.config.Cooldown {
			return ErrCircuitOpen
		}
		c.state = CircuitHalfOpen
		c.halfOpenAttempts = 1
		return nil
	case CircuitHalfOpen:
		if c.halfOpenAttempts >= b.config.HalfOpenMax {
			return ErrCircuitOpen
		}
		c.halfOpenAttempts++
	}
	return nil
}

func (b *breakers) success(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(target)
	c.consecutiveFailures = 0
	c.halfOpenAttempts = 0
	c.state = CircuitClosed
}

// failure records a failed delivery and returns the resulting state.
func (b *breakers) failure(target string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.get(target)
	c.consecutiveFailures++
	c.lastFailure = b.now()

	// Any failure while half-open reopens the circuit.
	if c.state == CircuitHalfOpen || c.consecutiveFailures >= b.config.FailureThreshold {
		c.state = CircuitOpen
	}
	return c.state
}

func (b *breakers) state(target string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(target).state
}

// get must be called with mu held.
func (b *breakers) get(target string) *circuit {
	c, ok := b.circuits[target]
	if !ok {
		c = &circuit{state: CircuitClosed}
		b.circuits[target] = c
	}
	return c
}

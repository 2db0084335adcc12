// Package breaker implements a per-network circuit breaker gating calls to
// the mirror node.
package breaker

import (
	"sync"
	"time"
)

// State represents the state of one network's circuit.
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

// Config configures breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int
	// ResetTimeout is how long an open circuit waits before allowing a
	// half-open probe.
	ResetTimeout time.Duration
	// HalfOpenMaxAttempts is the number of probe calls allowed while
	// half-open, and the number of successes needed to close again.
	HalfOpenMaxAttempts int
	// Now stubs the clock in tests.
	Now func() time.Time
}

// DefaultConfig returns the thresholds used in production.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    3,
		ResetTimeout:        60 * time.Second,
		HalfOpenMaxAttempts: 1,
	}
}

type circuit struct {
	state            State
	failureCount     int
	lastFailureTime  time.Time
	halfOpenAttempts int
	halfOpenOK       int
}

// Breaker tracks circuit state per network name. Circuits are created
// lazily on the first recorded failure and live for the process lifetime.
// State is per process, not shared across replicas.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*circuit
}

// New creates a breaker. Zero-valued config fields fall back to defaults,
// so New(Config{}) behaves like New(DefaultConfig()).
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = def.HalfOpenMaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg, circuits: make(map[string]*circuit)}
}

// IsAvailable reports whether a call to the network should be attempted.
// This is the mutating probe: it performs the OPEN to HALF_OPEN transition
// once the reset timeout has elapsed, consumes half-open attempts, and
// detects stale half-open circuits. CircuitState never does any of that.
func (b *Breaker) IsAvailable(network string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[network]
	if !ok {
		return true
	}

	now := b.cfg.Now()
	for {
		switch c.state {
		case StateClosed:
			return true
		case StateOpen:
			if now.Sub(c.lastFailureTime) < b.cfg.ResetTimeout {
				return false
			}
			c.state = StateHalfOpen
			c.halfOpenAttempts = 1
			c.halfOpenOK = 0
			// Anchor for the stale half-open check; probe calls below
			// never touch it.
			c.lastFailureTime = now
			return true
		case StateHalfOpen:
			if c.halfOpenAttempts < b.cfg.HalfOpenMaxAttempts {
				c.halfOpenAttempts++
				return true
			}
			if now.Sub(c.lastFailureTime) < b.cfg.ResetTimeout {
				return false
			}
			// Attempts exhausted and the probe never reported back.
			// Treat the circuit as stale, force it open and re-evaluate,
			// which starts a fresh half-open cycle.
			c.state = StateOpen
		}
	}
}

// RecordSuccess records a successful call to the network.
func (b *Breaker) RecordSuccess(network string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[network]
	if !ok {
		return
	}

	switch c.state {
	case StateClosed:
		c.failureCount = 0
	case StateHalfOpen:
		c.halfOpenOK++
		if c.halfOpenOK >= b.cfg.HalfOpenMaxAttempts {
			c.state = StateClosed
			c.failureCount = 0
			c.halfOpenAttempts = 0
			c.halfOpenOK = 0
		}
	}
}

// RecordFailure records a failed call and reports whether the circuit
// remains usable. The call that reaches the failure threshold returns
// false, as does any failure while open or half-open.
func (b *Breaker) RecordFailure(network string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[network]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[network] = c
	}

	now := b.cfg.Now()
	c.lastFailureTime = now

	switch c.state {
	case StateClosed:
		c.failureCount++
		if c.failureCount >= b.cfg.FailureThreshold {
			c.state = StateOpen
			c.halfOpenAttempts = 0
			c.halfOpenOK = 0
			return false
		}
		return true
	case StateHalfOpen:
		c.state = StateOpen
		return false
	default: // already open
		c.failureCount++
		return false
	}
}

// CircuitState returns the observable state of a network's circuit without
// mutating it. An open circuit whose reset timeout has elapsed reports
// half-open even though the stored state only changes on the next
// IsAvailable call.
func (b *Breaker) CircuitState(network string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[network]
	if !ok {
		return StateClosed
	}
	if c.state == StateOpen && b.cfg.Now().Sub(c.lastFailureTime) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return c.state
}

// Health is one network's externally visible circuit summary.
type Health struct {
	State        State
	FailureCount int
}

// NetworkHealth returns the circuit summary for every tracked network.
func (b *Breaker) NetworkHealth() map[string]Health {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]Health, len(b.circuits))
	for name, c := range b.circuits {
		state := c.state
		if state == StateOpen && b.cfg.Now().Sub(c.lastFailureTime) >= b.cfg.ResetTimeout {
			state = StateHalfOpen
		}
		out[name] = Health{State: state, FailureCount: c.failureCount}
	}
	return out
}

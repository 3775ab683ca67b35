// Package circuitbreaker shields the pipeline from upstream metadata hosts
// that are down. Collections often serve thousands of tokens from one host;
// without a breaker a dead host costs a full timeout per token.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/collection-scanner/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means requests are allowed
	StateClosed State = "closed"
	// StateOpen means requests are rejected immediately
	StateOpen State = "open"
	// StateHalfOpen means a limited number of probe requests are allowed
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the breaker rejects a request
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a circuit breaker
type Config struct {
	// MaxConsecutiveFails opens the circuit once reached
	MaxConsecutiveFails int
	// Cooldown is how long the circuit stays open before probing
	Cooldown time.Duration
	// HalfOpenProbes is how many successful probes close the circuit again
	HalfOpenProbes int
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFails: 10,
		Cooldown:            30 * time.Second,
		HalfOpenProbes:      3,
	}
}

// Breaker is a circuit breaker for one upstream host
type Breaker struct {
	name string
	cfg  Config

	mu               sync.Mutex
	state            State
	consecutiveFails int
	probeSuccesses   int
	openedAt         time.Time
}

// NewBreaker creates a breaker in the closed state
func NewBreaker(name string, cfg Config) *Breaker {
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// Allow reports whether a request may proceed. Callers must follow up with
// Record for every allowed request.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probeSuccesses = 0
		logging.WithField("host", b.name).Info("Circuit breaker half-open, probing upstream")
		return nil
	default:
		return nil
	}
}

// Record feeds a request outcome back into the breaker
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.consecutiveFails = 0
		if b.state == StateHalfOpen {
			b.probeSuccesses++
			if b.probeSuccesses >= b.cfg.HalfOpenProbes {
				b.state = StateClosed
				logging.WithField("host", b.name).Info("Circuit breaker closed after recovery")
			}
		}
		return
	}

	b.consecutiveFails++
	if b.state == StateHalfOpen || b.consecutiveFails >= b.cfg.MaxConsecutiveFails {
		if b.state != StateOpen {
			logging.WithFields(map[string]interface{}{
				"host":             b.name,
				"consecutiveFails": b.consecutiveFails,
			}).Warn("Circuit breaker opened")
		}
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}

// State returns the current breaker state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Set manages one breaker per upstream host
type Set struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates a breaker set with one shared configuration
func NewSet(cfg Config) *Set {
	return &Set{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for a host, creating it on first use
func (s *Set) For(host string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[host]
	if !ok {
		b = NewBreaker(host, s.cfg)
		s.breakers[host] = b
	}
	return b
}

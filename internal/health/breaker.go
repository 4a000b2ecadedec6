// Package health tracks provider call outcomes and gates dispatch through
// per-provider circuit breakers.
package health

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tangentland/elile/internal/metrics"
)

// CircuitState is the state of one provider's circuit.
type CircuitState int

const (
	// CircuitClosed means the provider is operating normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen means dispatch is rejected without calling the provider.
	CircuitOpen
	// CircuitHalfOpen permits a single probe call.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit transitions.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// needed to close.
	SuccessThreshold int
	// OpenDuration is how long the circuit stays open before permitting a
	// half-open probe.
	OpenDuration time.Duration
}

// DefaultBreakerConfig returns the standard transition thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     60 * time.Second,
	}
}

// breaker is one provider's circuit. Guarded by the monitor's mutex.
type breaker struct {
	config BreakerConfig
	state  CircuitState

	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	probeInFlight        bool
	totalTrips           int64
}

// allow reports whether a dispatch may proceed, transitioning
// open → half-open once the open window has elapsed.
func (b *breaker) allow(now time.Time) bool {
	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if now.Sub(b.openedAt) >= b.config.OpenDuration {
			b.state = CircuitHalfOpen
			b.probeInFlight = true
			b.consecutiveSuccesses = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

func (b *breaker) recordSuccess() {
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++
	if b.state == CircuitHalfOpen {
		b.probeInFlight = false
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.state = CircuitClosed
		}
	}
}

func (b *breaker) recordFailure(now time.Time, name string) {
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	switch b.state {
	case CircuitClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.trip(now, name)
		}
	case CircuitHalfOpen:
		b.probeInFlight = false
		b.trip(now, name)
	}
}

func (b *breaker) trip(now time.Time, name string) {
	b.state = CircuitOpen
	b.openedAt = now
	b.probeInFlight = false
	b.totalTrips++
	metrics.Get().CircuitTrip(name)
	log.Warn().
		Str("provider", name).
		Int("consecutive_failures", b.consecutiveFailures).
		Msg("Circuit breaker opened")
}

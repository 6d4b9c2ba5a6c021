package tangguh

import (
	"context"
	"errors"
	"sync"
	"time"
)

// breakerCore is the circuit breaker state machine shared by the blocking
// and cooperative variants. It is not safe for concurrent use on its own;
// each variant wraps it in exactly one exclusion mechanism.
//
// Transitions:
//
//	CLOSED    -> OPEN       failure count reaches FailureThreshold
//	OPEN      -> HALF_OPEN  RecoveryTimeout elapsed, checked lazily on access
//	HALF_OPEN -> CLOSED     HalfOpenMaxCalls successes
//	HALF_OPEN -> OPEN       any failure
type breakerCore struct {
	config        CircuitBreakerConfig
	state         CircuitState
	failures      int
	successes     int
	halfOpenCalls int
	lastFailure   time.Time
}

// BreakerStats is a point-in-time snapshot for health reporting.
type BreakerStats struct {
	State         CircuitState
	Failures      int
	Successes     int
	HalfOpenCalls int
	LastFailure   time.Time
	Enabled       bool
}

func newBreakerCore(config CircuitBreakerConfig) breakerCore {
	return breakerCore{config: config, state: StateClosed}
}

// canExecute applies the lazy OPEN->HALF_OPEN transition, then decides
// whether a call may proceed. Granting a half-open slot reserves it;
// halfOpenCalls never exceeds HalfOpenMaxCalls.
func (b *breakerCore) canExecute(now time.Time) (bool, CircuitState, CircuitState) {
	from := b.state
	b.checkTransition(now)

	switch b.state {
	case StateClosed:
		return true, from, b.state
	case StateOpen:
		return false, from, b.state
	case StateHalfOpen:
		if b.halfOpenCalls < b.config.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true, from, b.state
		}
		return false, from, b.state
	default:
		return false, from, b.state
	}
}

// releaseHalfOpenSlot hands back an admission slot that was granted but
// never used, so an abandoned caller cannot wedge the half-open probe
// budget.
func (b *breakerCore) releaseHalfOpenSlot() {
	if b.state == StateHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
}

// recordSuccess feeds a successful call into the machine.
func (b *breakerCore) recordSuccess() (from, to CircuitState) {
	from = b.state
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.HalfOpenMaxCalls {
			b.reset()
		}
	case StateClosed:
		b.failures = 0
	}
	return from, b.state
}

// recordFailure feeds a failed call into the machine.
func (b *breakerCore) recordFailure(now time.Time) (from, to CircuitState) {
	from = b.state
	switch b.state {
	case StateClosed:
		b.failures++
		b.lastFailure = now
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
		}
	case StateHalfOpen:
		// Any failure while probing reopens the circuit.
		b.failures++
		b.lastFailure = now
		b.state = StateOpen
		b.halfOpenCalls = 0
		b.successes = 0
	case StateOpen:
		b.lastFailure = now
	}
	return from, b.state
}

// excludes reports whether err is exempt from breaker accounting.
func (b *breakerCore) excludes(err error) bool {
	if err == nil {
		return false
	}
	if b.config.ExcludeFunc != nil && b.config.ExcludeFunc(err) {
		return true
	}
	if len(b.config.ExcludeErrorTypes) == 0 {
		return false
	}
	var clientErr *ClientError
	if !errors.As(err, &clientErr) {
		return false
	}
	for _, t := range b.config.ExcludeErrorTypes {
		if clientErr.Type == t {
			return true
		}
	}
	return false
}

// reset forces CLOSED with all counters zeroed.
func (b *breakerCore) reset() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
	b.lastFailure = time.Time{}
}

// checkTransition applies the lazy OPEN -> HALF_OPEN transition.
func (b *breakerCore) checkTransition(now time.Time) {
	if b.state == StateOpen && !b.lastFailure.IsZero() &&
		now.Sub(b.lastFailure) >= b.config.RecoveryTimeout {
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.successes = 0
	}
}

func (b *breakerCore) stats() BreakerStats {
	return BreakerStats{
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		HalfOpenCalls: b.halfOpenCalls,
		LastFailure:   b.lastFailure,
		Enabled:       b.config.Enabled,
	}
}

// CircuitBreaker is the blocking-mode breaker: a mutex guards the core and
// every operation runs under it. The mutex is never held across a network
// call or a backoff wait. Safe for concurrent use.
type CircuitBreaker struct {
	mu   sync.Mutex
	core breakerCore
}

// NewCircuitBreaker creates a mutex-guarded circuit breaker. Zero-valued
// thresholds in config fall back to the defaults.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	applyBreakerDefaults(&config)
	return &CircuitBreaker{core: newBreakerCore(config)}
}

// Allow implements Breaker. ctx is unused by this variant.
func (cb *CircuitBreaker) Allow(_ context.Context) bool {
	if !cb.core.config.Enabled {
		return true
	}
	cb.mu.Lock()
	ok, from, to := cb.core.canExecute(time.Now())
	cb.mu.Unlock()
	cb.notify(from, to)
	return ok
}

// RecordSuccess implements Breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.core.config.Enabled {
		return
	}
	cb.mu.Lock()
	from, to := cb.core.recordSuccess()
	cb.mu.Unlock()
	cb.notify(from, to)
}

// RecordFailure implements Breaker. Errors in the exclusion set are not
// recorded at all.
func (cb *CircuitBreaker) RecordFailure(err error) {
	if !cb.core.config.Enabled {
		return
	}
	cb.mu.Lock()
	if cb.core.excludes(err) {
		cb.mu.Unlock()
		return
	}
	from, to := cb.core.recordFailure(time.Now())
	cb.mu.Unlock()
	cb.notify(from, to)
}

// State implements Breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.core.checkTransition(time.Now())
	return cb.core.state
}

// Reset implements Breaker. Used for manual recovery and tests.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.core.state
	cb.core.reset()
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.core.checkTransition(time.Now())
	return cb.core.stats()
}

// notify runs the state-change callback outside the lock.
func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if from != to && cb.core.config.OnStateChange != nil {
		cb.core.config.OnStateChange(from, to)
	}
}

func applyBreakerDefaults(config *CircuitBreakerConfig) {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls == 0 {
		config.HalfOpenMaxCalls = 2
	}
}

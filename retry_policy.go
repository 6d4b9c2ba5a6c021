package tangguh

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	internalbackoff "github.com/ambiyansyah-risyal/tangguh/internal/backoff"
)

// RetryPolicy decides whether a failed attempt may be re-issued and how
// long to wait first. Implementations are shared read-only across
// concurrent requests; per-request attempt counters stay with the caller.
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt may follow the given
	// outcome. attempt is zero-based; it fails closed when the next attempt
	// would exceed the budget, when method is not idempotent, or when the
	// error is fatal.
	ShouldRetry(method string, resp *http.Response, err error, attempt int) bool
	// Wait computes the backoff before the next attempt, honoring a
	// Retry-After signal on resp when configured.
	Wait(resp *http.Response, attempt int) time.Duration
	// Exhausted reports whether the next attempt would exceed the budget.
	Exhausted(attempt int) bool
	// AttemptAllowed applies only the budget and idempotency gates; it is
	// consulted when an error hook requests a retry the classification
	// alone would deny.
	AttemptAllowed(method string, attempt int) bool
}

// BackoffStrategy selects the wait-time algorithm for DefaultRetryPolicy.
type BackoffStrategy int

const (
	// ExponentialJitter is base*factor^attempt clamped, scaled by a uniform
	// [0.5, 1.5) factor when jitter is enabled.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter is AWS-style decorrelated jitter.
	DecorrelatedJitter
)

// DefaultRetryPolicy implements RetryPolicy from a RetryConfig.
type DefaultRetryPolicy struct {
	config     RetryConfig
	strategy   BackoffStrategy
	calculator *internalbackoff.Calculator
}

// NewDefaultRetryPolicy builds the standard policy: exponential backoff
// with jitter, idempotent methods only.
func NewDefaultRetryPolicy(config RetryConfig) *DefaultRetryPolicy {
	return NewRetryPolicyWithStrategy(config, ExponentialJitter)
}

// NewRetryPolicyWithStrategy builds a policy with a specific backoff
// strategy.
func NewRetryPolicyWithStrategy(config RetryConfig, strategy BackoffStrategy) *DefaultRetryPolicy {
	policy := &DefaultRetryPolicy{
		config:   config,
		strategy: strategy,
	}
	switch strategy {
	case DecorrelatedJitter:
		policy.calculator = internalbackoff.GetDecorrelatedJitterCalculator()
	default:
		policy.calculator = internalbackoff.GetExponentialJitterCalculator()
	}
	return policy
}

// ShouldRetry implements the RetryPolicy interface.
func (p *DefaultRetryPolicy) ShouldRetry(method string, resp *http.Response, err error, attempt int) bool {
	if p.Exhausted(attempt) {
		return false
	}
	if !p.config.isIdempotent(method) {
		return false
	}
	if err != nil && IsFatal(err) {
		return false
	}
	if err != nil && IsTransient(err) {
		return true
	}
	if resp != nil && p.config.isRetryableStatus(resp.StatusCode) {
		return true
	}
	return false
}

// Exhausted implements the RetryPolicy interface.
func (p *DefaultRetryPolicy) Exhausted(attempt int) bool {
	return attempt+1 >= p.config.MaxAttempts
}

// AttemptAllowed implements the RetryPolicy interface.
func (p *DefaultRetryPolicy) AttemptAllowed(method string, attempt int) bool {
	return !p.Exhausted(attempt) && p.config.isIdempotent(method)
}

// Wait implements the RetryPolicy interface. A parseable Retry-After
// header takes priority over the computed backoff, clamped to
// [0, RetryAfterMax].
func (p *DefaultRetryPolicy) Wait(resp *http.Response, attempt int) time.Duration {
	if p.config.RespectRetryAfter && resp != nil {
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			if wait > p.config.RetryAfterMax {
				wait = p.config.RetryAfterMax
			}
			return wait
		}
	}
	return p.calculator.Calculate(attempt, p.config.BackoffBase, p.config.BackoffMax, p.config.BackoffFactor, p.config.Jitter)
}

// maxRetryAfterLen bounds the Retry-After header before any parsing.
// Legitimate values ("60", "Wed, 21 Oct 2015 07:28:00 GMT") are far
// shorter; anything longer is treated as hostile and ignored.
const maxRetryAfterLen = 100

// maxRetryAfterSeconds rejects waits longer than one year.
const maxRetryAfterSeconds = 365 * 24 * 60 * 60

// parseRetryAfter parses a Retry-After header value defensively. It
// supports delay-seconds and HTTP-date formats and reports ok=false
// (caller falls back to computed backoff) for anything malformed,
// negative, non-finite or implying a pathological wait.
func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > maxRetryAfterLen {
		return 0, false
	}

	// Delay-seconds form first.
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
			return 0, false
		}
		if seconds < 0 || seconds > maxRetryAfterSeconds {
			return 0, false
		}
		return time.Duration(seconds * float64(time.Second)), true
	}

	// HTTP-date form. A past date means retry immediately.
	if t, err := http.ParseTime(value); err == nil {
		wait := time.Until(t)
		if wait < 0 {
			wait = 0
		}
		if wait > maxRetryAfterSeconds*time.Second {
			return 0, false
		}
		return wait, true
	}

	return 0, false
}

// retryState is the per-request attempt counter. It is owned exclusively
// by one in-flight execution and needs no synchronization.
type retryState struct {
	attempt int
}

func (s *retryState) increment() { s.attempt++ }
func (s *retryState) reset()     { s.attempt = 0 }

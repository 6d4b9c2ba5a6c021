package backoff

import (
	"math/rand"
	"time"
)

// Strategy defines the interface for backoff calculation algorithms.
type Strategy interface {
	// Calculate returns the wait duration before retry number attempt
	// (zero-based). jitter selects randomized scaling to spread
	// synchronized retry storms.
	Calculate(attempt int, base, max time.Duration, factor float64, jitter bool) time.Duration
}

// ExponentialJitterStrategy implements exponential backoff with an
// optional uniform [0.5, 1.5) jitter band applied after clamping.
type ExponentialJitterStrategy struct{}

// Calculate implements the Strategy interface.
func (s ExponentialJitterStrategy) Calculate(attempt int, base, max time.Duration, factor float64, jitter bool) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// Prevent overflow by limiting attempt
	if attempt > 30 {
		attempt = 30
	}

	wait := time.Duration(float64(base) * Pow(factor, attempt))
	if wait < 0 || wait > max {
		wait = max
	}

	if jitter {
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// DecorrelatedJitterStrategy implements decorrelated jitter as per the AWS
// architecture blog. Provides smoother tail latencies than plain
// exponential jitter; the jitter flag is ignored because randomness is
// inherent to the algorithm.
type DecorrelatedJitterStrategy struct{}

// Calculate implements the Strategy interface.
func (s DecorrelatedJitterStrategy) Calculate(attempt int, base, max time.Duration, factor float64, jitter bool) time.Duration {
	if attempt <= 0 {
		return base
	}

	// Prevent overflow by limiting attempt
	if attempt > 10 {
		attempt = 10
	}

	// Stateless variant: random_between(base, min(cap, base * 3^attempt))
	lower := float64(base)
	upper := lower * Pow(3.0, attempt)

	maxFloat := float64(max)
	if upper > maxFloat || upper < 0 {
		upper = maxFloat
	}
	if upper < lower {
		upper = lower
	}

	wait := time.Duration(lower + rand.Float64()*(upper-lower))
	if wait < 0 || wait > max {
		wait = max
	}
	return wait
}

// Pow calculates base^exponent using integer exponentiation.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}

package tangguh

import (
	"fmt"
	"time"
)

// RetryConfig holds the immutable retry policy parameters. Construct it
// with DefaultRetryConfig and derive variants with the With* methods;
// instances are shared read-only across concurrent requests.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first
	// request. Zero disables the request entirely.
	MaxAttempts int
	// BackoffBase is the wait before the first retry.
	BackoffBase time.Duration
	// BackoffFactor multiplies the wait for each subsequent retry. Must be >= 1.
	BackoffFactor float64
	// BackoffMax caps the computed exponential wait.
	BackoffMax time.Duration
	// Jitter scales each wait by a uniform factor in [0.5, 1.5) to avoid
	// synchronized retry storms.
	Jitter bool
	// IdempotentMethods lists the HTTP methods eligible for retry.
	IdempotentMethods []string
	// RetryableStatusCodes lists the response codes that trigger a retry.
	RetryableStatusCodes []int
	// RespectRetryAfter honors a server-supplied Retry-After header.
	RespectRetryAfter bool
	// RetryAfterMax caps the wait taken from a Retry-After header.
	RetryAfterMax time.Duration
}

// DefaultRetryConfig returns the retry defaults: 3 attempts, 500ms base
// doubling up to 60s with jitter, retrying idempotent methods on
// 408/429/5xx and honoring Retry-After up to 5 minutes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:          3,
		BackoffBase:          500 * time.Millisecond,
		BackoffFactor:        2.0,
		BackoffMax:           60 * time.Second,
		Jitter:               true,
		IdempotentMethods:    []string{"GET", "HEAD", "PUT", "DELETE", "OPTIONS", "TRACE"},
		RetryableStatusCodes: []int{408, 429, 500, 502, 503, 504},
		RespectRetryAfter:    true,
		RetryAfterMax:        5 * time.Minute,
	}
}

// Validate reports the first constraint violation, or nil.
func (c RetryConfig) Validate() error {
	if c.MaxAttempts < 0 {
		return fmt.Errorf("retry: MaxAttempts must be non-negative, got %d", c.MaxAttempts)
	}
	if c.BackoffBase < 0 {
		return fmt.Errorf("retry: BackoffBase must be non-negative, got %v", c.BackoffBase)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("retry: BackoffFactor must be >= 1, got %v", c.BackoffFactor)
	}
	if c.BackoffMax < 0 {
		return fmt.Errorf("retry: BackoffMax must be non-negative, got %v", c.BackoffMax)
	}
	if c.RetryAfterMax < 0 {
		return fmt.Errorf("retry: RetryAfterMax must be non-negative, got %v", c.RetryAfterMax)
	}
	return nil
}

// WithMaxAttempts returns a copy with MaxAttempts replaced.
func (c RetryConfig) WithMaxAttempts(n int) RetryConfig {
	c.MaxAttempts = n
	return c
}

// WithBackoff returns a copy with the backoff curve replaced.
func (c RetryConfig) WithBackoff(base, max time.Duration, factor float64) RetryConfig {
	c.BackoffBase = base
	c.BackoffMax = max
	c.BackoffFactor = factor
	return c
}

// WithIdempotentMethods returns a copy with the retryable method set replaced.
func (c RetryConfig) WithIdempotentMethods(methods ...string) RetryConfig {
	c.IdempotentMethods = methods
	return c
}

// isIdempotent reports whether method is eligible for retry under this config.
func (c RetryConfig) isIdempotent(method string) bool {
	for _, m := range c.IdempotentMethods {
		if m == method {
			return true
		}
	}
	return false
}

// isRetryableStatus reports whether code is in the retryable set.
func (c RetryConfig) isRetryableStatus(code int) bool {
	for _, s := range c.RetryableStatusCodes {
		if s == code {
			return true
		}
	}
	return false
}

// CircuitBreakerConfig holds circuit breaker configuration. Immutable and
// shared; one breaker instance guards one logical target.
type CircuitBreakerConfig struct {
	// Enabled toggles the breaker. When false every call is allowed and
	// recording is a no-op.
	Enabled bool
	// FailureThreshold is the consecutive failure count that opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls bounds concurrent trial calls while half-open, and is
	// also the success count required to close the circuit again.
	HalfOpenMaxCalls int
	// ExcludeErrorTypes lists ClientError types that never count as breaker
	// failures (e.g. ErrorTypeValidation for caller-side mistakes).
	ExcludeErrorTypes []string
	// ExcludeFunc, when set, exempts any error it returns true for.
	ExcludeFunc func(error) bool
	// OnStateChange is invoked (outside the breaker lock) on transitions.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns an enabled breaker: 5 failures open
// the circuit for 60s, then 2 trial calls may close it.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 2,
	}
}

// Validate reports the first constraint violation, or nil.
func (c CircuitBreakerConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("circuit breaker: FailureThreshold must be positive, got %d", c.FailureThreshold)
	}
	if c.RecoveryTimeout <= 0 {
		return fmt.Errorf("circuit breaker: RecoveryTimeout must be positive, got %v", c.RecoveryTimeout)
	}
	if c.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("circuit breaker: HalfOpenMaxCalls must be positive, got %d", c.HalfOpenMaxCalls)
	}
	return nil
}

// SecurityConfig holds the response safety limits enforced by the
// ResponseGuard. Immutable and shared.
type SecurityConfig struct {
	// MaxResponseSize caps the raw (wire) body size in bytes.
	MaxResponseSize int64
	// MaxDecompressedSize caps the decoded body size in bytes.
	MaxDecompressedSize int64
	// MaxCompressionRatio caps decompressed/compressed while streaming.
	MaxCompressionRatio float64
	// VerifyTLS controls certificate verification on the default transport.
	VerifyTLS bool
	// AllowRedirects controls whether redirects are followed.
	AllowRedirects bool
}

// DefaultSecurityConfig returns 100MB raw / 500MB decoded caps with a 20x
// compression ratio bound, TLS verification and redirects on.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		MaxResponseSize:     100 * 1024 * 1024,
		MaxDecompressedSize: 500 * 1024 * 1024,
		MaxCompressionRatio: 20.0,
		VerifyTLS:           true,
		AllowRedirects:      true,
	}
}

// Validate reports the first constraint violation, or nil.
func (c SecurityConfig) Validate() error {
	if c.MaxResponseSize <= 0 {
		return fmt.Errorf("security: MaxResponseSize must be positive, got %d", c.MaxResponseSize)
	}
	if c.MaxDecompressedSize <= 0 {
		return fmt.Errorf("security: MaxDecompressedSize must be positive, got %d", c.MaxDecompressedSize)
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("security: MaxCompressionRatio must be positive, got %v", c.MaxCompressionRatio)
	}
	return nil
}

// WithMaxResponseSize returns a copy with the raw size cap replaced.
func (c SecurityConfig) WithMaxResponseSize(n int64) SecurityConfig {
	c.MaxResponseSize = n
	return c
}

// TimeoutConfig bounds each individual transport call, independent of the
// retry loop. An overall deadline, if wanted, belongs on the request
// context.
type TimeoutConfig struct {
	// Connect bounds connection establishment.
	Connect time.Duration
	// Read bounds waiting for response headers.
	Read time.Duration
	// Total bounds the whole call including the body. Zero means unbounded.
	Total time.Duration
}

// DefaultTimeoutConfig returns 5s connect / 30s read / 90s total.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Connect: 5 * time.Second,
		Read:    30 * time.Second,
		Total:   90 * time.Second,
	}
}

// Validate reports the first constraint violation, or nil.
func (c TimeoutConfig) Validate() error {
	if c.Connect <= 0 {
		return fmt.Errorf("timeout: Connect must be positive, got %v", c.Connect)
	}
	if c.Read <= 0 {
		return fmt.Errorf("timeout: Read must be positive, got %v", c.Read)
	}
	if c.Total < 0 {
		return fmt.Errorf("timeout: Total must be non-negative, got %v", c.Total)
	}
	return nil
}

// WithTotal returns a copy with the total call bound replaced.
func (c TimeoutConfig) WithTotal(d time.Duration) TimeoutConfig {
	c.Total = d
	return c
}

package tangguh

import (
	"fmt"
	"log/slog"
	"time"
)

// WithRetryConfig replaces the whole retry configuration.
func WithRetryConfig(config RetryConfig) Option {
	return func(c *Client) {
		c.retryConfig = config
	}
}

// WithMaxAttempts sets the total attempt budget including the first call.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		c.retryConfig.MaxAttempts = n
	}
}

// WithBackoff sets the backoff curve.
func WithBackoff(base, max time.Duration, factor float64) Option {
	return func(c *Client) {
		c.retryConfig = c.retryConfig.WithBackoff(base, max, factor)
	}
}

// WithIdempotentMethods replaces the set of methods eligible for retry.
func WithIdempotentMethods(methods ...string) Option {
	return func(c *Client) {
		c.retryConfig.IdempotentMethods = methods
	}
}

// WithRetryPolicy sets a custom retry policy. It overrides the policy
// derived from the retry configuration.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = policy
	}
}

// WithBackoffStrategy selects the wait-time algorithm for the default
// policy.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(c *Client) {
		c.retryPolicy = NewRetryPolicyWithStrategy(c.retryConfig, strategy)
	}
}

// WithCircuitBreaker sets the circuit breaker configuration, using the
// blocking (mutex) variant.
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakerConfig = config
		c.breaker = NewCircuitBreaker(config)
	}
}

// WithActorCircuitBreaker sets the circuit breaker configuration, using
// the cooperative variant serialized through its own goroutine. Close
// the client to release it.
func WithActorCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.breakerConfig = config
		c.breaker = NewActorCircuitBreaker(config)
	}
}

// WithBreaker sets a custom breaker implementation.
func WithBreaker(breaker Breaker) Option {
	return func(c *Client) {
		c.breaker = breaker
	}
}

// WithBreakerName sets the label used for breaker metrics.
func WithBreakerName(name string) Option {
	return func(c *Client) {
		c.breakerName = name
	}
}

// WithSecurityConfig replaces the response safety limits.
func WithSecurityConfig(config SecurityConfig) Option {
	return func(c *Client) {
		c.security = config
	}
}

// WithTimeoutConfig replaces the per-call timeout bounds.
func WithTimeoutConfig(config TimeoutConfig) Option {
	return func(c *Client) {
		c.timeouts = config
	}
}

// WithHooks registers hooks. Execution order follows priority tier, ties
// broken by registration order.
func WithHooks(hooks ...Hook) Option {
	return func(c *Client) {
		c.hooks = append(c.hooks, hooks...)
	}
}

// WithTransport overrides the transport for every request, bypassing the
// session registry. Meant for tests and custom stacks.
func WithTransport(transport RoundTripper) Option {
	return func(c *Client) {
		c.transport = transport
	}
}

// WithSessionFactory replaces how per-unit connection handles are built.
func WithSessionFactory(factory SessionFactory) Option {
	return func(c *Client) {
		c.sessionFactory = factory
	}
}

// WithMetrics enables Prometheus metrics collection on the default
// registerer.
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSlog routes logging through an slog logger.
func WithSlog(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = NewSlogAdapter(logger)
	}
}

// WithDebug enables debug logging of requests and retries.
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.debug.LogRequests = true
		c.debug.LogRetries = true
		c.debug.LogCircuit = true
	}
}

// WithDebugConfig sets a custom debug configuration.
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithRequestIDGenerator sets the per-request id generator. The default
// is a UUID.
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// ValidateConfiguration checks every configuration section and returns a
// validation-kind ClientError describing the first problems found.
func (c *Client) ValidateConfiguration() error {
	var problems []string

	if err := c.retryConfig.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if err := c.breakerConfig.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if err := c.security.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if err := c.timeouts.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	for _, h := range c.hooks {
		if h == nil {
			problems = append(problems, "hooks: nil hook registered")
		}
	}

	if len(problems) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", problems),
		}
	}

	return nil
}

// Package tangguh provides a resilient HTTP request layer with composable
// reliability primitives:
//
//   - Retries with exponential backoff + jitter, honoring Retry-After
//   - Circuit breaker in two flavors: blocking (mutex) and cooperative
//     (serialized through its own goroutine)
//   - Response safety guard: size caps and decompression-bomb detection
//     enforced while the body streams
//   - Priority-ordered hook chain (before / after / on-error) with
//     panic isolation, so a misbehaving extension never kills a request
//   - Per-execution-unit session registry with explicit shutdown
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - Safe concurrent use of a single *Client instance
//   - Fail closed: exhausted budgets, open circuits and safety
//     rejections each surface as a distinct, inspectable error
//
// Typical usage:
//
//	client := tangguh.New(
//	    tangguh.WithMaxAttempts(5),
//	    tangguh.WithCircuitBreaker(tangguh.DefaultCircuitBreakerConfig()),
//	    tangguh.WithMetrics(),
//	)
//	defer client.Close()
//	resp, err := client.Get(ctx, "https://api.example.com/data")
//
// Only idempotent methods are retried by default; override with
// WithIdempotentMethods. Provide a Logger (WithLogger / WithSlog) and
// enable debug flags selectively (WithDebug) for insight without noise.
package tangguh

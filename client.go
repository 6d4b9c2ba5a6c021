package tangguh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a resilient HTTP client that layers retries, circuit
// breaking, response safety limits, hooks and metrics around per-unit
// connection pools. It is safe for concurrent use; one Client is meant
// to be shared by all execution units talking to the same service.
type Client struct {
	retryConfig    RetryConfig
	retryPolicy    RetryPolicy
	breaker        Breaker
	breakerName    string
	breakerConfig  CircuitBreakerConfig
	security       SecurityConfig
	timeouts       TimeoutConfig
	hooks          []Hook
	chain          *HookChain
	guard          *ResponseGuard
	sessions       *SessionRegistry
	sessionFactory SessionFactory
	transport      RoundTripper
	metrics        *MetricsCollector
	debug          *DebugConfig
	logger         Logger

	validationError error
}

// New constructs a Client from the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError to
// check for configuration mistakes.
func New(options ...Option) *Client {
	client := &Client{
		retryConfig:   DefaultRetryConfig(),
		breakerConfig: DefaultCircuitBreakerConfig(),
		security:      DefaultSecurityConfig(),
		timeouts:      DefaultTimeoutConfig(),
		breakerName:   "default",
		debug:         DefaultDebugConfig(),
	}

	for _, option := range options {
		option(client)
	}

	if client.retryPolicy == nil {
		client.retryPolicy = NewDefaultRetryPolicy(client.retryConfig)
	}
	if client.breaker == nil {
		client.breaker = NewCircuitBreaker(client.breakerConfig)
	}
	if client.sessionFactory == nil {
		client.sessionFactory = defaultSessionFactory(client.timeouts, client.security)
	}
	client.sessions = NewSessionRegistry(client.sessionFactory, client.metrics)
	client.guard = NewResponseGuard(client.security, client.metrics, client.logger)
	client.chain = NewHookChain(client.hooks, client.logger, client.metrics)

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// Get performs an HTTP GET with context.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Head performs an HTTP HEAD with context.
func (c *Client) Head(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Post performs an HTTP POST with the given content type. POST is not in
// the default idempotent set, so it is never retried unless configured.
func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Put performs an HTTP PUT with the given content type.
func (c *Client) Put(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Delete performs an HTTP DELETE with context.
func (c *Client) Delete(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Download streams the body of url into w, returning the number of
// bytes written. The response passes through the full resilience and
// safety pipeline, so oversized or bomb-like bodies fail mid-copy.
func (c *Client) Download(ctx context.Context, url string, w io.Writer) (int64, error) {
	resp, err := c.Get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return io.Copy(w, resp.Body)
}

// Do executes a prepared *http.Request applying the full pipeline:
// circuit breaker admission, before hooks, the transport call, the
// response guard, after or error hooks, and the retry loop. Error
// statuses (>= 400) surface as classified errors, not responses. The
// final error always distinguishes circuit denial, safety rejection,
// retry exhaustion and cancellation.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.validationError != nil {
		return nil, &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "invalid client configuration",
			Cause:     c.validationError,
			Timestamp: time.Now(),
		}
	}

	start := time.Now()
	endpoint := getEndpointFromRequest(req)

	var idGen func() string
	if c.debug != nil && c.debug.RequestIDGen != nil {
		idGen = c.debug.RequestIDGen
	}
	rc := newRequestContext(req, idGen)

	if c.debug != nil && c.debug.Enabled && c.debug.LogRequests && c.logger != nil {
		c.logger.Debug("starting request", "requestID", rc.ID, "method", req.Method, "url", rc.URL, "endpoint", endpoint)
	}

	c.metrics.RecordRequestStart(req.Method, endpoint)
	resp, err := c.doWithRetry(rc, req, endpoint, start)
	c.metrics.RecordRequestEnd(req.Method, endpoint)

	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.metrics.RecordRequest(req.Method, endpoint, statusCode, time.Since(start))

	return resp, err
}

// doWithRetry runs the attempt loop. The attempt counter is owned by
// this call; nothing about a logical request is shared across
// goroutines.
func (c *Client) doWithRetry(rc *RequestContext, req *http.Request, endpoint string, start time.Time) (*http.Response, error) {
	state := &retryState{}
	var lastErr error

	for {
		if state.attempt > 0 {
			if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
				c.logger.Info("retry attempt", "requestID", rc.ID, "attempt", state.attempt, "maxAttempts", c.retryConfig.MaxAttempts, "endpoint", endpoint)
			}
			c.metrics.RecordRetry(req.Method, endpoint, state.attempt)
		}

		resp, short, err := c.attempt(rc, req, state.attempt, endpoint, start)
		if short {
			// Synthetic response from a before hook: no transport call
			// happened, so the breaker saw nothing. After hooks still run.
			return c.chain.RunAfter(rc, resp), nil
		}

		if err != nil && errorTypeOf(err) == ErrorTypeCircuitOpen {
			// Denied admission: no attempt was consumed, so nothing is
			// recorded and no hook runs. Feeding the denial back in as a
			// failure would keep refreshing the open state forever.
			return nil, err
		}

		if err == nil && statusOf(resp) < 400 {
			c.breaker.RecordSuccess()
			c.recordBreakerState()
			resp = c.chain.RunAfter(rc, resp)
			state.reset()
			return resp, nil
		}

		// Failed attempt: either a transport/guard error or an error
		// status. Guard violations and cancellations return immediately.
		attemptErr := err
		if attemptErr == nil {
			attemptErr = c.statusError(rc, resp, state.attempt, start)
		}

		if IsGuardViolation(attemptErr) {
			c.breaker.RecordFailure(attemptErr)
			c.recordBreakerState()
			c.metrics.RecordError(errorTypeOf(attemptErr), req.Method, endpoint)
			c.chain.RunError(rc, attemptErr)
			return nil, attemptErr
		}
		if errorTypeOf(attemptErr) == ErrorTypeCanceled {
			return nil, attemptErr
		}

		c.breaker.RecordFailure(attemptErr)
		c.recordBreakerState()
		c.metrics.RecordError(errorTypeOf(attemptErr), req.Method, endpoint)

		hookWantsRetry := c.chain.RunError(rc, attemptErr)

		shouldRetry := c.retryPolicy.ShouldRetry(req.Method, resp, err, state.attempt)
		if !shouldRetry && hookWantsRetry {
			// A hook may rescue an error the classification would drop,
			// but never past the budget or onto a non-idempotent method.
			shouldRetry = c.retryPolicy.AttemptAllowed(req.Method, state.attempt)
		}

		if !shouldRetry {
			drainBody(resp)
			if c.retryPolicy.Exhausted(state.attempt) {
				// The budget is the reason the retry was denied; the raw
				// cause stays reachable through the wrapper.
				c.metrics.RecordRetriesExhausted(req.Method, endpoint)
				return nil, &ClientError{
					Type:        ErrorTypeTooManyRetries,
					Message:     "retry budget exhausted",
					Cause:       attemptErr,
					RequestID:   rc.ID,
					Method:      req.Method,
					URL:         rc.URL,
					Endpoint:    endpoint,
					StatusCode:  statusOf(resp),
					Attempt:     state.attempt,
					MaxAttempts: c.retryConfig.MaxAttempts,
					Timestamp:   time.Now(),
					Duration:    time.Since(start),
				}
			}
			// Fatal classification or a non-idempotent method with budget
			// left: the classified error itself is the answer.
			return nil, attemptErr
		}

		lastErr = attemptErr
		drainBody(resp)

		wait := c.retryPolicy.Wait(resp, state.attempt)
		if c.debug != nil && c.debug.Enabled && c.debug.LogRetries && c.logger != nil {
			c.logger.Info("scheduling retry", "requestID", rc.ID, "attempt", state.attempt+1, "backoff", wait, "endpoint", endpoint)
		}
		if err := c.waitBackoff(req.Context(), wait); err != nil {
			// Cancellation during backoff propagates instead of retrying.
			return nil, &ClientError{
				Type:        ErrorTypeCanceled,
				Message:     "canceled while waiting to retry",
				Cause:       lastErr,
				RequestID:   rc.ID,
				Method:      req.Method,
				URL:         rc.URL,
				Endpoint:    endpoint,
				Attempt:     state.attempt,
				MaxAttempts: c.retryConfig.MaxAttempts,
				Timestamp:   time.Now(),
				Duration:    time.Since(start),
			}
		}

		state.increment()
	}
}

// attempt performs one pass: breaker admission, before hooks, the
// transport call and the response guard. short reports that a before
// hook short-circuited the transport.
func (c *Client) attempt(rc *RequestContext, req *http.Request, attempt int, endpoint string, start time.Time) (resp *http.Response, short bool, err error) {
	ctx := req.Context()

	if !c.breaker.Allow(ctx) {
		c.metrics.RecordCircuitBreakerDenied(c.breakerName)
		c.metrics.RecordError(ErrorTypeCircuitOpen, req.Method, endpoint)
		if c.debug != nil && c.debug.Enabled && c.debug.LogCircuit && c.logger != nil {
			c.logger.Warn("circuit breaker open", "requestID", rc.ID, "endpoint", endpoint)
		}
		return nil, false, &ClientError{
			Type:        ErrorTypeCircuitOpen,
			Message:     "circuit breaker is open",
			RequestID:   rc.ID,
			Method:      req.Method,
			URL:         rc.URL,
			Endpoint:    endpoint,
			Attempt:     attempt,
			MaxAttempts: c.retryConfig.MaxAttempts,
			Timestamp:   time.Now(),
			Duration:    time.Since(start),
		}
	}

	attemptReq, err := c.prepareAttempt(req, attempt)
	if err != nil {
		return nil, false, &ClientError{
			Type:      ErrorTypeValidation,
			Message:   "request body cannot be replayed",
			Cause:     err,
			RequestID: rc.ID,
			Method:    req.Method,
			URL:       rc.URL,
			Endpoint:  endpoint,
			Attempt:   attempt,
			Timestamp: time.Now(),
		}
	}
	rc.Attempt = attempt
	rc.Request = attemptReq

	if synthetic := c.chain.RunBefore(rc); synthetic != nil {
		return synthetic, true, nil
	}

	resp, err = c.roundTrip(ctx, rc.Request)
	if err != nil {
		return nil, false, &ClientError{
			Type:        classifyTransportError(err),
			Message:     "transport call failed",
			Cause:       err,
			RequestID:   rc.ID,
			Method:      req.Method,
			URL:         rc.URL,
			Endpoint:    endpoint,
			Attempt:     attempt,
			MaxAttempts: c.retryConfig.MaxAttempts,
			Timestamp:   time.Now(),
			Duration:    time.Since(start),
		}
	}

	resp, err = c.guard.Wrap(resp, endpoint)
	if err != nil {
		return nil, false, err
	}
	return resp, false, nil
}

// prepareAttempt returns the request to send for the given attempt.
// Retries get a fresh clone with the body rewound via GetBody.
func (c *Client) prepareAttempt(req *http.Request, attempt int) (*http.Request, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		// The guard decodes these itself with size and ratio metering.
		req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}
	if attempt == 0 {
		return req, nil
	}
	clone := req.Clone(req.Context())
	if req.Body != nil {
		if req.GetBody == nil {
			return nil, fmt.Errorf("request has a body but no GetBody for replay")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		clone.Body = body
	}
	return clone, nil
}

// roundTrip dispatches through the transport override when set (tests,
// custom stacks), otherwise through the session handle for the calling
// execution unit.
func (c *Client) roundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.transport != nil {
		return c.transport.RoundTrip(req)
	}
	session, err := c.sessions.Get(executionUnitFromContext(ctx))
	if err != nil {
		return nil, err
	}
	return session.Do(req)
}

// statusError materializes a ClientError for an error status so the
// breaker, hooks and caller all see a classified failure.
func (c *Client) statusError(rc *RequestContext, resp *http.Response, attempt int, start time.Time) *ClientError {
	return &ClientError{
		Type:        statusErrorType(resp.StatusCode),
		Message:     fmt.Sprintf("server returned status %d", resp.StatusCode),
		RequestID:   rc.ID,
		Method:      rc.Method,
		URL:         rc.URL,
		StatusCode:  resp.StatusCode,
		Attempt:     attempt,
		MaxAttempts: c.retryConfig.MaxAttempts,
		Timestamp:   time.Now(),
		Duration:    time.Since(start),
	}
}

// waitBackoff sleeps for wait or until ctx is done, whichever first.
func (c *Client) waitBackoff(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) recordBreakerState() {
	c.metrics.RecordCircuitBreakerState(c.breakerName, c.breaker.State())
}

// Sessions exposes the session registry for unit-scoped management.
func (c *Client) Sessions() *SessionRegistry {
	return c.sessions
}

// Breaker exposes the circuit breaker for health reporting and manual
// reset.
func (c *Client) Breaker() Breaker {
	return c.breaker
}

// Close releases every session handle and stops any breaker goroutine.
// Safe to call multiple times; in-flight requests finish on their own.
func (c *Client) Close() {
	c.sessions.CloseAll()
	if actor, ok := c.breaker.(*ActorCircuitBreaker); ok {
		actor.Close()
	}
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// statusOf is nil-safe status extraction.
func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// errorTypeOf extracts the taxonomy kind from err.
func errorTypeOf(err error) string {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Type
	}
	return ErrorTypeNetwork
}

// drainBody releases a response we are about to retry past.
func drainBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

func getEndpointFromRequest(req *http.Request) string {
	if req.URL == nil {
		return "unknown"
	}

	host := req.URL.Host
	path := req.URL.Path

	var builder strings.Builder
	builder.WriteString(host)

	if path != "" && path != "/" {
		builder.WriteString(path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}

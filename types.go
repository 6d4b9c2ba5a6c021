package tangguh

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// RoundTripper is the transport collaborator interface. The core only
// decides whether and when to re-issue a request; actually performing it
// is delegated here.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc adapts a function to the RoundTripper interface.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

// RoundTrip implements RoundTripper.
func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed means normal operation, calls pass through.
	StateClosed CircuitState = iota
	// StateOpen means the target is judged unhealthy, calls are denied.
	StateOpen
	// StateHalfOpen means a bounded number of trial calls probe recovery.
	StateHalfOpen
)

// String returns the lowercase state name.
func (s CircuitState) String() string {
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

// Breaker is the gate consulted before every attempt. CircuitBreaker is
// the blocking (mutex) implementation; ActorCircuitBreaker the
// cooperative one. All implementations must be safe for concurrent use.
type Breaker interface {
	// Allow reports whether a call may proceed. In half-open state a true
	// result reserves one of the bounded trial slots. Implementations that
	// serialize through a task honor ctx while waiting for their turn.
	Allow(ctx context.Context) bool
	// RecordSuccess feeds a successful call back into the state machine.
	RecordSuccess()
	// RecordFailure feeds a failed call back. Errors matching the breaker's
	// exclusion set are ignored entirely.
	RecordFailure(err error)
	// State returns the current state, applying any lazy transition.
	State() CircuitState
	// Reset forces the breaker back to closed with zeroed counters.
	Reset()
}

// RequestContext travels through the hook chain for one logical request.
// It is created by the client when the request starts and discarded when
// the request finishes; hooks communicate with each other through
// Metadata.
type RequestContext struct {
	// ID uniquely identifies the logical request across all its attempts.
	ID string
	// Method and URL describe the request being executed.
	Method string
	URL    string
	// Request is the request about to be sent. Before-hooks may mutate
	// headers on it.
	Request *http.Request
	// Attempt is the zero-based attempt counter, updated by the client
	// before each hook pass.
	Attempt int
	// Metadata is scratch storage for hook-to-hook communication.
	Metadata map[string]any
}

// newRequestContext builds the per-request context with a fresh id.
func newRequestContext(req *http.Request, idGen func() string) *RequestContext {
	if idGen == nil {
		idGen = uuid.NewString
	}
	return &RequestContext{
		ID:       idGen(),
		Method:   req.Method,
		URL:      req.URL.String(),
		Request:  req,
		Metadata: make(map[string]any),
	}
}

// Option represents a configuration option for the Client.
type Option func(*Client)

// Context keys used for per-request overrides.
type contextKey string

const (
	// executionUnitKey carries the session registry key for the calling
	// execution unit (worker id, shard name, ...).
	executionUnitKey contextKey = "tangguh_execution_unit"
)

// WithContextExecutionUnit returns a context that routes the request to the
// session handle owned by the named execution unit. Requests without a unit
// share the "default" handle.
func WithContextExecutionUnit(ctx context.Context, unit string) context.Context {
	return context.WithValue(ctx, executionUnitKey, unit)
}

// executionUnitFromContext extracts the unit key, defaulting to "default".
func executionUnitFromContext(ctx context.Context) string {
	if unit, ok := ctx.Value(executionUnitKey).(string); ok && unit != "" {
		return unit
	}
	return "default"
}

package tangguh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Error type identifiers carried by ClientError. These are the kinds the
// retry policy and circuit breaker reason about.
const (
	// ErrorTypeNetwork marks connection-level failures (refused, reset, DNS).
	ErrorTypeNetwork = "Network"
	// ErrorTypeTimeout marks deadline expirations on a transport call.
	ErrorTypeTimeout = "Timeout"
	// ErrorTypeServer marks 5xx responses.
	ErrorTypeServer = "Server"
	// ErrorTypeClient marks 4xx responses other than 429.
	ErrorTypeClient = "Client"
	// ErrorTypeRateLimited marks 429 responses.
	ErrorTypeRateLimited = "RateLimited"
	// ErrorTypeCircuitOpen marks calls denied by an open circuit breaker.
	ErrorTypeCircuitOpen = "CircuitOpen"
	// ErrorTypeTooManyRetries marks exhaustion of the retry budget.
	ErrorTypeTooManyRetries = "TooManyRetries"
	// ErrorTypeResponseTooLarge marks responses rejected by the size guard.
	ErrorTypeResponseTooLarge = "ResponseTooLarge"
	// ErrorTypeDecompressionBomb marks responses rejected by the ratio guard.
	ErrorTypeDecompressionBomb = "DecompressionBomb"
	// ErrorTypeValidation marks configuration mistakes.
	ErrorTypeValidation = "Validation"
	// ErrorTypeCanceled marks context cancellation during the request loop.
	ErrorTypeCanceled = "Canceled"
)

// Sentinel errors for common failure scenarios.
var (
	// ErrCircuitOpen is returned when the circuit breaker denies a call.
	ErrCircuitOpen = errors.New("tangguh: circuit open")

	// ErrTooManyRetries is returned once the retry budget is exhausted.
	ErrTooManyRetries = errors.New("tangguh: too many retries")

	// ErrResponseTooLarge is returned when a response exceeds the size guard.
	ErrResponseTooLarge = errors.New("tangguh: response too large")

	// ErrDecompressionBomb is returned when a compressed body expands past
	// the configured ratio or absolute decoded size.
	ErrDecompressionBomb = errors.New("tangguh: decompression bomb")

	// ErrRegistryClosed is returned by session registry lookups after CloseAll.
	ErrRegistryClosed = errors.New("tangguh: session registry closed")
)

// ClientError is the error type surfaced by the client. The final error a
// caller sees always carries enough context to distinguish "gave up after
// N retries" from "circuit open" from "rejected for safety".
type ClientError struct {
	Type        string
	Message     string
	Cause       error
	RequestID   string
	Method      string
	URL         string
	Endpoint    string
	StatusCode  int
	Attempt     int
	MaxAttempts int
	// Size and MaxSize are populated for guard violations.
	Size      int64
	MaxSize   int64
	Timestamp time.Time
	Duration  time.Duration
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s] %s", e.RequestID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt+1, e.MaxAttempts)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ClientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches other ClientErrors by type, and the package sentinels by the
// kind they represent, so errors.Is(err, ErrCircuitOpen) works on wrapped
// client errors.
func (e *ClientError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch target {
	case ErrCircuitOpen:
		return e.Type == ErrorTypeCircuitOpen
	case ErrTooManyRetries:
		return e.Type == ErrorTypeTooManyRetries
	case ErrResponseTooLarge:
		return e.Type == ErrorTypeResponseTooLarge
	case ErrDecompressionBomb:
		return e.Type == ErrorTypeDecompressionBomb
	}
	if targetErr, ok := target.(*ClientError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *ClientError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Error Type: %s\n", e.Type)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.RequestID != "" {
		info += fmt.Sprintf("Request ID: %s\n", e.RequestID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.MaxAttempts > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt+1, e.MaxAttempts)
	}
	if e.Size > 0 {
		info += fmt.Sprintf("Size: %d (max: %d)\n", e.Size, e.MaxSize)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// IsTransient reports whether err represents a temporary failure that may
// succeed on retry: network errors, timeouts, 5xx responses and 429.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer, ErrorTypeRateLimited:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

// IsFatal reports whether err must never be retried: 4xx client errors
// (other than 429), guard violations and configuration mistakes.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if IsGuardViolation(err) {
		return true
	}
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		switch clientErr.Type {
		case ErrorTypeClient, ErrorTypeValidation:
			return true
		}
	}
	return false
}

// IsGuardViolation reports whether err came from the response safety guard.
// Guard violations are deterministic for a given response and are raised
// immediately, never retried.
func IsGuardViolation(err error) bool {
	return errors.Is(err, ErrResponseTooLarge) || errors.Is(err, ErrDecompressionBomb)
}

// statusErrorType classifies an HTTP status code into an error type.
func statusErrorType(code int) string {
	switch {
	case code == 429:
		return ErrorTypeRateLimited
	case code >= 500:
		return ErrorTypeServer
	case code >= 400:
		return ErrorTypeClient
	default:
		return ""
	}
}

// classifyTransportError maps a transport-level error onto the taxonomy.
// A per-call deadline counts as a timeout (transient); cancellation of the
// caller's context does not.
func classifyTransportError(err error) string {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	return ErrorTypeNetwork
}

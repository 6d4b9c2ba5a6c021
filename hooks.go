package tangguh

import (
	"fmt"
	"net/http"
	"sort"
)

// HookPriority orders hook execution. Lower values run earlier in the
// before pass; ties are broken by registration order.
type HookPriority int

const (
	// PriorityFirst runs before everything else (tracing, request ids).
	PriorityFirst HookPriority = 0
	// PriorityEarly runs before the normal tier (auth, signing).
	PriorityEarly HookPriority = 25
	// PriorityNormal is the default tier.
	PriorityNormal HookPriority = 50
	// PriorityLate runs after the normal tier (header fixups).
	PriorityLate HookPriority = 75
	// PriorityLast runs after everything else (final logging).
	PriorityLast HookPriority = 100
)

// Hook is the base extension point. A hook declares a name and a
// priority tier; the capabilities it actually provides are discovered by
// the optional interfaces below. A hook that panics is recovered, logged
// and skipped; it never aborts the request that triggered it.
type Hook interface {
	// Name identifies the hook in logs.
	Name() string
	// Priority selects the execution tier.
	Priority() HookPriority
}

// BeforeHook runs before the transport call of every attempt. Returning
// a non-nil response short-circuits the attempt: the transport is
// skipped and the synthetic response proceeds through the after pass.
// Used by caching-style collaborators.
type BeforeHook interface {
	Hook
	Before(rc *RequestContext) (*http.Response, error)
}

// AfterHook runs after a successful attempt, in descending priority
// order (innermost transform last registered at the highest tier).
// Returning a non-nil response replaces the current one; returning nil
// passes the response through unmodified.
type AfterHook interface {
	Hook
	After(rc *RequestContext, resp *http.Response) *http.Response
}

// ErrorHook observes a failed attempt. Returning true asks for a retry
// even when the error classification alone would not; the request's
// budget and idempotency gates still apply.
type ErrorHook interface {
	Hook
	OnError(rc *RequestContext, err error) bool
}

// HookChain holds the registered hooks in execution order. Registration
// happens during client construction; the chain is immutable and shared
// read-only afterwards, so invocation takes no lock.
type HookChain struct {
	hooks   []Hook
	logger  Logger
	metrics *MetricsCollector
}

// NewHookChain builds a chain from the given hooks, sorted by priority
// tier with registration order preserved inside a tier.
func NewHookChain(hooks []Hook, logger Logger, metrics *MetricsCollector) *HookChain {
	sorted := make([]Hook, 0, len(hooks))
	for _, h := range hooks {
		// Nil hooks are reported by configuration validation; never invoke them.
		if h != nil {
			sorted = append(sorted, h)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &HookChain{hooks: sorted, logger: logger, metrics: metrics}
}

// Len returns the number of registered hooks.
func (hc *HookChain) Len() int {
	if hc == nil {
		return 0
	}
	return len(hc.hooks)
}

// RunBefore executes the before pass in ascending priority order. The
// first hook to return a synthetic response wins; remaining before hooks
// are skipped. A hook error or panic is logged and the hook skipped.
func (hc *HookChain) RunBefore(rc *RequestContext) *http.Response {
	if hc == nil {
		return nil
	}
	for _, h := range hc.hooks {
		bh, ok := h.(BeforeHook)
		if !ok {
			continue
		}
		resp, err := hc.safeBefore(bh, rc)
		if err != nil {
			hc.report(bh, rc, "before", err)
			continue
		}
		if resp != nil {
			return resp
		}
	}
	return nil
}

// RunAfter executes the after pass in descending priority order. Each
// hook may replace the response; a failing hook is skipped and the
// response passes through unmodified.
func (hc *HookChain) RunAfter(rc *RequestContext, resp *http.Response) *http.Response {
	if hc == nil {
		return resp
	}
	for i := len(hc.hooks) - 1; i >= 0; i-- {
		ah, ok := hc.hooks[i].(AfterHook)
		if !ok {
			continue
		}
		next, err := hc.safeAfter(ah, rc, resp)
		if err != nil {
			hc.report(ah, rc, "after", err)
			continue
		}
		if next != nil {
			resp = next
		}
	}
	return resp
}

// RunError executes the error pass in descending priority order and
// reports whether any hook requested a retry.
func (hc *HookChain) RunError(rc *RequestContext, reqErr error) bool {
	if hc == nil {
		return false
	}
	retry := false
	for i := len(hc.hooks) - 1; i >= 0; i-- {
		eh, ok := hc.hooks[i].(ErrorHook)
		if !ok {
			continue
		}
		want, err := hc.safeError(eh, rc, reqErr)
		if err != nil {
			hc.report(eh, rc, "error", err)
			continue
		}
		if want {
			retry = true
		}
	}
	return retry
}

// safeBefore wraps one before invocation in a recover boundary.
func (hc *HookChain) safeBefore(h BeforeHook, rc *RequestContext) (resp *http.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, panicError(r)
		}
	}()
	return h.Before(rc)
}

func (hc *HookChain) safeAfter(h AfterHook, rc *RequestContext, in *http.Response) (resp *http.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, panicError(r)
		}
	}()
	return h.After(rc, in), nil
}

func (hc *HookChain) safeError(h ErrorHook, rc *RequestContext, reqErr error) (retry bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			retry, err = false, panicError(r)
		}
	}()
	return h.OnError(rc, reqErr), nil
}

func (hc *HookChain) report(h Hook, rc *RequestContext, phase string, err error) {
	hc.metrics.RecordHookFailure(h.Name(), phase)
	if hc.logger != nil {
		hc.logger.Error("hook failed",
			"hook", h.Name(),
			"phase", phase,
			"request_id", rc.ID,
			"error", err)
	}
}

// panicError converts a recovered panic value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

// HookFuncs adapts plain functions to the Hook interfaces without
// declaring a type. Nil fields simply withhold the capability.
type HookFuncs struct {
	HookName     string
	HookPriority HookPriority
	BeforeFunc   func(rc *RequestContext) (*http.Response, error)
	AfterFunc    func(rc *RequestContext, resp *http.Response) *http.Response
	OnErrorFunc  func(rc *RequestContext, err error) bool
}

// Name implements Hook.
func (h *HookFuncs) Name() string {
	if h.HookName != "" {
		return h.HookName
	}
	return "anonymous"
}

// Priority implements Hook.
func (h *HookFuncs) Priority() HookPriority { return h.HookPriority }

// Before implements BeforeHook.
func (h *HookFuncs) Before(rc *RequestContext) (*http.Response, error) {
	if h.BeforeFunc == nil {
		return nil, nil
	}
	return h.BeforeFunc(rc)
}

// After implements AfterHook.
func (h *HookFuncs) After(rc *RequestContext, resp *http.Response) *http.Response {
	if h.AfterFunc == nil {
		return nil
	}
	return h.AfterFunc(rc, resp)
}

// OnError implements ErrorHook.
func (h *HookFuncs) OnError(rc *RequestContext, err error) bool {
	if h.OnErrorFunc == nil {
		return false
	}
	return h.OnErrorFunc(rc, err)
}

// HeaderHook sets static headers on every attempt. Existing values are
// overwritten.
type HeaderHook struct {
	Headers map[string]string
	Tier    HookPriority
}

// Name implements Hook.
func (h *HeaderHook) Name() string { return "headers" }

// Priority implements Hook.
func (h *HeaderHook) Priority() HookPriority { return h.Tier }

// Before implements BeforeHook.
func (h *HeaderHook) Before(rc *RequestContext) (*http.Response, error) {
	for k, v := range h.Headers {
		rc.Request.Header.Set(k, v)
	}
	return nil, nil
}

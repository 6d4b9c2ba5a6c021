// Package otelhook traces tangguh requests with OpenTelemetry. One span
// is recorded per attempt, so retries show up as sibling spans under the
// caller's current span.
package otelhook

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ambiyansyah-risyal/tangguh"
)

const (
	instrumentationName = "github.com/ambiyansyah-risyal/tangguh/contrib/otelhook"

	// spanKey stores the active attempt span in the request metadata.
	spanKey = "otelhook.span"
)

// TracingHook starts a client span for every attempt, injects the trace
// context into the outgoing headers and closes the span when the attempt
// succeeds or fails. It runs at the first priority tier so later hooks
// observe the traced request.
type TracingHook struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// New builds a tracing hook from the given provider. A nil provider uses
// the global one.
func New(provider trace.TracerProvider) *TracingHook {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &TracingHook{
		tracer:     provider.Tracer(instrumentationName),
		propagator: otel.GetTextMapPropagator(),
	}
}

// Name implements tangguh.Hook.
func (h *TracingHook) Name() string { return "otel-tracing" }

// Priority implements tangguh.Hook.
func (h *TracingHook) Priority() tangguh.HookPriority { return tangguh.PriorityFirst }

// Before implements tangguh.BeforeHook. It never short-circuits.
func (h *TracingHook) Before(rc *tangguh.RequestContext) (*http.Response, error) {
	ctx, span := h.tracer.Start(rc.Request.Context(),
		fmt.Sprintf("HTTP %s", rc.Method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", rc.Method),
			attribute.String("url.full", rc.URL),
			attribute.Int("http.request.resend_count", rc.Attempt),
			attribute.String("tangguh.request_id", rc.ID),
		),
	)
	rc.Metadata[spanKey] = span
	h.propagator.Inject(ctx, propagation.HeaderCarrier(rc.Request.Header))
	return nil, nil
}

// After implements tangguh.AfterHook.
func (h *TracingHook) After(rc *tangguh.RequestContext, resp *http.Response) *http.Response {
	span, ok := rc.Metadata[spanKey].(trace.Span)
	if !ok {
		return nil
	}
	delete(rc.Metadata, spanKey)
	if resp != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
		if resp.StatusCode >= 400 {
			span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		}
	}
	span.End()
	return nil
}

// OnError implements tangguh.ErrorHook. It records the failure and never
// requests an extra retry.
func (h *TracingHook) OnError(rc *tangguh.RequestContext, err error) bool {
	span, ok := rc.Metadata[spanKey].(trace.Span)
	if !ok {
		return false
	}
	delete(rc.Metadata, spanKey)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
	return false
}

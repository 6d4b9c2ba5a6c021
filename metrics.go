package tangguh

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle
// and the reliability layers. All record methods are nil-safe so the
// client can run without metrics configured. Safe for concurrent use.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	retriesTotal    *prometheus.CounterVec
	retriesExceeded *prometheus.CounterVec

	circuitBreakerState  *prometheus.GaugeVec
	circuitBreakerDenied *prometheus.CounterVec

	guardRejections *prometheus.CounterVec

	hookFailures *prometheus.CounterVec

	sessionsLive prometheus.Gauge

	errorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	mc := &MetricsCollector{
		requestsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tangguh_requests_total",
				Help: "Total number of HTTP requests made",
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tangguh_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status_code", "endpoint"},
		),
		requestsInFlight: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tangguh_requests_in_flight",
				Help: "Number of HTTP requests currently in flight",
			},
			[]string{"method", "endpoint"},
		),
		retriesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tangguh_retries_total",
				Help: "Total number of retry attempts",
			},
			[]string{"method", "endpoint", "attempt"},
		),
		retriesExceeded: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tangguh_retries_exhausted_total",
				Help: "Total number of requests that exhausted their retry budget",
			},
			[]string{"method", "endpoint"},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tangguh_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		circuitBreakerDenied: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tangguh_circuit_breaker_denied_total",
				Help: "Total number of calls denied by an open circuit breaker",
			},
			[]string{"name"},
		),
		guardRejections: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tangguh_guard_rejections_total",
				Help: "Total number of responses rejected by the safety guard",
			},
			[]string{"reason", "endpoint"},
		),
		hookFailures: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tangguh_hook_failures_total",
				Help: "Total number of hook invocations that failed or panicked",
			},
			[]string{"hook", "phase"},
		),
		sessionsLive: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "tangguh_sessions_live",
				Help: "Number of live session handles in the registry",
			},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "tangguh_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "method", "endpoint"},
		),
	}

	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	if mc == nil {
		return
	}

	statusCodeStr := strconv.Itoa(statusCode)
	mc.requestsTotal.WithLabelValues(method, statusCodeStr, endpoint).Inc()
	mc.requestDuration.WithLabelValues(method, statusCodeStr, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments the in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Inc()
}

// RecordRequestEnd decrements the in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(method, endpoint).Dec()
}

// RecordRetry increments the retry counter for an attempt.
func (mc *MetricsCollector) RecordRetry(method, endpoint string, attempt int) {
	if mc == nil {
		return
	}

	mc.retriesTotal.WithLabelValues(method, endpoint, strconv.Itoa(attempt)).Inc()
}

// RecordRetriesExhausted increments the budget-exhausted counter.
func (mc *MetricsCollector) RecordRetriesExhausted(method, endpoint string) {
	if mc == nil {
		return
	}

	mc.retriesExceeded.WithLabelValues(method, endpoint).Inc()
}

// RecordCircuitBreakerState sets the state gauge for a named breaker.
func (mc *MetricsCollector) RecordCircuitBreakerState(name string, state CircuitState) {
	if mc == nil {
		return
	}

	var stateValue float64
	switch state {
	case StateClosed:
		stateValue = 0
	case StateOpen:
		stateValue = 1
	case StateHalfOpen:
		stateValue = 2
	}

	mc.circuitBreakerState.WithLabelValues(name).Set(stateValue)
}

// RecordCircuitBreakerDenied increments the denied-call counter.
func (mc *MetricsCollector) RecordCircuitBreakerDenied(name string) {
	if mc == nil {
		return
	}

	mc.circuitBreakerDenied.WithLabelValues(name).Inc()
}

// RecordGuardRejection increments the guard rejection counter. reason is
// "size" or "ratio".
func (mc *MetricsCollector) RecordGuardRejection(reason, endpoint string) {
	if mc == nil {
		return
	}

	mc.guardRejections.WithLabelValues(reason, endpoint).Inc()
}

// RecordHookFailure increments the hook failure counter.
func (mc *MetricsCollector) RecordHookFailure(hook, phase string) {
	if mc == nil {
		return
	}

	mc.hookFailures.WithLabelValues(hook, phase).Inc()
}

// RecordSessionCount sets the live session gauge.
func (mc *MetricsCollector) RecordSessionCount(n int) {
	if mc == nil {
		return
	}

	mc.sessionsLive.Set(float64(n))
}

// RecordError increments the error counter by type.
func (mc *MetricsCollector) RecordError(errorType, method, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, method, endpoint).Inc()
}

// GetRegistry exposes the underlying prometheus registry, or nil when the
// collector was built on a bare Registerer.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

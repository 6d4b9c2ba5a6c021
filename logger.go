package tangguh

import (
	"fmt"
	"log"
	"log/slog"
)

// Logger is the observability collaborator. Key/value pairs follow the
// structured logging convention: alternating string keys and values.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// SimpleLogger writes through the standard log package. Useful for
// examples and tests; production callers usually plug in slog.
type SimpleLogger struct {
	prefix string
}

// NewSimpleLogger creates a logger with the given prefix.
func NewSimpleLogger(prefix string) *SimpleLogger {
	return &SimpleLogger{prefix: prefix}
}

func (l *SimpleLogger) logf(level, msg string, keysAndValues ...interface{}) {
	line := fmt.Sprintf("%s[%s] %s", l.prefix, level, msg)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		line += fmt.Sprintf(" %v=%v", keysAndValues[i], keysAndValues[i+1])
	}
	log.Println(line)
}

// Debug implements Logger.
func (l *SimpleLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logf("DEBUG", msg, keysAndValues...)
}

// Info implements Logger.
func (l *SimpleLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logf("INFO", msg, keysAndValues...)
}

// Warn implements Logger.
func (l *SimpleLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logf("WARN", msg, keysAndValues...)
}

// Error implements Logger.
func (l *SimpleLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logf("ERROR", msg, keysAndValues...)
}

// SlogAdapter bridges the Logger interface onto a *slog.Logger.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter wraps an slog logger. A nil argument uses slog.Default.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAdapter{logger: logger}
}

// Debug implements Logger.
func (a *SlogAdapter) Debug(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

// Info implements Logger.
func (a *SlogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Info(msg, keysAndValues...)
}

// Warn implements Logger.
func (a *SlogAdapter) Warn(msg string, keysAndValues ...interface{}) {
	a.logger.Warn(msg, keysAndValues...)
}

// Error implements Logger.
func (a *SlogAdapter) Error(msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, keysAndValues...)
}

// DebugConfig controls request tracing.
type DebugConfig struct {
	// Enabled turns on per-request debug logging.
	Enabled bool
	// LogRequests logs every attempt as it starts.
	LogRequests bool
	// LogRetries logs scheduling of each retry with its backoff.
	LogRetries bool
	// LogCircuit logs circuit breaker denials.
	LogCircuit bool
	// RequestIDGen produces the per-request id. Defaults to a UUID.
	RequestIDGen func() string
}

// DefaultDebugConfig returns tracing disabled.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{}
}

package tangguh

import (
	"bytes"
	"log"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimpleLoggerFormatsKeyValues(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	logger := NewSimpleLogger("test ")
	logger.Info("request done", "status", 200, "attempt", 1)

	out := buf.String()
	assert.Contains(t, out, "test [INFO] request done")
	assert.Contains(t, out, "status=200")
	assert.Contains(t, out, "attempt=1")
}

func TestSimpleLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	logger := NewSimpleLogger("")
	logger.Debug("d")
	logger.Warn("w")
	logger.Error("e")

	out := buf.String()
	assert.Contains(t, out, "[DEBUG] d")
	assert.Contains(t, out, "[WARN] w")
	assert.Contains(t, out, "[ERROR] e")
}

func TestSlogAdapter(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	adapter := NewSlogAdapter(slog.New(handler))

	adapter.Debug("probing", "unit", "worker-1")
	adapter.Error("failed", "error", "boom")

	out := buf.String()
	assert.Contains(t, out, "probing")
	assert.Contains(t, out, "unit=worker-1")
	assert.Contains(t, out, "error=boom")
}

func TestSlogAdapterNilDefaults(t *testing.T) {
	assert.NotPanics(t, func() {
		adapter := NewSlogAdapter(nil)
		adapter.Info("using the default logger")
	})
}

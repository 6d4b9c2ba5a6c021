package tangguh

import (
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// ResponseGuard enforces the response safety limits: a cap on the raw
// body size, a cap on the decoded body size, and a bound on the
// compression ratio, all checked incrementally while the body streams.
// Violations surface as guard-kind ClientErrors and are never retried.
type ResponseGuard struct {
	config  SecurityConfig
	metrics *MetricsCollector
	logger  Logger
}

// NewResponseGuard builds a guard from the given limits.
func NewResponseGuard(config SecurityConfig, metrics *MetricsCollector, logger Logger) *ResponseGuard {
	return &ResponseGuard{config: config, metrics: metrics, logger: logger}
}

// Wrap validates resp and replaces its body with a guarded reader. A
// Content-Length already past the raw cap is rejected before any body
// byte is read; otherwise limits are enforced per chunk as the caller
// consumes the body. Compressed bodies (gzip, deflate, brotli) are
// decoded transparently so the decoded-size and ratio caps see real
// output bytes.
func (g *ResponseGuard) Wrap(resp *http.Response, endpoint string) (*http.Response, error) {
	if g == nil || resp == nil || resp.Body == nil {
		return resp, nil
	}

	if resp.ContentLength > g.config.MaxResponseSize {
		resp.Body.Close()
		g.reject("size", endpoint, resp.ContentLength)
		return nil, &ClientError{
			Type:      ErrorTypeResponseTooLarge,
			Message:   "content-length exceeds response size limit",
			Endpoint:  endpoint,
			Size:      resp.ContentLength,
			MaxSize:   g.config.MaxResponseSize,
			Timestamp: time.Now(),
		}
	}

	raw := &rawLimitReader{
		r:        resp.Body,
		limit:    g.config.MaxResponseSize,
		guard:    g,
		endpoint: endpoint,
	}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	var decoded io.Reader
	switch encoding {
	case "", "identity":
		resp.Body = &guardBody{reader: raw, closer: resp.Body}
		return resp, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(raw)
		if err != nil {
			resp.Body.Close()
			return nil, &ClientError{
				Type:      ErrorTypeNetwork,
				Message:   "malformed gzip response body",
				Cause:     err,
				Endpoint:  endpoint,
				Timestamp: time.Now(),
			}
		}
		decoded = gz
	case "deflate":
		decoded = flate.NewReader(raw)
	case "br":
		decoded = brotli.NewReader(raw)
	default:
		// Unknown encoding passes through with only the raw cap applied.
		resp.Body = &guardBody{reader: raw, closer: resp.Body}
		return resp, nil
	}

	ratio := &ratioLimitReader{
		r:          decoded,
		raw:        raw,
		maxDecoded: g.config.MaxDecompressedSize,
		maxRatio:   g.config.MaxCompressionRatio,
		guard:      g,
		endpoint:   endpoint,
	}

	resp.Body = &guardBody{reader: ratio, closer: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return resp, nil
}

func (g *ResponseGuard) reject(reason, endpoint string, size int64) {
	g.metrics.RecordGuardRejection(reason, endpoint)
	if g.logger != nil {
		g.logger.Warn("response rejected by safety guard",
			"reason", reason,
			"endpoint", endpoint,
			"size", size)
	}
}

// rawLimitReader counts wire bytes and fails the stream once the raw cap
// is crossed.
type rawLimitReader struct {
	r        io.Reader
	limit    int64
	read     int64
	guard    *ResponseGuard
	endpoint string
	failed   error
}

func (r *rawLimitReader) Read(p []byte) (int, error) {
	if r.failed != nil {
		return 0, r.failed
	}
	n, err := r.r.Read(p)
	r.read += int64(n)
	if r.read > r.limit {
		r.guard.reject("size", r.endpoint, r.read)
		r.failed = &ClientError{
			Type:      ErrorTypeResponseTooLarge,
			Message:   "response body exceeds size limit",
			Endpoint:  r.endpoint,
			Size:      r.read,
			MaxSize:   r.limit,
			Timestamp: time.Now(),
		}
		return 0, r.failed
	}
	return n, err
}

// ratioLimitReader counts decoded bytes and fails the stream once either
// the absolute decoded cap or the compression ratio bound is crossed.
// The ratio is enforced from the first decoded chunk; the compressed
// counter includes everything the decoder has buffered from the wire, so
// small legitimate bodies stay well below the bound.
type ratioLimitReader struct {
	r          io.Reader
	raw        *rawLimitReader
	maxDecoded int64
	maxRatio   float64
	decoded    int64
	guard      *ResponseGuard
	endpoint   string
	failed     error
}

func (r *ratioLimitReader) Read(p []byte) (int, error) {
	if r.failed != nil {
		return 0, r.failed
	}
	n, err := r.r.Read(p)
	r.decoded += int64(n)

	if r.decoded > r.maxDecoded {
		r.guard.reject("size", r.endpoint, r.decoded)
		r.failed = &ClientError{
			Type:      ErrorTypeResponseTooLarge,
			Message:   "decompressed body exceeds size limit",
			Endpoint:  r.endpoint,
			Size:      r.decoded,
			MaxSize:   r.maxDecoded,
			Timestamp: time.Now(),
		}
		return 0, r.failed
	}

	if r.decoded > 0 && r.raw.read > 0 {
		ratio := float64(r.decoded) / float64(r.raw.read)
		if ratio > r.maxRatio {
			r.guard.reject("ratio", r.endpoint, r.decoded)
			r.failed = &ClientError{
				Type:      ErrorTypeDecompressionBomb,
				Message:   fmt.Sprintf("compression ratio %.1f exceeds limit %.1f", ratio, r.maxRatio),
				Endpoint:  r.endpoint,
				Size:      r.decoded,
				MaxSize:   int64(float64(r.raw.read) * r.maxRatio),
				Timestamp: time.Now(),
			}
			return 0, r.failed
		}
	}

	return n, err
}

// guardBody pairs the guarded reader with the original body's Close so
// the underlying connection is always released.
type guardBody struct {
	reader io.Reader
	closer io.Closer
}

func (b *guardBody) Read(p []byte) (int, error) { return b.reader.Read(p) }
func (b *guardBody) Close() error               { return b.closer.Close() }

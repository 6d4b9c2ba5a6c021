package tangguh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryOptions(extra ...Option) []Option {
	options := []Option{
		WithBackoff(time.Millisecond, 10*time.Millisecond, 2.0),
		WithCircuitBreaker(CircuitBreakerConfig{Enabled: false}),
	}
	return append(options, extra...)
}

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: 200,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("ok")),
	}
}

func statusResponse(code int) *http.Response {
	return &http.Response{
		StatusCode: code,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func TestDoSuccessSingleAttempt(t *testing.T) {
	var calls int32
	client := New(fastRetryOptions(
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return okResponse(), nil
		})),
	)...)
	defer client.Close()

	resp, err := client.Get(context.Background(), "http://example.com/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDoRetriesTransientErrorThenExhausts(t *testing.T) {
	var calls int32
	client := New(fastRetryOptions(
		WithMaxAttempts(3),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("connection refused")
		})),
	)...)
	defer client.Close()

	_, err := client.Get(context.Background(), "http://example.com/")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyRetries)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "budget of 3 means exactly 3 attempts")

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeTooManyRetries, clientErr.Type)
	assert.Equal(t, 3, clientErr.MaxAttempts)
}

func TestDoRetriesStatusThenSucceeds(t *testing.T) {
	var calls int32
	client := New(fastRetryOptions(
		WithMaxAttempts(3),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return statusResponse(503), nil
			}
			return okResponse(), nil
		})),
	)...)
	defer client.Close()

	resp, err := client.Get(context.Background(), "http://example.com/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDoStatusExhaustionRaisesTooManyRetries(t *testing.T) {
	var calls int32
	client := New(fastRetryOptions(
		WithMaxAttempts(2),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return statusResponse(503), nil
		})),
	)...)
	defer client.Close()

	_, err := client.Get(context.Background(), "http://example.com/")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyRetries)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, 503, clientErr.StatusCode, "the last status survives in the terminal error")

	var cause *ClientError
	require.ErrorAs(t, clientErr.Cause, &cause)
	assert.Equal(t, ErrorTypeServer, cause.Type)
}

func TestDoClientStatusIsClassifiedError(t *testing.T) {
	var calls int32
	spy := &recordingBreaker{inner: NewCircuitBreaker(CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	})}
	client := New(
		WithMaxAttempts(3),
		WithBackoff(time.Millisecond, 10*time.Millisecond, 2.0),
		WithBreaker(spy),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return statusResponse(404), nil
		})),
	)
	defer client.Close()

	_, err := client.Get(context.Background(), "http://example.com/")
	require.Error(t, err)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeClient, clientErr.Type)
	assert.Equal(t, 404, clientErr.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "a fatal status is never retried")

	spy.mu.Lock()
	defer spy.mu.Unlock()
	assert.Equal(t, 0, spy.successes, "an error status is not a breaker success")
	assert.Equal(t, []string{ErrorTypeClient}, spy.failures)
}

func TestDoSingleAttemptBudgetExhausts(t *testing.T) {
	var calls int32
	client := New(fastRetryOptions(
		WithMaxAttempts(1),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("connection refused")
		})),
	)...)
	defer client.Close()

	_, err := client.Get(context.Background(), "http://example.com/")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyRetries, "a budget of one still ends in exhaustion")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, 1, clientErr.MaxAttempts)
	assert.Equal(t, ErrorTypeNetwork, errorTypeOf(clientErr.Cause))
}

func TestDoNonIdempotentNeverRetried(t *testing.T) {
	var calls int32
	client := New(fastRetryOptions(
		WithMaxAttempts(5),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("connection reset")
		})),
	)...)
	defer client.Close()

	_, err := client.Post(context.Background(), "http://example.com/", "text/plain", strings.NewReader("payload"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTooManyRetries)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "POST must not be replayed")
}

// recordingBreaker wraps a real breaker and keeps what the executor fed
// into it.
type recordingBreaker struct {
	inner Breaker

	mu        sync.Mutex
	successes int
	failures  []string
}

func (b *recordingBreaker) Allow(ctx context.Context) bool { return b.inner.Allow(ctx) }
func (b *recordingBreaker) State() CircuitState            { return b.inner.State() }
func (b *recordingBreaker) Reset()                         { b.inner.Reset() }

func (b *recordingBreaker) RecordSuccess() {
	b.mu.Lock()
	b.successes++
	b.mu.Unlock()
	b.inner.RecordSuccess()
}

func (b *recordingBreaker) RecordFailure(err error) {
	b.mu.Lock()
	b.failures = append(b.failures, errorTypeOf(err))
	b.mu.Unlock()
	b.inner.RecordFailure(err)
}

func TestDoBreakerDenialNotCountedAsFailure(t *testing.T) {
	spy := &recordingBreaker{inner: NewCircuitBreaker(CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	})}
	client := New(
		WithMaxAttempts(1),
		WithBreaker(spy),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		})),
	)
	defer client.Close()

	_, err := client.Get(context.Background(), "http://example.com/")
	require.Error(t, err) // opens the circuit

	_, err = client.Get(context.Background(), "http://example.com/")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.NotErrorIs(t, err, ErrTooManyRetries, "a denial consumes no attempt")

	spy.mu.Lock()
	defer spy.mu.Unlock()
	require.Len(t, spy.failures, 1, "only the transport failure is recorded")
	assert.NotContains(t, spy.failures, ErrorTypeCircuitOpen)
}

func TestDoBreakerRecoversUnderSteadyTraffic(t *testing.T) {
	var calls int32
	client := New(
		WithMaxAttempts(1),
		WithCircuitBreaker(CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 1,
			RecoveryTimeout:  50 * time.Millisecond,
			HalfOpenMaxCalls: 1,
		}),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return nil, errors.New("connection refused")
			}
			return okResponse(), nil
		})),
	)
	defer client.Close()

	_, err := client.Get(context.Background(), "http://example.com/")
	require.Error(t, err) // opens the circuit

	// Polling through the open window must reach half-open once the
	// recovery timeout passes, not stay open forever.
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := client.Get(context.Background(), "http://example.com/")
		if err == nil {
			resp.Body.Close()
			break
		}
		require.ErrorIs(t, err, ErrCircuitOpen)
		require.True(t, time.Now().Before(deadline), "circuit never recovered under steady traffic")
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, StateClosed, client.Breaker().State())
}

func TestDoCircuitOpenIsDistinctError(t *testing.T) {
	var calls int32
	client := New(
		WithMaxAttempts(1),
		WithCircuitBreaker(CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 1,
			RecoveryTimeout:  time.Minute,
			HalfOpenMaxCalls: 1,
		}),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("connection refused")
		})),
	)
	defer client.Close()

	_, err := client.Get(context.Background(), "http://example.com/")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCircuitOpen)

	_, err = client.Get(context.Background(), "http://example.com/")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "open circuit skips the transport")
}

func TestDoGuardViolationNeverRetried(t *testing.T) {
	var calls int32
	client := New(fastRetryOptions(
		WithMaxAttempts(5),
		WithSecurityConfig(SecurityConfig{
			MaxResponseSize:     64,
			MaxDecompressedSize: 128,
			MaxCompressionRatio: 20,
		}),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			resp := statusResponse(200)
			resp.ContentLength = 1024
			return resp, nil
		})),
	)...)
	defer client.Close()

	_, err := client.Get(context.Background(), "http://example.com/")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "safety rejections are deterministic, retrying is pointless")
}

func TestDoCancellationDuringBackoff(t *testing.T) {
	client := New(
		WithMaxAttempts(3),
		WithBackoff(10*time.Second, time.Minute, 2.0),
		WithCircuitBreaker(CircuitBreakerConfig{Enabled: false}),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		})),
	)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Get(ctx, "http://example.com/")
	elapsed := time.Since(start)

	require.Error(t, err)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeCanceled, clientErr.Type)
	assert.Less(t, elapsed, 2*time.Second, "cancellation must interrupt the backoff wait")
}

func TestDoBeforeHookShortCircuit(t *testing.T) {
	var transportCalls, afterCalls int32
	synthetic := statusResponse(203)

	client := New(fastRetryOptions(
		WithHooks(&HookFuncs{
			HookName: "cache",
			BeforeFunc: func(rc *RequestContext) (*http.Response, error) {
				return synthetic, nil
			},
			AfterFunc: func(rc *RequestContext, resp *http.Response) *http.Response {
				atomic.AddInt32(&afterCalls, 1)
				return nil
			},
		}),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&transportCalls, 1)
			return okResponse(), nil
		})),
	)...)
	defer client.Close()

	resp, err := client.Get(context.Background(), "http://example.com/")
	require.NoError(t, err)
	assert.Equal(t, 203, resp.StatusCode)
	assert.Equal(t, int32(0), atomic.LoadInt32(&transportCalls), "short-circuit skips the transport")
	assert.Equal(t, int32(1), atomic.LoadInt32(&afterCalls), "after hooks still run on synthetic responses")
}

// rescuePolicy denies classification-based retries but leaves the budget
// and idempotency gates open, so only a hook hint can trigger a retry.
type rescuePolicy struct {
	max int
}

func (p *rescuePolicy) ShouldRetry(string, *http.Response, error, int) bool { return false }
func (p *rescuePolicy) Wait(*http.Response, int) time.Duration              { return time.Millisecond }
func (p *rescuePolicy) Exhausted(attempt int) bool                          { return attempt+1 >= p.max }
func (p *rescuePolicy) AttemptAllowed(method string, attempt int) bool {
	return !p.Exhausted(attempt) && method == "GET"
}

func TestDoErrorHookRetryHint(t *testing.T) {
	var calls int32
	client := New(fastRetryOptions(
		WithMaxAttempts(3),
		WithRetryPolicy(&rescuePolicy{max: 3}),
		WithHooks(&HookFuncs{
			HookName:    "rescuer",
			OnErrorFunc: func(rc *RequestContext, err error) bool { return true },
		}),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if atomic.AddInt32(&calls, 1) < 2 {
				return nil, errors.New("flaky")
			}
			return okResponse(), nil
		})),
	)...)
	defer client.Close()

	resp, err := client.Get(context.Background(), "http://example.com/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "hook hint drives the retry")
}

func TestDoRequestIDStableAcrossAttempts(t *testing.T) {
	ids := map[string]bool{}
	var calls int32

	client := New(fastRetryOptions(
		WithMaxAttempts(3),
		WithHooks(&HookFuncs{
			HookName: "collector",
			BeforeFunc: func(rc *RequestContext) (*http.Response, error) {
				ids[rc.ID] = true
				return nil, nil
			},
		}),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			if atomic.AddInt32(&calls, 1) < 3 {
				return statusResponse(503), nil
			}
			return okResponse(), nil
		})),
	)...)
	defer client.Close()

	resp, err := client.Get(context.Background(), "http://example.com/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Len(t, ids, 1, "one logical request keeps one id across attempts")
}

func TestDoReplaysBodyOnRetry(t *testing.T) {
	var calls int32
	var bodies []string

	client := New(fastRetryOptions(
		WithMaxAttempts(2),
		WithIdempotentMethods("PUT"),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			data, _ := io.ReadAll(req.Body)
			bodies = append(bodies, string(data))
			if atomic.AddInt32(&calls, 1) < 2 {
				return statusResponse(503), nil
			}
			return okResponse(), nil
		})),
	)...)
	defer client.Close()

	resp, err := client.Put(context.Background(), "http://example.com/", "text/plain", bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, []string{"payload", "payload"}, bodies, "retries must replay the full body")
}

func TestDoSetsAcceptEncoding(t *testing.T) {
	var got string
	client := New(fastRetryOptions(
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			got = req.Header.Get("Accept-Encoding")
			return okResponse(), nil
		})),
	)...)
	defer client.Close()

	resp, err := client.Get(context.Background(), "http://example.com/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Contains(t, got, "gzip")
	assert.Contains(t, got, "br")
}

func TestDoInvalidConfiguration(t *testing.T) {
	client := New(
		WithMaxAttempts(-1),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			t.Fatal("transport must not be reached")
			return nil, nil
		})),
	)
	defer client.Close()

	assert.False(t, client.IsValid())
	assert.Error(t, client.ValidationError())

	_, err := client.Get(context.Background(), "http://example.com/")
	require.Error(t, err)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeValidation, clientErr.Type)
}

func TestDownload(t *testing.T) {
	payload := strings.Repeat("data", 256)
	client := New(fastRetryOptions(
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: 200,
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader(payload)),
			}, nil
		})),
	)...)
	defer client.Close()

	var buf bytes.Buffer
	n, err := client.Download(context.Background(), "http://example.com/file", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, buf.String())
}

func TestDownloadErrorStatus(t *testing.T) {
	client := New(fastRetryOptions(
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			return statusResponse(404), nil
		})),
	)...)
	defer client.Close()

	var buf bytes.Buffer
	_, err := client.Download(context.Background(), "http://example.com/missing", &buf)
	require.Error(t, err)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeClient, clientErr.Type)
}

func TestClientCloseReleasesSessions(t *testing.T) {
	client := New(fastRetryOptions()...)
	_, err := client.Sessions().Get("worker-1")
	require.NoError(t, err)

	client.Close()
	client.Close()
	_, err = client.Sessions().Get("worker-1")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestClientWithActorBreaker(t *testing.T) {
	var calls int32
	client := New(
		WithMaxAttempts(1),
		WithActorCircuitBreaker(CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 1,
			RecoveryTimeout:  time.Minute,
			HalfOpenMaxCalls: 1,
		}),
		WithTransport(RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return nil, errors.New("down")
		})),
	)
	defer client.Close()

	_, err := client.Get(context.Background(), "http://example.com/")
	require.Error(t, err)

	_, err = client.Get(context.Background(), "http://example.com/")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

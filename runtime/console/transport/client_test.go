package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffMultiplier: 1}
}

// TestOpenPostsRequest verifies the request shape and that the body is handed
// out unread.
func TestOpenPostsRequest(t *testing.T) {
	var captured Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "expected POST", http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Accept") != "text/event-stream" || r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "bad headers", http.StatusBadRequest)
			return
		}
		defer func() { _ = r.Body.Close() }()
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"ping\"}\n\n")
	}))
	defer server.Close()

	client, err := New(server.URL, WithBearerToken("secret"))
	require.NoError(t, err)
	body, err := client.Open(context.Background(), Request{Prompt: "hi", SessionID: "s1"})
	require.NoError(t, err)
	defer func() { _ = body.Close() }()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "data: {\"type\":\"ping\"}\n\n", string(raw))
	require.Equal(t, "hi", captured.Prompt)
	require.Equal(t, "s1", captured.SessionID)
}

func TestOpenRetriesUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer server.Close()

	client, err := New(server.URL, WithRetry(fastRetry(3)))
	require.NoError(t, err)
	body, err := client.Open(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	_ = body.Close()
	require.Equal(t, int32(3), calls.Load())
}

func TestOpenReportsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer server.Close()

	client, err := New(server.URL, WithRetry(fastRetry(3)))
	require.NoError(t, err)
	_, err = client.Open(context.Background(), Request{})
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	require.Equal(t, "nope", statusErr.Message)
}

func TestOpenAcceptsAny2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "data: {}\n\n")
	}))
	defer server.Close()

	client, err := New(server.URL)
	require.NoError(t, err)
	body, err := client.Get(context.Background())
	require.NoError(t, err)
	defer func() { _ = body.Close() }()
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "data: {}\n\n", string(raw))
}

func TestOpenRejectsOtherContentTypes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"error":"x"}`)
	}))
	defer server.Close()

	client, err := New(server.URL)
	require.NoError(t, err)
	_, err = client.Get(context.Background())
	require.ErrorContains(t, err, "unexpected content type")
}

func TestExhaustedRetriesWrapLastError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := New(server.URL, WithRetry(fastRetry(2)))
	require.NoError(t, err)
	_, err = client.Open(context.Background(), Request{})
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 2, exhausted.Attempts)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestIsRetryableProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("cancellation is never retried", prop.ForAll(
		func(msg string) bool {
			return !IsRetryable(errors.Join(errors.New(msg), context.Canceled))
		},
		gen.AlphaString(),
	))

	properties.Property("only throttling and gateway statuses are retried", prop.ForAll(
		func(code int) bool {
			want := code == 429 || code == 502 || code == 503 || code == 504
			return IsRetryable(&HTTPStatusError{StatusCode: code}) == want
		},
		gen.IntRange(400, 599),
	))

	properties.TestingRun(t)
}

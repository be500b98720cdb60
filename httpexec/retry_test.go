package httpexec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calderalabs/actionexec/core"
	"github.com/calderalabs/actionexec/resilience"
)

// newTestClient wires a client whose sleeps are recorded instead of slept.
func newTestClient(t *testing.T) (*Client, *[]time.Duration) {
	t.Helper()
	client, err := NewClient(&ClientConfig{Engine: NewEngine(nil)})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	var delays []time.Duration
	client.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return client, &delays
}

func TestRetryThenSuccess(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client, delays := newTestClient(t)
	policy := &Policy{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableErrors:   []core.Category{core.CategoryAPIUnavailable},
		Jitter:            false,
	}

	outcome, err := client.Do(context.Background(), &Request{Method: "GET", URL: server.URL}, policy)
	if err != nil {
		t.Fatalf("Expected success after retries, got: %v", err)
	}
	if outcome.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", outcome.Attempts)
	}
	if len(outcome.Trace) != outcome.Attempts {
		t.Errorf("attempts (%d) must equal len(trace) (%d)", outcome.Attempts, len(outcome.Trace))
	}
	if string(outcome.Response.Body) != `{"ok":true}` {
		t.Errorf("Unexpected final body: %s", outcome.Response.Body)
	}

	// Without jitter the schedule is exactly 100ms then 200ms.
	if len(*delays) != 2 || (*delays)[0] != 100*time.Millisecond || (*delays)[1] != 200*time.Millisecond {
		t.Errorf("Expected delays [100ms 200ms], got %v", *delays)
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, delays := newTestClient(t)
	policy := &Policy{
		MaxAttempts:       2,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableErrors:   []core.Category{core.CategoryAPIUnavailable},
		Jitter:            true,
	}

	_, err := client.Do(context.Background(), &Request{Method: "GET", URL: server.URL}, policy)
	if err == nil {
		t.Fatal("Expected failure after exhausting attempts")
	}
	if len(*delays) != 1 {
		t.Fatalf("Expected one delay, got %v", *delays)
	}
	d := (*delays)[0]
	if d < 75*time.Millisecond || d > 125*time.Millisecond {
		t.Errorf("Jittered delay outside ±25%% of 100ms: %v", d)
	}
}

func TestRateLimitedSingleAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, _ := newTestClient(t)
	policy := DefaultPolicy()
	policy.MaxAttempts = 1

	outcome, err := client.Do(context.Background(), &Request{Method: "GET", URL: server.URL}, policy)
	if err == nil {
		t.Fatal("Expected rate limit failure")
	}
	if err.Category != core.CategoryRateLimitBurst {
		t.Errorf("Expected rate_limit_burst, got %s", err.Category)
	}
	if err.RetryAfter == nil {
		t.Error("Expected retryAfter to be set")
	}
	if outcome.Attempts != 1 {
		t.Errorf("Expected a single attempt, got %d", outcome.Attempts)
	}
}

func TestRetryAfterOverridesBackoff(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client, delays := newTestClient(t)
	policy := &Policy{
		MaxAttempts:       2,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
		RetryableErrors:   []core.Category{core.CategoryRateLimitBurst},
		Jitter:            false,
	}

	outcome, err := client.Do(context.Background(), &Request{Method: "GET", URL: server.URL}, policy)
	if err != nil {
		t.Fatalf("Expected success on second attempt, got: %v", err)
	}
	if outcome.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", outcome.Attempts)
	}
	// The server-provided 60s window plus the 1s buffer replaces the 100ms
	// backoff delay.
	if len(*delays) != 1 || (*delays)[0] < 59*time.Second {
		t.Errorf("Expected Retry-After driven delay >= 59s, got %v", *delays)
	}
}

func TestNonRetryableCategoryStopsImmediately(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client, _ := newTestClient(t)
	outcome, err := client.Do(context.Background(), &Request{Method: "GET", URL: server.URL}, DefaultPolicy())
	if err == nil {
		t.Fatal("Expected auth failure")
	}
	if err.Category != core.CategoryAuthInvalid {
		t.Errorf("Expected auth_invalid, got %s", err.Category)
	}
	if atomic.LoadInt32(&calls) != 1 || outcome.Attempts != 1 {
		t.Errorf("Non-retryable error must not be retried: calls=%d attempts=%d",
			calls, outcome.Attempts)
	}
}

func TestCategoryNotInPolicyNotRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, _ := newTestClient(t)
	policy := DefaultPolicy()
	policy.RetryableErrors = []core.Category{core.CategoryNetworkTimeout}

	outcome, err := client.Do(context.Background(), &Request{Method: "GET", URL: server.URL}, policy)
	if err == nil {
		t.Fatal("Expected failure")
	}
	if outcome.Attempts != 1 {
		t.Errorf("Category outside retryableErrors must not be retried, attempts=%d",
			outcome.Attempts)
	}
}

func TestBreakerFailFastNotRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	breakers, err := resilience.NewHostBreakers(nil)
	if err != nil {
		t.Fatal(err)
	}
	client, cerr := NewClient(&ClientConfig{Engine: NewEngine(nil), Breakers: breakers})
	if cerr != nil {
		t.Fatal(cerr)
	}
	client.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	host, err := Host(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		breakers.Record(host, false, core.CategoryAPIUnavailable)
	}

	// api_unavailable is in the retryable set, but the fail-fast error is
	// non-retryable and must stop the loop on the first attempt.
	outcome, doErr := client.Do(context.Background(), &Request{Method: "GET", URL: server.URL}, DefaultPolicy())
	if doErr == nil {
		t.Fatal("Expected fail-fast error")
	}
	if doErr.Category != core.CategoryAPIUnavailable {
		t.Errorf("Expected api_unavailable, got %s", doErr.Category)
	}
	if doErr.Context["circuitState"] != "OPEN" {
		t.Errorf("Expected circuitState=OPEN, got %v", doErr.Context["circuitState"])
	}
	if outcome.Attempts != 1 || len(outcome.Trace) != 1 {
		t.Errorf("Fail-fast must produce exactly one trace entry, got %d", len(outcome.Trace))
	}
	if outcome.Trace[0].Error == "" {
		t.Error("Fail-fast trace entry should record the error")
	}
}

func TestCancellationDuringSleep(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewClient(&ClientConfig{Engine: NewEngine(nil)})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	client.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	policy := DefaultPolicy()
	policy.InitialDelay = 10 * time.Second
	outcome, doErr := client.Do(ctx, &Request{Method: "GET", URL: server.URL}, policy)
	if doErr == nil {
		t.Fatal("Expected cancellation error")
	}
	if doErr.Category != core.CategoryUserCancelled {
		t.Errorf("Expected user_cancelled, got %s", doErr.Category)
	}
	if outcome.Attempts != 1 {
		t.Errorf("Cancellation must bypass further attempts, got %d", outcome.Attempts)
	}
}

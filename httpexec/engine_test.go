package httpexec

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/calderalabs/actionexec/catalog"
	"github.com/calderalabs/actionexec/core"
	"github.com/calderalabs/actionexec/trace"
)

func TestAttemptSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	engine := NewEngine(nil)
	resp, entry, err := engine.Attempt(context.Background(), &Request{
		Method: "GET",
		URL:    server.URL + "/resource",
	})
	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != `{"ok":true}` {
		t.Errorf("Unexpected response: %d %s", resp.StatusCode, resp.Body)
	}
	if entry.Response == nil || entry.Response.StatusCode != 200 {
		t.Error("Trace entry should carry the response")
	}
	if entry.Duration <= 0 {
		t.Error("Trace entry should carry a positive duration")
	}
}

func TestResponseSizeCapBoundary(t *testing.T) {
	var bodySize int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", bodySize)))
	}))
	defer server.Close()

	engine := NewEngine(&EngineConfig{MaxResponseSize: 64})
	req := &Request{Method: "GET", URL: server.URL}

	// Exactly the cap succeeds.
	bodySize = 64
	if _, _, err := engine.Attempt(context.Background(), req); err != nil {
		t.Errorf("Response of exactly the cap should succeed, got: %v", err)
	}

	// One byte more fails with the cap in context.
	bodySize = 65
	_, _, err := engine.Attempt(context.Background(), req)
	if err == nil {
		t.Fatal("Expected size cap error")
	}
	if err.Category != core.CategoryAPIUnexpectedStatus {
		t.Errorf("Expected api_unexpected_status, got %s", err.Category)
	}
	if err.Context["maxResponseSize"] != int64(64) {
		t.Errorf("Expected cap in context, got %v", err.Context["maxResponseSize"])
	}
}

func TestQuirkTightensSizeCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 32)))
	}))
	defer server.Close()

	host, err := Host(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	cat := catalog.NewStatic(&catalog.Entry{
		Hostname: host,
		Quirks:   catalog.Quirks{MaxResponseSize: 16},
	})

	engine := NewEngine(&EngineConfig{MaxResponseSize: 1024, Catalog: cat})
	if _, _, attemptErr := engine.Attempt(context.Background(), &Request{Method: "GET", URL: server.URL}); attemptErr == nil {
		t.Error("Quirk-tightened cap should reject a 32-byte body")
	}
}

func TestQuirkRequiresUserAgent(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	host, err := Host(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	cat := catalog.NewStatic(&catalog.Entry{
		Hostname: host,
		Quirks:   catalog.Quirks{RequiresUserAgent: true},
	})

	engine := NewEngine(&EngineConfig{Catalog: cat, UserAgent: "actionexec-test/1.0"})
	if _, _, attemptErr := engine.Attempt(context.Background(), &Request{Method: "GET", URL: server.URL}); attemptErr != nil {
		t.Fatalf("Expected success, got: %v", attemptErr)
	}
	if gotUA != "actionexec-test/1.0" {
		t.Errorf("Expected quirk to set User-Agent, got %q", gotUA)
	}
}

func TestSuccessWithErrorBodyQuirk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"error","message":"upstream exploded"}`))
	}))
	defer server.Close()

	host, err := Host(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	cat := catalog.NewStatic(&catalog.Entry{
		Hostname: host,
		Quirks:   catalog.Quirks{SuccessWithErrorBody: []string{`"status":"error"`}},
	})

	engine := NewEngine(&EngineConfig{Catalog: cat})
	resp, _, attemptErr := engine.Attempt(context.Background(), &Request{Method: "GET", URL: server.URL})
	if attemptErr == nil {
		t.Fatal("Expected error for 200 with error body")
	}
	if attemptErr.Context["errorSubtype"] != "success_with_error_body" {
		t.Errorf("Expected success_with_error_body subtype, got %v",
			attemptErr.Context["errorSubtype"])
	}
	if resp == nil || resp.StatusCode != 200 {
		t.Error("Response should still be returned for partial output")
	}
}

func TestTraceRedactsCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{}"))
	}))
	defer server.Close()

	engine := NewEngine(nil)
	_, entry, err := engine.Attempt(context.Background(), &Request{
		Method:  "POST",
		URL:     server.URL + "/login?session=abc123",
		Headers: map[string]string{"Authorization": "Bearer super-secret-token"},
		Body:    []byte(`{"password":"hunter2"}`),
	})
	if err != nil {
		t.Fatalf("Expected success, got: %v", err)
	}

	if entry.Request.Headers["Authorization"] != trace.RedactedValue {
		t.Errorf("Authorization header not redacted: %q", entry.Request.Headers["Authorization"])
	}
	if strings.Contains(entry.Request.URL, "session") {
		t.Errorf("Query string leaked into trace URL: %q", entry.Request.URL)
	}
	if strings.Contains(entry.Request.Body, "hunter2") {
		t.Errorf("Password leaked into trace body: %q", entry.Request.Body)
	}
}

func TestConnectionRefusedCategorized(t *testing.T) {
	engine := NewEngine(nil)
	// Port 1 on localhost is closed.
	_, entry, err := engine.Attempt(context.Background(), &Request{
		Method: "GET",
		URL:    "http://127.0.0.1:1/unreachable",
	})
	if err == nil {
		t.Fatal("Expected connection error")
	}
	if err.Category != core.CategoryNetworkConnectionRefused {
		t.Errorf("Expected network_connection_refused, got %s", err.Category)
	}
	if entry.Error == "" {
		t.Error("Trace entry should record the error")
	}
}

func TestEndpointTimeoutBoundsAttempt(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	engine := NewEngine(nil)
	start := time.Now()
	_, entry, err := engine.Attempt(context.Background(), &Request{
		Method:  "GET",
		URL:     server.URL + "/slow",
		Timeout: 50 * time.Millisecond,
	})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Expected a timeout error")
	}
	if err.Category != core.CategoryNetworkTimeout {
		t.Errorf("Expected network_timeout, got %s", err.Category)
	}
	if !err.Retryable {
		t.Error("Timeouts should be retryable")
	}
	if elapsed > time.Second {
		t.Errorf("Attempt should end near the 50ms endpoint timeout, took %v", elapsed)
	}
	if entry.Error == "" {
		t.Error("Trace entry should record the timeout")
	}
}

func TestZeroTimeoutLeavesContextUnbounded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	engine := NewEngine(nil)
	resp, _, err := engine.Attempt(context.Background(), &Request{
		Method: "GET",
		URL:    server.URL + "/slowish",
	})
	if err != nil {
		t.Fatalf("Expected success without a per-attempt deadline, got: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Unexpected status %d", resp.StatusCode)
	}
}

// Package httpexec issues outbound HTTP attempts with retry, backoff, and
// per-host circuit breaking. The engine executes one attempt and produces a
// sanitized trace entry; the client coordinates attempts under a retry policy.
package httpexec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/calderalabs/actionexec/catalog"
	"github.com/calderalabs/actionexec/core"
	"github.com/calderalabs/actionexec/trace"
)

// DefaultMaxResponseSize bounds response bodies at 50 MiB.
const DefaultMaxResponseSize = 50 * 1024 * 1024

const defaultUserAgent = "actionexec/1.0"

// Request describes one outbound HTTP call.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte

	// Timeout bounds a single attempt. Zero means no per-attempt deadline
	// beyond the caller's context.
	Timeout time.Duration
}

// Response is a fully read, size-bounded HTTP response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Success reports whether the status code is in the 2xx range.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// EngineConfig configures the single-attempt engine.
type EngineConfig struct {
	// Transport is the underlying HTTP client. Nil means a default client;
	// per-attempt deadlines come from Request.Timeout and the caller's
	// context.
	Transport *http.Client

	// MaxResponseSize is the global response body cap in bytes.
	MaxResponseSize int64

	// Catalog supplies vendor quirks. Nil means no quirks.
	Catalog catalog.ApiCatalog

	// UserAgent is applied when a catalog quirk requires one and the request
	// does not set its own.
	UserAgent string

	Logger core.Logger
}

func (c *EngineConfig) withDefaults() *EngineConfig {
	out := *c
	if out.Transport == nil {
		out.Transport = &http.Client{}
	}
	if out.MaxResponseSize <= 0 {
		out.MaxResponseSize = DefaultMaxResponseSize
	}
	if out.Catalog == nil {
		out.Catalog = catalog.Empty()
	}
	if out.UserAgent == "" {
		out.UserAgent = defaultUserAgent
	}
	if out.Logger == nil {
		out.Logger = &core.NoOpLogger{}
	}
	return &out
}

// Engine executes single HTTP attempts.
type Engine struct {
	cfg *EngineConfig
}

// NewEngine creates an engine. A nil config uses defaults.
func NewEngine(cfg *EngineConfig) *Engine {
	if cfg == nil {
		cfg = &EngineConfig{}
	}
	return &Engine{cfg: cfg.withDefaults()}
}

// Host extracts the hostname of a request URL for circuit breaker keying.
func Host(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid request URL %q", trace.SanitizeURL(rawURL))
	}
	return u.Hostname(), nil
}

// Attempt executes one HTTP attempt. It always returns a sanitized trace
// entry; on failure it returns the categorized error and, when a response was
// received, the response itself so callers can keep partial output.
func (e *Engine) Attempt(ctx context.Context, req *Request) (*Response, trace.Entry, *core.ErrorDetail) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	started := time.Now()
	entry := trace.Entry{
		Request: trace.RequestRecord{
			Method:  req.Method,
			URL:     req.URL,
			Headers: cloneHeaders(req.Headers),
			Body:    string(req.Body),
		},
		StartedAt: started,
	}

	host, err := Host(req.URL)
	if err != nil {
		d := core.ValidationError(err.Error())
		entry.Error = d.Error()
		return nil, trace.SanitizeEntry(entry), d
	}
	catEntry := e.cfg.Catalog.GetEntry(host)

	httpReq, reqErr := e.buildRequest(ctx, req, catEntry, &entry)
	if reqErr != nil {
		entry.Error = reqErr.Error()
		entry.Duration = time.Since(started)
		return nil, trace.SanitizeEntry(entry), reqErr
	}

	resp, doErr := e.cfg.Transport.Do(httpReq)
	if doErr != nil {
		d := CategorizeNetworkError(doErr, false)
		entry.Error = d.Error()
		entry.Duration = time.Since(started)
		return nil, trace.SanitizeEntry(entry), d
	}
	defer resp.Body.Close()

	body, sizeErr, readErr := e.readBody(resp, catEntry)
	entry.Duration = time.Since(started)
	entry.Response = &trace.ResponseRecord{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       string(body),
	}

	if sizeErr != nil {
		entry.Error = sizeErr.Error()
		return nil, trace.SanitizeEntry(entry), sizeErr
	}
	if readErr != nil {
		d := CategorizeNetworkError(readErr, true)
		entry.Error = d.Error()
		return nil, trace.SanitizeEntry(entry), d
	}

	out := &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: body}

	if out.Success() {
		if catEntry != nil && catEntry.MatchesErrorBody(string(body)) {
			d := core.NewErrorDetail(core.CategoryAPIUnexpectedStatus,
				"success status with error body", false)
			d.StatusCode = resp.StatusCode
			d.Context["errorSubtype"] = "success_with_error_body"
			d = applyCatalogMapping(d, body, catEntry)
			entry.Error = d.Error()
			return out, trace.SanitizeEntry(entry), d
		}
		return out, trace.SanitizeEntry(entry), nil
	}

	d := CategorizeStatus(resp, body, catEntry, time.Now())
	entry.Error = d.Error()
	return out, trace.SanitizeEntry(entry), d
}

func (e *Engine) buildRequest(ctx context.Context, req *Request, catEntry *catalog.Entry, entry *trace.Entry) (*http.Request, *core.ErrorDetail) {
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, core.ValidationError(fmt.Sprintf("cannot build request: %v", err))
	}

	for name, value := range req.Headers {
		httpReq.Header.Set(name, value)
	}
	if catEntry != nil && catEntry.Quirks.RequiresUserAgent && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", e.cfg.UserAgent)
		if entry.Request.Headers == nil {
			entry.Request.Headers = make(map[string]string)
		}
		entry.Request.Headers["User-Agent"] = e.cfg.UserAgent
	}
	return httpReq, nil
}

// readBody reads the response body up to the effective size cap. A catalog
// quirk may tighten the global cap but never raise it. The partial body is
// returned even on error so the trace can keep it.
func (e *Engine) readBody(resp *http.Response, catEntry *catalog.Entry) ([]byte, *core.ErrorDetail, error) {
	limit := e.cfg.MaxResponseSize
	if catEntry != nil && catEntry.Quirks.MaxResponseSize > 0 && catEntry.Quirks.MaxResponseSize < limit {
		limit = catEntry.Quirks.MaxResponseSize
	}

	if resp.ContentLength > limit {
		return nil, e.tooLargeError(resp.ContentLength, limit), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return body, nil, err
	}
	if int64(len(body)) > limit {
		return body[:limit], e.tooLargeError(int64(len(body)), limit), nil
	}
	return body, nil, nil
}

func (e *Engine) tooLargeError(size, limit int64) *core.ErrorDetail {
	d := core.NewErrorDetail(core.CategoryAPIUnexpectedStatus,
		"response exceeds size limit", false)
	d.Cause = core.ErrResponseTooLarge
	d.Context["maxResponseSize"] = limit
	if size > 0 {
		d.Context["responseSize"] = size
	}
	return d
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name := range h {
		out[name] = h.Get(name)
	}
	return out
}

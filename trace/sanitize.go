// Package trace captures sanitized records of HTTP attempts. Every entry that
// leaves the HTTP engine has credentials redacted at the boundary, so callers
// can log or persist traces without further filtering.
package trace

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	// RedactedValue replaces any header or body value that may carry credentials.
	RedactedValue = "[REDACTED]"

	// InvalidURLValue replaces URLs that fail to parse.
	InvalidURLValue = "[invalid-url]"

	truncationMarker = "...[truncated]"

	maxHeaderValueLen = 100
	maxBodyLen        = 1024
	maxErrorFieldLen  = 100
)

// Entry is a sanitized record of one HTTP request/response/error for debugging.
type Entry struct {
	Request   RequestRecord   `json:"request"`
	Response  *ResponseRecord `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
}

// RequestRecord describes the outbound request with credentials removed.
type RequestRecord struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ResponseRecord describes the response with credentials removed.
type ResponseRecord struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
}

var headerAllowList = map[string]bool{
	"content-type":   true,
	"accept":         true,
	"user-agent":     true,
	"content-length": true,
	"host":           true,
	"connection":     true,
	"cache-control":  true,
}

var headerDenyExact = map[string]bool{
	"authorization": true,
	"cookie":        true,
}

var headerDenyPatterns = []string{
	"-api-key", "-auth-", "-token", "-secret", "key", "token", "secret",
}

var credentialKeyPattern = `password|api_key|token|secret|auth|session|[a-z0-9]*_key|[a-z0-9]*_token|[a-z0-9]*_secret`

var (
	jsonCredentialRe = regexp.MustCompile(`(?i)"(` + credentialKeyPattern + `)"\s*:\s*"[^"]*"`)
	bearerRe         = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._~+/=-]+`)
	basicRe          = regexp.MustCompile(`(?i)Basic\s+[A-Za-z0-9+/=]+`)
	formCredentialRe = regexp.MustCompile(`(?i)\b(` + credentialKeyPattern + `)=[^&\s"]+`)
)

// errorBodyAllowList is the field allow-list applied to response error bodies
// before they enter error context.
var errorBodyAllowList = []string{"error", "error_code", "error_type", "status", "code"}

// SanitizeURL keeps scheme, host, and path and drops query and fragment
// entirely. A URL that fails to parse becomes "[invalid-url]".
func SanitizeURL(raw string) string {
	if raw == "" || raw == InvalidURLValue {
		return InvalidURLValue
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return InvalidURLValue
	}
	return fmt.Sprintf("%s://%s%s", u.Scheme, u.Host, u.EscapedPath())
}

// SanitizeHeaders redacts credential-bearing headers and truncates the rest.
// Matching is case-insensitive. Allow-listed headers pass through untouched,
// deny-listed ones are masked, anything else is truncated to 100 characters.
func SanitizeHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		lower := strings.ToLower(name)
		switch {
		case headerAllowList[lower]:
			out[name] = value
		case isDeniedHeader(lower):
			out[name] = RedactedValue
		default:
			out[name] = truncate(value, maxHeaderValueLen, "")
		}
	}
	return out
}

func isDeniedHeader(lower string) bool {
	if headerDenyExact[lower] {
		return true
	}
	for _, p := range headerDenyPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// SanitizeBody applies credential-pattern redaction to a request or response
// body and truncates it to 1 KiB with a marker. Sanitizing an already
// sanitized body returns it unchanged.
func SanitizeBody(body string) string {
	if body == "" {
		return ""
	}

	s := jsonCredentialRe.ReplaceAllString(body, `"$1":"`+RedactedValue+`"`)
	s = bearerRe.ReplaceAllString(s, "Bearer "+RedactedValue)
	s = basicRe.ReplaceAllString(s, "Basic "+RedactedValue)
	s = formCredentialRe.ReplaceAllString(s, "$1="+RedactedValue)

	// Do not re-truncate an already truncated body; doing so would shift the
	// marker and break idempotence.
	if strings.HasSuffix(s, truncationMarker) {
		return s
	}
	return truncate(s, maxBodyLen, truncationMarker)
}

// SanitizeErrorBody reduces a parsed response error body to the small field
// allow-list used in error context, each value capped at 100 characters.
func SanitizeErrorBody(body map[string]interface{}) map[string]string {
	if body == nil {
		return nil
	}
	out := make(map[string]string)
	for _, field := range errorBodyAllowList {
		if v, ok := body[field]; ok {
			out[field] = truncate(fmt.Sprintf("%v", v), maxErrorFieldLen, "")
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// SanitizeEntry returns a copy of the entry with every field passed through
// the sanitizer. Calling it on an already sanitized entry is a no-op.
func SanitizeEntry(e Entry) Entry {
	e.Request.URL = SanitizeURL(e.Request.URL)
	e.Request.Headers = SanitizeHeaders(e.Request.Headers)
	e.Request.Body = SanitizeBody(e.Request.Body)
	if e.Response != nil {
		resp := *e.Response
		resp.Headers = SanitizeHeaders(resp.Headers)
		resp.Body = SanitizeBody(resp.Body)
		e.Response = &resp
	}
	return e
}

func truncate(s string, limit int, marker string) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + marker
}

package httpexec

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/calderalabs/actionexec/catalog"
	"github.com/calderalabs/actionexec/core"
	"github.com/calderalabs/actionexec/trace"
)

// Retry-After delays are clamped to this range before use.
const (
	minRetryAfter = 1 * time.Second
	maxRetryAfter = 5 * time.Minute
)

// CategorizeNetworkError maps a transport-level failure to its category.
// responseStarted distinguishes a connect timeout from a read timeout.
func CategorizeNetworkError(err error, responseStarted bool) *core.ErrorDetail {
	if errors.Is(err, context.Canceled) {
		d := core.NewErrorDetail(core.CategoryUserCancelled, "request cancelled", false)
		d.Cause = err
		return d
	}

	var netErr net.Error
	isTimeout := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
	if isTimeout {
		subtype := "connect_timeout"
		hint := 5 * time.Second
		if responseStarted {
			subtype = "read_timeout"
			hint = 2 * time.Second
		}
		d := core.NewErrorDetail(core.CategoryNetworkTimeout, "request timed out", true)
		d.Cause = err
		d.Suggestion = "retry after a short delay; consider raising the endpoint timeout"
		d.Context["errorSubtype"] = subtype
		d.Context["suggestedBackoffMs"] = hint.Milliseconds()
		return d
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		d := core.NewErrorDetail(core.CategoryNetworkConnectionRefused,
			fmt.Sprintf("DNS lookup failed for %s", dnsErr.Name), true)
		d.Cause = err
		d.Context["errorSubtype"] = "dns"
		d.Context["suggestedBackoffMs"] = (10 * time.Second).Milliseconds()
		return d
	}

	if isTLSError(err) {
		d := core.NewErrorDetail(core.CategoryNetworkConnectionRefused,
			"TLS handshake failed", false)
		d.Cause = err
		d.Suggestion = "verify the target certificate chain"
		d.Context["errorSubtype"] = "tls"
		return d
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		d := core.NewErrorDetail(core.CategoryNetworkConnectionRefused,
			"connection refused", true)
		d.Cause = err
		d.Context["suggestedBackoffMs"] = (3 * time.Second).Milliseconds()
		return d
	}

	d := core.NewErrorDetail(core.CategoryNetworkConnectionRefused,
		"connection failed", true)
	d.Cause = fmt.Errorf("%w: %v", core.ErrConnectionFailed, err)
	d.Context["suggestedBackoffMs"] = (3 * time.Second).Milliseconds()
	return d
}

func isTLSError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var certInvalid x509.CertificateInvalidError
	var hostname x509.HostnameError
	if errors.As(err, &unknownAuthority) || errors.As(err, &certInvalid) ||
		errors.As(err, &hostname) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "tls:") || strings.Contains(msg, "x509:")
}

// CategorizeStatus maps a non-2xx response to its category. The catalog entry
// (may be nil) contributes vendor error mappings, but only where the generic
// table applies; auth and rate-limit classifications are never overridden.
func CategorizeStatus(resp *http.Response, body []byte, entry *catalog.Entry, now time.Time) *core.ErrorDetail {
	status := resp.StatusCode

	// A vendor detection header marks throttling even when the status is not
	// 429. Auth statuses keep their classification.
	if status != http.StatusUnauthorized && status != http.StatusForbidden &&
		status != http.StatusTooManyRequests && vendorRateLimited(resp, entry) {
		d := rateLimitDetail(fmt.Sprintf("rate limited (vendor header, status %d)", status),
			resp, entry, now)
		d.StatusCode = status
		d.Context["errorSubtype"] = "vendor_header"
		attachErrorBody(d, body)
		return d
	}

	switch {
	case status == http.StatusUnauthorized:
		d := core.NewErrorDetail(core.CategoryAuthInvalid,
			"authentication rejected (401)", false)
		d.StatusCode = status
		d.Suggestion = "check credentials for this action"
		attachErrorBody(d, body)
		return d

	case status == http.StatusForbidden:
		d := core.NewErrorDetail(core.CategoryAuthExpired,
			"authorization expired or insufficient (403)", false)
		d.StatusCode = status
		d.Suggestion = "re-authorize or request additional permissions"
		attachErrorBody(d, body)
		return d

	case status == http.StatusTooManyRequests:
		d := rateLimitDetail("rate limited (429)", resp, entry, now)
		d.StatusCode = status
		attachErrorBody(d, body)
		return d

	case status == http.StatusServiceUnavailable:
		d := core.NewErrorDetail(core.CategoryAPIUnavailable,
			"service unavailable (503)", true)
		d.StatusCode = status
		d.Context["suggestedBackoffMs"] = (5 * time.Second).Milliseconds()
		attachErrorBody(d, body)
		return d

	case status == http.StatusNotImplemented || status == http.StatusHTTPVersionNotSupported:
		d := core.NewErrorDetail(core.CategoryAPIUnexpectedStatus,
			fmt.Sprintf("unexpected status %d", status), false)
		d.StatusCode = status
		attachErrorBody(d, body)
		return applyCatalogMapping(d, body, entry)

	case status >= 500:
		d := core.NewErrorDetail(core.CategoryAPIUnexpectedStatus,
			fmt.Sprintf("server error %d", status), true)
		d.StatusCode = status
		d.Context["suggestedBackoffMs"] = (3 * time.Second).Milliseconds()
		attachErrorBody(d, body)
		return applyCatalogMapping(d, body, entry)

	default:
		d := core.NewErrorDetail(core.CategoryValidationFailed,
			fmt.Sprintf("request rejected with status %d", status), false)
		d.StatusCode = status
		attachErrorBody(d, body)
		return applyCatalogMapping(d, body, entry)
	}
}

// vendorRateLimited reports whether the catalog's rate-limit detection header
// is present on the response.
func vendorRateLimited(resp *http.Response, entry *catalog.Entry) bool {
	if entry == nil || entry.RateLimiting == nil || entry.RateLimiting.DetectionHeader == "" {
		return false
	}
	return resp.Header.Get(entry.RateLimiting.DetectionHeader) != ""
}

func rateLimitDetail(message string, resp *http.Response, entry *catalog.Entry, now time.Time) *core.ErrorDetail {
	d := core.NewErrorDetail(core.CategoryRateLimitBurst, message, true)
	if delay, ok := retryAfterDelay(resp, entry, now); ok {
		at := now.Add(delay)
		d.RetryAfter = &at
		d.Context["suggestedBackoffMs"] = delay.Milliseconds()
	}
	return d
}

// MalformedResponseError builds the error for a success body that fails to
// parse as its declared content type.
func MalformedResponseError(cause error) *core.ErrorDetail {
	d := core.NewErrorDetail(core.CategoryAPIResponseMalformed,
		"response body does not match its declared content type", false)
	d.Cause = cause
	return d
}

// applyCatalogMapping lets a vendor mapping refine the generic categories
// (validation_failed, api_unexpected_status). It never rewrites auth or
// rate-limit classifications.
func applyCatalogMapping(d *core.ErrorDetail, body []byte, entry *catalog.Entry) *core.ErrorDetail {
	if entry == nil {
		return d
	}
	lower := strings.ToLower(string(body))
	for _, m := range entry.ErrorMappings {
		if m.StatusCode != 0 && m.StatusCode != d.StatusCode {
			continue
		}
		if m.BodyPattern != "" && !strings.Contains(lower, strings.ToLower(m.BodyPattern)) {
			continue
		}
		if !core.IsKnownCategory(core.Category(m.Category)) {
			continue
		}
		d.Category = core.Category(m.Category)
		d.Retryable = m.Retryable
		d.Context["catalogMapping"] = true
		return d
	}
	return d
}

// retryAfterDelay extracts the retry delay from the standard Retry-After
// header, falling back to the vendor's header when the catalog names one.
// The result is clamped to [1s, 5min].
func retryAfterDelay(resp *http.Response, entry *catalog.Entry, now time.Time) (time.Duration, bool) {
	value := resp.Header.Get("Retry-After")
	if value == "" && entry != nil && entry.RateLimiting != nil {
		value = resp.Header.Get(entry.RateLimiting.RetryAfterHeader)
	}
	if value == "" {
		return 0, false
	}

	delay, ok := ParseRetryAfter(value, now)
	if !ok {
		return 0, false
	}
	if delay < minRetryAfter {
		delay = minRetryAfter
	}
	if delay > maxRetryAfter {
		delay = maxRetryAfter
	}
	return delay, true
}

// ParseRetryAfter parses a Retry-After value as delay seconds or an HTTP-date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// attachErrorBody includes the allow-listed fields of a JSON error body in
// the error context.
func attachErrorBody(d *core.ErrorDetail, body []byte) {
	if len(body) == 0 {
		return
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return
	}
	if fields := trace.SanitizeErrorBody(parsed); fields != nil {
		d.Context["responseBody"] = fields
	}
}

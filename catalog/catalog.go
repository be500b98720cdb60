// Package catalog describes vendor-specific API behavior the executor consumes
// additively: retry hints, rate-limit header conventions, and known quirks.
// Catalog data never overrides a hard safety default.
package catalog

import (
	"strings"
	"sync"
)

// ErrorMapping maps a vendor status/body pattern to an error category.
type ErrorMapping struct {
	// StatusCode matches the HTTP status; 0 matches any status.
	StatusCode int `yaml:"statusCode" json:"statusCode"`

	// BodyPattern is a case-insensitive substring matched against the
	// response body. Empty matches any body.
	BodyPattern string `yaml:"bodyPattern" json:"bodyPattern"`

	// Category is the error category to assign when the mapping matches.
	Category string `yaml:"category" json:"category"`

	Retryable bool `yaml:"retryable" json:"retryable"`
}

// RateLimiting describes how a vendor communicates rate limits.
type RateLimiting struct {
	// DetectionHeader is a response header whose presence signals throttling
	// in addition to status 429 (e.g. "X-RateLimit-Remaining").
	DetectionHeader string `yaml:"detectionHeader" json:"detectionHeader"`

	// RetryAfterHeader names a non-standard header carrying the retry delay.
	// The standard Retry-After header is always consulted first.
	RetryAfterHeader string `yaml:"retryAfterHeader" json:"retryAfterHeader"`

	// BackoffStrategy is a hint for upstream schedulers ("exponential",
	// "fixed"). The retry controller does not change its algorithm based on
	// this; it is diagnostic.
	BackoffStrategy string `yaml:"backoffStrategy" json:"backoffStrategy"`
}

// Quirks are per-vendor deviations applied while preparing and interpreting
// requests.
type Quirks struct {
	// RequiresUserAgent forces a User-Agent header on every request.
	RequiresUserAgent bool `yaml:"requiresUserAgent" json:"requiresUserAgent"`

	// NonStandardJSONContentType lists content types that must be parsed as
	// JSON even though they are not application/json.
	NonStandardJSONContentType []string `yaml:"nonStandardJsonContentType" json:"nonStandardJsonContentType"`

	// MaxResponseSize lowers the response size cap for this host. It can only
	// tighten the global cap, never raise it.
	MaxResponseSize int64 `yaml:"maxResponseSize" json:"maxResponseSize"`

	// SuccessWithErrorBody lists case-insensitive substrings that, when found
	// in a 2xx response body, mark the response as a failure.
	SuccessWithErrorBody []string `yaml:"successWithErrorBody" json:"successWithErrorBody"`
}

// Entry is everything the catalog knows about one host.
type Entry struct {
	Hostname      string         `yaml:"hostname" json:"hostname"`
	ErrorMappings []ErrorMapping `yaml:"errorMappings" json:"errorMappings"`
	RateLimiting  *RateLimiting  `yaml:"rateLimiting" json:"rateLimiting"`
	Quirks        Quirks         `yaml:"quirks" json:"quirks"`
}

// IsJSONContentType reports whether ct should be parsed as JSON for this
// entry, including the vendor's non-standard types.
func (e *Entry) IsJSONContentType(ct string) bool {
	ct = normalizeContentType(ct)
	for _, alt := range e.Quirks.NonStandardJSONContentType {
		if ct == normalizeContentType(alt) {
			return true
		}
	}
	return false
}

// MatchesErrorBody reports whether a 2xx body matches a success-with-error
// quirk pattern.
func (e *Entry) MatchesErrorBody(body string) bool {
	lower := strings.ToLower(body)
	for _, pattern := range e.Quirks.SuccessWithErrorBody {
		if pattern != "" && strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func normalizeContentType(ct string) string {
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// ApiCatalog supplies per-host entries. A nil entry means no vendor-specific
// behavior is known for the host.
type ApiCatalog interface {
	GetEntry(hostname string) *Entry
}

// Static is an in-memory catalog with case-insensitive host matching.
type Static struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewStatic creates a catalog from the given entries.
func NewStatic(entries ...*Entry) *Static {
	s := &Static{entries: make(map[string]*Entry, len(entries))}
	for _, e := range entries {
		s.Register(e)
	}
	return s
}

// Register adds or replaces the entry for its hostname.
func (s *Static) Register(e *Entry) {
	if e == nil || e.Hostname == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[strings.ToLower(e.Hostname)] = e
}

// GetEntry returns the entry for hostname, or nil when unknown.
func (s *Static) GetEntry(hostname string) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[strings.ToLower(hostname)]
}

// Empty returns a catalog with no entries.
func Empty() *Static {
	return NewStatic()
}

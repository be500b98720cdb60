// Package oauth manages OAuth2 access tokens obtained through refresh-token
// grants. Tokens are cached per client-id with clock-skew tolerance, refresh
// attempts are rate limited, and concurrent refreshers for one client
// coalesce into a single token-endpoint call.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/calderalabs/actionexec/core"
)

const (
	// refreshBuffer triggers a refresh this long before the stored expiry.
	refreshBuffer = 5 * time.Minute

	// clockSkew is subtracted from the server-reported lifetime at storage
	// time. It does not stack with refreshBuffer: the trigger compares
	// against the already-skew-adjusted expiry.
	clockSkew = 60 * time.Second

	// minRefreshSpacing bounds how often the token endpoint may be hit for
	// one client.
	minRefreshSpacing = 10 * time.Second

	// defaultExpiresIn applies when the token response omits expires_in.
	defaultExpiresIn = 3600 * time.Second
)

// Credentials identifies one OAuth2 client and its refresh token.
type Credentials struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	RefreshToken string
	Scope        []string
}

// Validate checks that the credentials are usable.
func (c *Credentials) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client id is required: %w", core.ErrMissingConfiguration)
	}
	if c.TokenURL == "" {
		return fmt.Errorf("token url is required: %w", core.ErrMissingConfiguration)
	}
	if c.RefreshToken == "" {
		return fmt.Errorf("refresh token is required: %w", core.ErrMissingConfiguration)
	}
	return nil
}

// tokenRecord is the cached state for one client-id.
type tokenRecord struct {
	accessToken   string
	expiresAt     time.Time
	refreshToken  string
	lastRefreshAt time.Time
}

// ManagerConfig configures the token manager.
type ManagerConfig struct {
	HTTPClient *http.Client
	Clock      core.Clock
	Logger     core.Logger
}

// Manager caches and refreshes access tokens. Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	records map[string]*tokenRecord
	group   singleflight.Group

	client *http.Client
	clock  core.Clock
	logger core.Logger
}

// NewManager creates a token manager. A nil config uses defaults.
func NewManager(cfg *ManagerConfig) *Manager {
	if cfg == nil {
		cfg = &ManagerConfig{}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Manager{
		records: make(map[string]*tokenRecord),
		client:  client,
		clock:   clock,
		logger:  logger,
	}
}

// AccessToken returns a valid access token for the credentials, refreshing it
// when it is within the pre-expiry buffer. Concurrent callers for the same
// client-id share one refresh.
func (m *Manager) AccessToken(ctx context.Context, creds *Credentials) (string, *core.ErrorDetail) {
	if err := creds.Validate(); err != nil {
		return "", core.ValidationError(err.Error())
	}

	if token, ok := m.cachedToken(creds.ClientID); ok {
		return token, nil
	}

	v, err, _ := m.group.Do(creds.ClientID, func() (interface{}, error) {
		// A concurrent flight may have refreshed while this caller waited for
		// the group slot.
		if token, ok := m.cachedToken(creds.ClientID); ok {
			return token, nil
		}
		return m.refresh(ctx, creds)
	})
	if err != nil {
		return "", core.EnsureErrorDetail(err)
	}
	return v.(string), nil
}

// cachedToken returns the stored token when it is still outside the refresh
// buffer.
func (m *Manager) cachedToken(clientID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[clientID]
	if !ok || rec.accessToken == "" {
		return "", false
	}
	if m.clock.Now().Before(rec.expiresAt.Add(-refreshBuffer)) {
		return rec.accessToken, true
	}
	return "", false
}

// refresh performs one token-endpoint call. Only one refresh per client-id
// runs at a time (enforced by the singleflight group).
func (m *Manager) refresh(ctx context.Context, creds *Credentials) (string, error) {
	now := m.clock.Now()

	m.mu.Lock()
	rec, ok := m.records[creds.ClientID]
	if !ok {
		rec = &tokenRecord{refreshToken: creds.RefreshToken}
		m.records[creds.ClientID] = rec
	}
	if !rec.lastRefreshAt.IsZero() && now.Sub(rec.lastRefreshAt) < minRefreshSpacing {
		nextAt := rec.lastRefreshAt.Add(minRefreshSpacing)
		m.mu.Unlock()
		d := core.NewErrorDetail(core.CategoryRateLimitBurst,
			"token refresh attempted too soon", false)
		d.Code = "token_refresh_rate_limited"
		d.Cause = core.ErrTokenRateLimited
		d.RetryAfter = &nextAt
		return "", d
	}
	rec.lastRefreshAt = now
	refreshToken := rec.refreshToken
	m.mu.Unlock()

	m.logger.Debug("Refreshing access token", map[string]interface{}{
		"operation": "oauth_refresh",
		"client_id": creds.ClientID,
		"token_url": creds.TokenURL,
	})

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", creds.ClientID)
	if creds.ClientSecret != "" {
		form.Set("client_secret", creds.ClientSecret)
	}
	// Scope is omitted entirely when the list is empty.
	if len(creds.Scope) > 0 {
		form.Set("scope", strings.Join(creds.Scope, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, creds.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", core.StateError("cannot build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		d := core.NewErrorDetail(core.CategoryNetworkConnectionRefused,
			"token endpoint unreachable", true)
		d.Cause = err
		return "", d
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		d := core.NewErrorDetail(core.CategoryNetworkTimeout,
			"failed reading token response", true)
		d.Cause = err
		return "", d
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		d := core.NewErrorDetail(core.CategoryAPIResponseMalformed,
			"token endpoint returned a non-JSON response", true)
		d.Code = "invalid_response"
		d.StatusCode = resp.StatusCode
		d.Cause = err
		return "", d
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || parsed.Error != "" {
		return "", m.oauthError(&parsed, resp.StatusCode)
	}

	if parsed.AccessToken == "" {
		d := core.NewErrorDetail(core.CategoryAPIResponseMalformed,
			"token response is missing access_token", false)
		d.StatusCode = resp.StatusCode
		return "", d
	}

	lifetime := defaultExpiresIn
	if parsed.ExpiresIn > 0 {
		lifetime = time.Duration(parsed.ExpiresIn) * time.Second
	}

	expiresAt := now.Add(lifetime - clockSkew)
	m.mu.Lock()
	rec.accessToken = parsed.AccessToken
	rec.expiresAt = expiresAt
	if parsed.RefreshToken != "" {
		// Rotation: the server issued a new refresh token; the old one may be
		// single-use and must not be reused.
		rec.refreshToken = parsed.RefreshToken
	}
	m.mu.Unlock()

	m.logger.Info("Access token refreshed", map[string]interface{}{
		"operation":  "oauth_refresh",
		"client_id":  creds.ClientID,
		"expires_at": expiresAt.Format(time.RFC3339),
		"rotated":    parsed.RefreshToken != "",
	})
	return parsed.AccessToken, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// oauthError maps an RFC 6749 error response to a categorized failure.
func (m *Manager) oauthError(parsed *tokenResponse, status int) *core.ErrorDetail {
	msg := parsed.Error
	if parsed.ErrorDescription != "" {
		msg = fmt.Sprintf("%s: %s", parsed.Error, parsed.ErrorDescription)
	}
	if msg == "" {
		msg = fmt.Sprintf("token endpoint returned status %d", status)
	}

	switch parsed.Error {
	case "invalid_grant":
		d := core.NewErrorDetail(core.CategoryAuthInvalid, msg, false)
		d.Code = parsed.Error
		d.StatusCode = status
		d.Cause = core.ErrReauthRequired
		d.Suggestion = "the refresh token is no longer valid; the user must re-authenticate"
		d.Context["requiresReauth"] = true
		return d
	case "invalid_client", "unauthorized_client":
		d := core.NewErrorDetail(core.CategoryAuthInvalid, msg, false)
		d.Code = parsed.Error
		d.StatusCode = status
		d.Suggestion = "verify the client id and secret"
		return d
	case "temporarily_unavailable":
		d := core.NewErrorDetail(core.CategoryAPIUnavailable, msg, true)
		d.Code = parsed.Error
		d.StatusCode = status
		return d
	default:
		retryable := status >= 500
		category := core.CategoryAPIUnexpectedStatus
		if retryable {
			category = core.CategoryAPIUnavailable
		}
		d := core.NewErrorDetail(category, msg, retryable)
		d.Code = parsed.Error
		d.StatusCode = status
		return d
	}
}

// Invalidate drops the cached token for a client-id, forcing the next caller
// to refresh. The refresh token is kept.
func (m *Manager) Invalidate(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[clientID]; ok {
		rec.accessToken = ""
		rec.expiresAt = time.Time{}
	}
}

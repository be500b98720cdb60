package httpexec

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/calderalabs/actionexec/core"
	"github.com/calderalabs/actionexec/resilience"
	"github.com/calderalabs/actionexec/trace"
)

// retryAfterBuffer is added on top of a server-provided Retry-After delay.
const retryAfterBuffer = 1 * time.Second

// jitterFactor is the uniform randomization applied to backoff delays.
const jitterFactor = 0.25

// Policy controls retry behavior for one action.
type Policy struct {
	MaxAttempts       int             `yaml:"maxAttempts" json:"maxAttempts"`
	InitialDelay      time.Duration   `yaml:"initialDelay" json:"initialDelay"`
	MaxDelay          time.Duration   `yaml:"maxDelay" json:"maxDelay"`
	BackoffMultiplier float64         `yaml:"backoffMultiplier" json:"backoffMultiplier"`
	RetryableErrors   []core.Category `yaml:"retryableErrors" json:"retryableErrors"`
	Jitter            bool            `yaml:"jitter" json:"jitter"`
}

// DefaultPolicy returns the retry policy used when an action declares none.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableErrors: []core.Category{
			core.CategoryNetworkTimeout,
			core.CategoryNetworkConnectionRefused,
			core.CategoryRateLimitBurst,
			core.CategoryAPIUnavailable,
			core.CategoryAPIUnexpectedStatus,
		},
		Jitter: true,
	}
}

// Validate validates the retry policy
func (p *Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d: %w",
			p.MaxAttempts, core.ErrInvalidConfiguration)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("delays must not be negative: %w", core.ErrInvalidConfiguration)
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1, got %f: %w",
			p.BackoffMultiplier, core.ErrInvalidConfiguration)
	}
	for _, c := range p.RetryableErrors {
		if !core.IsKnownCategory(c) {
			return fmt.Errorf("unknown retryable error category %q: %w",
				c, core.ErrInvalidConfiguration)
		}
	}
	return nil
}

func (p *Policy) allowsRetry(category core.Category) bool {
	for _, c := range p.RetryableErrors {
		if c == category {
			return true
		}
	}
	return false
}

// Outcome is the result of a full retry-controlled call. Attempts always
// equals len(Trace).
type Outcome struct {
	Response *Response
	Trace    []trace.Entry
	Attempts int
}

// ClientConfig configures the retry-controlled client.
type ClientConfig struct {
	Engine   *Engine
	Breakers *resilience.HostBreakers
	Logger   core.Logger
	Clock    core.Clock
}

// Client coordinates the engine, the categorizer, and the circuit breaker
// under a retry policy.
type Client struct {
	engine   *Engine
	breakers *resilience.HostBreakers
	logger   core.Logger
	clock    core.Clock

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a retry-controlled client.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required: %w", core.ErrMissingConfiguration)
	}
	breakers := cfg.Breakers
	if breakers == nil {
		var err error
		breakers, err = resilience.NewHostBreakers(nil)
		if err != nil {
			return nil, err
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Client{
		engine:   cfg.Engine,
		breakers: breakers,
		logger:   logger,
		clock:    clock,
		sleep:    sleepContext,
	}, nil
}

// Breakers exposes the circuit breaker registry for introspection.
func (c *Client) Breakers() *resilience.HostBreakers {
	return c.breakers
}

// Do executes the request under the policy. Attempts are strictly sequential
// and trace entries are appended in attempt order. Circuit breaker fail-fast
// errors are never retried. The last response received is returned alongside
// the error so callers can keep partial output.
func (c *Client) Do(ctx context.Context, req *Request, policy *Policy) (*Outcome, *core.ErrorDetail) {
	if policy == nil {
		policy = DefaultPolicy()
	}
	if err := policy.Validate(); err != nil {
		return &Outcome{}, core.ValidationError(err.Error())
	}

	host, hostErr := Host(req.URL)
	if hostErr != nil {
		return &Outcome{}, core.ValidationError(hostErr.Error())
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     policy.InitialDelay,
		RandomizationFactor: 0,
		Multiplier:          policy.BackoffMultiplier,
		MaxInterval:         policy.MaxDelay,
	}
	if policy.Jitter {
		bo.RandomizationFactor = jitterFactor
	}
	bo.Reset()

	outcome := &Outcome{}
	var lastErr *core.ErrorDetail

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		allowed, failFast := c.breakers.ShouldAllow(host)
		if !allowed {
			outcome.Trace = append(outcome.Trace, c.failFastEntry(req, failFast))
			outcome.Attempts = len(outcome.Trace)
			c.logger.Warn("Request blocked by circuit breaker", map[string]interface{}{
				"operation": "http_fail_fast",
				"host":      host,
				"attempt":   attempt,
			})
			return outcome, failFast
		}

		resp, entry, attemptErr := c.engine.Attempt(ctx, req)
		outcome.Trace = append(outcome.Trace, entry)
		outcome.Attempts = len(outcome.Trace)
		if resp != nil {
			outcome.Response = resp
		}

		success := attemptErr == nil
		var category core.Category
		if attemptErr != nil {
			category = attemptErr.Category
		}
		c.breakers.Record(host, success, category)

		if success {
			return outcome, nil
		}
		lastErr = attemptErr

		if !attemptErr.Retryable || !policy.allowsRetry(attemptErr.Category) ||
			attempt == policy.MaxAttempts {
			break
		}

		delay := c.nextDelay(bo, attemptErr)
		c.logger.Debug("Retrying after delay", map[string]interface{}{
			"operation": "http_retry",
			"host":      host,
			"attempt":   attempt,
			"category":  string(attemptErr.Category),
			"delay_ms":  delay.Milliseconds(),
		})
		if err := c.sleep(ctx, delay); err != nil {
			cancelErr := core.NewErrorDetail(core.CategoryUserCancelled,
				"execution cancelled while waiting to retry", false)
			cancelErr.Cause = err
			return outcome, cancelErr
		}
	}

	return outcome, lastErr
}

// nextDelay computes the backoff delay for the next attempt. A server-provided
// retryAfter in the future overrides the exponential schedule with a 1s buffer.
func (c *Client) nextDelay(bo *backoff.ExponentialBackOff, attemptErr *core.ErrorDetail) time.Duration {
	delay := bo.NextBackOff()
	if attemptErr.RetryAfter != nil {
		now := c.clock.Now()
		if attemptErr.RetryAfter.After(now) {
			delay = attemptErr.RetryAfter.Sub(now) + retryAfterBuffer
		}
	}
	return delay
}

func (c *Client) failFastEntry(req *Request, failFast *core.ErrorDetail) trace.Entry {
	return trace.SanitizeEntry(trace.Entry{
		Request: trace.RequestRecord{
			Method:  req.Method,
			URL:     req.URL,
			Headers: cloneHeaders(req.Headers),
		},
		Error:     failFast.Error(),
		StartedAt: c.clock.Now(),
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

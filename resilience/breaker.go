// Package resilience provides the per-host circuit breaker that protects
// unhealthy targets from retry storms. Each host gets an independent
// CLOSED/OPEN/HALF_OPEN state machine over a sliding failure-rate window.
package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/calderalabs/actionexec/core"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed allows all requests through
	StateClosed State = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows test requests while probing recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// maxCooldownExponent caps the cooldown doubling; beyond this the cooldown
// only grows through MaxCooldown clamping.
const maxCooldownExponent = 4

// Config holds circuit breaker tuning shared by every host.
type Config struct {
	// FailureThreshold is the failure rate (0.0 to 1.0) that opens the circuit.
	FailureThreshold float64

	// VolumeThreshold is the minimum number of windowed requests before the
	// failure rate is evaluated.
	VolumeThreshold int

	// WindowDuration is the sliding window over which the rate is computed.
	WindowDuration time.Duration

	// BaseCooldown is the OPEN cooldown for the first opening.
	BaseCooldown time.Duration

	// MaxCooldown caps the exponentially growing cooldown.
	MaxCooldown time.Duration

	// SuccessThreshold is the number of consecutive HALF_OPEN successes
	// needed to close the circuit.
	SuccessThreshold int

	Clock   core.Clock
	Logger  core.Logger
	Metrics MetricsCollector
}

// DefaultConfig returns a production-ready default configuration
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 0.5,
		VolumeThreshold:  10,
		WindowDuration:   60 * time.Second,
		BaseCooldown:     30 * time.Second,
		MaxCooldown:      5 * time.Minute,
		SuccessThreshold: 5,
		Clock:            core.SystemClock{},
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate validates the circuit breaker configuration
func (c *Config) Validate() error {
	if c.FailureThreshold < 0 || c.FailureThreshold > 1 {
		return fmt.Errorf("failure threshold must be between 0 and 1, got %f: %w",
			c.FailureThreshold, core.ErrInvalidConfiguration)
	}
	if c.VolumeThreshold < 1 {
		return fmt.Errorf("volume threshold must be at least 1, got %d: %w",
			c.VolumeThreshold, core.ErrInvalidConfiguration)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success threshold must be at least 1, got %d: %w",
			c.SuccessThreshold, core.ErrInvalidConfiguration)
	}
	if c.WindowDuration <= 0 || c.BaseCooldown <= 0 || c.MaxCooldown <= 0 {
		return fmt.Errorf("window and cooldown durations must be positive: %w",
			core.ErrInvalidConfiguration)
	}
	return nil
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Clock == nil {
		out.Clock = core.SystemClock{}
	}
	if out.Logger == nil {
		out.Logger = &core.NoOpLogger{}
	}
	if out.Metrics == nil {
		out.Metrics = &noopMetrics{}
	}
	return &out
}

// request is one recorded outcome inside the sliding window.
type request struct {
	at       time.Time
	success  bool
	category core.Category
}

// breaker is the per-host state machine. All fields are guarded by mu;
// ShouldAllow and Record are atomic read-modify-write operations.
type breaker struct {
	mu                  sync.Mutex
	host                string
	cfg                 *Config
	state               State
	lastStateChange     time.Time
	requests            []request
	consecutiveOpenings int
	nextRetryAt         time.Time
	halfOpenSuccesses   int
}

// Info is a point-in-time snapshot of one host's circuit.
type Info struct {
	Host                string    `json:"host"`
	State               string    `json:"state"`
	WindowRequests      int       `json:"windowRequests"`
	WindowFailures      int       `json:"windowFailures"`
	FailureRate         float64   `json:"failureRate"`
	ConsecutiveOpenings int       `json:"consecutiveOpenings"`
	NextRetryAt         time.Time `json:"nextRetryAt,omitempty"`
	LastStateChange     time.Time `json:"lastStateChange"`
}

// HostBreakers is the process-wide registry of per-host circuit breakers.
type HostBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*breaker
	cfg      *Config
}

// NewHostBreakers creates a registry with the given configuration.
// A nil config uses defaults.
func NewHostBreakers(cfg *Config) (*HostBreakers, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	cfg = cfg.withDefaults()
	return &HostBreakers{
		breakers: make(map[string]*breaker),
		cfg:      cfg,
	}, nil
}

// SetLogger sets the logger for breaker events.
func (h *HostBreakers) SetLogger(logger core.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	h.cfg.Logger = logger
}

func (h *HostBreakers) breaker(host string) *breaker {
	h.mu.RLock()
	b, ok := h.breakers[host]
	h.mu.RUnlock()
	if ok {
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok = h.breakers[host]; ok {
		return b
	}
	b = &breaker{
		host:            host,
		cfg:             h.cfg,
		state:           StateClosed,
		lastStateChange: h.cfg.Clock.Now(),
	}
	h.breakers[host] = b
	return b
}

// ShouldAllow reports whether a request to host may proceed. When the circuit
// is OPEN it returns the fail-fast error the retry controller must not retry.
// An OPEN circuit whose cooldown has elapsed transitions to HALF_OPEN
// atomically inside this call and the request is allowed.
func (h *HostBreakers) ShouldAllow(host string) (bool, *core.ErrorDetail) {
	b := h.breaker(host)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock.Now()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true, nil
	case StateOpen:
		if !now.Before(b.nextRetryAt) {
			b.transitionTo(StateHalfOpen, now)
			return true, nil
		}
		b.cfg.Metrics.RecordRejection(host)
		return false, b.failFastError(now)
	default:
		return false, b.failFastError(now)
	}
}

// Record registers the outcome of a request against host. Success must be
// true iff the response was a 2xx without a quirky error body.
func (h *HostBreakers) Record(host string, success bool, category core.Category) {
	b := h.breaker(host)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Clock.Now()
	b.trim(now)
	b.requests = append(b.requests, request{at: now, success: success, category: category})

	if success {
		b.cfg.Metrics.RecordSuccess(host)
	} else {
		b.cfg.Metrics.RecordFailure(host, string(category))
	}

	switch b.state {
	case StateClosed:
		total := len(b.requests)
		failures := b.failures()
		if total >= b.cfg.VolumeThreshold &&
			float64(failures)/float64(total) >= b.cfg.FailureThreshold {
			b.open(now)
		}

	case StateHalfOpen:
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
				b.cfg.Logger.Info("Circuit breaker recovered", map[string]interface{}{
					"operation": "circuit_close",
					"host":      b.host,
					"successes": b.halfOpenSuccesses,
				})
				b.requests = nil
				b.consecutiveOpenings = 0
				b.transitionTo(StateClosed, now)
			}
		} else {
			// Any failure during probing reopens with a longer cooldown.
			b.open(now)
		}
	}
}

// open transitions to OPEN and always sets nextRetryAt.
func (b *breaker) open(now time.Time) {
	b.consecutiveOpenings++
	cooldown := b.cooldown()
	b.nextRetryAt = now.Add(cooldown)
	b.transitionTo(StateOpen, now)

	b.cfg.Logger.Warn("Circuit breaker opened", map[string]interface{}{
		"operation":            "circuit_open",
		"host":                 b.host,
		"failure_rate":         b.failureRate(),
		"window_requests":      len(b.requests),
		"consecutive_openings": b.consecutiveOpenings,
		"cooldown_ms":          cooldown.Milliseconds(),
		"next_retry_at":        b.nextRetryAt.Format(time.RFC3339),
	})
}

// cooldown computes min(base * 2^(consecutiveOpenings-1), max) with the
// exponent capped.
func (b *breaker) cooldown() time.Duration {
	exp := b.consecutiveOpenings - 1
	if exp > maxCooldownExponent {
		exp = maxCooldownExponent
	}
	if exp < 0 {
		exp = 0
	}
	cooldown := b.cfg.BaseCooldown * (1 << uint(exp))
	if cooldown > b.cfg.MaxCooldown {
		cooldown = b.cfg.MaxCooldown
	}
	return cooldown
}

func (b *breaker) transitionTo(state State, now time.Time) {
	if b.state == state {
		return
	}
	from := b.state
	b.state = state
	b.lastStateChange = now
	if state == StateHalfOpen {
		b.halfOpenSuccesses = 0
	}

	b.cfg.Metrics.RecordStateChange(b.host, from.String(), state.String())
	b.cfg.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_transition",
		"host":      b.host,
		"from":      from.String(),
		"to":        state.String(),
	})
}

// trim drops window entries older than WindowDuration. Called with mu held.
func (b *breaker) trim(now time.Time) {
	cutoff := now.Add(-b.cfg.WindowDuration)
	keep := b.requests[:0]
	for _, r := range b.requests {
		if r.at.After(cutoff) {
			keep = append(keep, r)
		}
	}
	b.requests = keep
}

func (b *breaker) failures() int {
	n := 0
	for _, r := range b.requests {
		if !r.success {
			n++
		}
	}
	return n
}

func (b *breaker) failureRate() float64 {
	if len(b.requests) == 0 {
		return 0
	}
	return float64(b.failures()) / float64(len(b.requests))
}

func (b *breaker) failFastError(now time.Time) *core.ErrorDetail {
	d := core.NewErrorDetail(core.CategoryAPIUnavailable,
		fmt.Sprintf("circuit breaker open for host %s", b.host), false)
	d.Cause = core.ErrCircuitOpen
	d.Suggestion = fmt.Sprintf("wait until %s before retrying", b.nextRetryAt.Format(time.RFC3339))
	d.Context["host"] = b.host
	d.Context["circuitState"] = StateOpen.String()
	d.Context["failureRate"] = b.failureRate()
	d.Context["nextRetryAt"] = b.nextRetryAt.Format(time.RFC3339)
	return d
}

// GetCircuitInfo returns a snapshot of the circuit for host. Hosts that have
// never been seen report a CLOSED circuit with an empty window.
func (h *HostBreakers) GetCircuitInfo(host string) Info {
	h.mu.RLock()
	b, ok := h.breakers[host]
	h.mu.RUnlock()
	if !ok {
		return Info{Host: host, State: StateClosed.String()}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.trim(b.cfg.Clock.Now())

	return Info{
		Host:                host,
		State:               b.state.String(),
		WindowRequests:      len(b.requests),
		WindowFailures:      b.failures(),
		FailureRate:         b.failureRate(),
		ConsecutiveOpenings: b.consecutiveOpenings,
		NextRetryAt:         b.nextRetryAt,
		LastStateChange:     b.lastStateChange,
	}
}

// Snapshot returns circuit info for every host seen so far.
func (h *HostBreakers) Snapshot() []Info {
	h.mu.RLock()
	hosts := make([]string, 0, len(h.breakers))
	for host := range h.breakers {
		hosts = append(hosts, host)
	}
	h.mu.RUnlock()

	out := make([]Info, 0, len(hosts))
	for _, host := range hosts {
		out = append(out, h.GetCircuitInfo(host))
	}
	return out
}

// Package config loads executor configuration with three-layer priority:
// built-in defaults, then a YAML file, then ACTIONEXEC_* environment
// variables.
package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calderalabs/actionexec/core"
	"github.com/calderalabs/actionexec/dedup"
	"github.com/calderalabs/actionexec/httpexec"
	"github.com/calderalabs/actionexec/oauth"
	"github.com/calderalabs/actionexec/resilience"
	"github.com/calderalabs/actionexec/storage"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds all executor configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
	Dedup   DedupConfig   `yaml:"dedup"`
	OAuth   OAuthConfig   `yaml:"oauth"`
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
}

// OAuthConfig controls token endpoint calls.
type OAuthConfig struct {
	RequestTimeout Duration `yaml:"request_timeout"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RetryConfig is the default retry policy for actions without their own.
type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	InitialDelay      Duration `yaml:"initial_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	Jitter            bool     `yaml:"jitter"`
}

// BreakerConfig controls the per-host circuit breakers.
type BreakerConfig struct {
	FailureThreshold float64  `yaml:"failure_threshold"`
	VolumeThreshold  int      `yaml:"volume_threshold"`
	Window           Duration `yaml:"window"`
	BaseCooldown     Duration `yaml:"base_cooldown"`
	MaxCooldown      Duration `yaml:"max_cooldown"`
	SuccessThreshold int      `yaml:"success_threshold"`
}

// DedupConfig controls the deduplication cache.
type DedupConfig struct {
	CompletedTTL  Duration `yaml:"completed_ttl"`
	FailedTTL     Duration `yaml:"failed_ttl"`
	WaitTimeout   Duration `yaml:"wait_timeout"`
	GCInterval    Duration `yaml:"gc_interval"`
	PendingMaxAge Duration `yaml:"pending_max_age"`
}

// HTTPConfig controls the outbound HTTP engine.
type HTTPConfig struct {
	MaxResponseSize int64  `yaml:"max_response_size"`
	UserAgent       string `yaml:"user_agent"`
}

// StorageConfig selects the output storage backend.
type StorageConfig struct {
	Provider  string   `yaml:"provider"`
	RedisURL  string   `yaml:"redis_url"`
	Namespace string   `yaml:"namespace"`
	TTL       Duration `yaml:"ttl"`
}

// Default returns the built-in defaults.
func Default() *Config {
	retry := httpexec.DefaultPolicy()
	breaker := resilience.DefaultConfig()
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Retry: RetryConfig{
			MaxAttempts:       retry.MaxAttempts,
			InitialDelay:      Duration(retry.InitialDelay),
			MaxDelay:          Duration(retry.MaxDelay),
			BackoffMultiplier: retry.BackoffMultiplier,
			Jitter:            retry.Jitter,
		},
		Breaker: BreakerConfig{
			FailureThreshold: breaker.FailureThreshold,
			VolumeThreshold:  breaker.VolumeThreshold,
			Window:           Duration(breaker.WindowDuration),
			BaseCooldown:     Duration(breaker.BaseCooldown),
			MaxCooldown:      Duration(breaker.MaxCooldown),
			SuccessThreshold: breaker.SuccessThreshold,
		},
		Dedup: DedupConfig{
			CompletedTTL:  Duration(5 * time.Minute),
			FailedTTL:     Duration(30 * time.Second),
			WaitTimeout:   Duration(5 * time.Minute),
			GCInterval:    Duration(60 * time.Second),
			PendingMaxAge: Duration(10 * time.Minute),
		},
		OAuth: OAuthConfig{
			RequestTimeout: Duration(30 * time.Second),
		},
		HTTP: HTTPConfig{
			MaxResponseSize: httpexec.DefaultMaxResponseSize,
		},
		Storage: StorageConfig{
			Provider:  "memory",
			Namespace: "actionexec:storage",
		},
	}
}

// Load builds the configuration from defaults and environment variables.
func Load() (*Config, error) {
	cfg := Default()
	cfg.applyEnvironment()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile builds the configuration from defaults, the given YAML file, and
// environment variables, in that order of increasing priority.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.applyEnvironment()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironment() {
	envString(&c.Logging.Level, "ACTIONEXEC_LOG_LEVEL")
	envString(&c.Logging.Format, "ACTIONEXEC_LOG_FORMAT")

	envInt(&c.Retry.MaxAttempts, "ACTIONEXEC_RETRY_MAX_ATTEMPTS")
	envDuration(&c.Retry.InitialDelay, "ACTIONEXEC_RETRY_INITIAL_DELAY")
	envDuration(&c.Retry.MaxDelay, "ACTIONEXEC_RETRY_MAX_DELAY")
	envFloat(&c.Retry.BackoffMultiplier, "ACTIONEXEC_RETRY_MULTIPLIER")
	envBool(&c.Retry.Jitter, "ACTIONEXEC_RETRY_JITTER")

	envFloat(&c.Breaker.FailureThreshold, "ACTIONEXEC_BREAKER_FAILURE_THRESHOLD")
	envInt(&c.Breaker.VolumeThreshold, "ACTIONEXEC_BREAKER_VOLUME_THRESHOLD")
	envDuration(&c.Breaker.Window, "ACTIONEXEC_BREAKER_WINDOW")
	envDuration(&c.Breaker.BaseCooldown, "ACTIONEXEC_BREAKER_BASE_COOLDOWN")
	envDuration(&c.Breaker.MaxCooldown, "ACTIONEXEC_BREAKER_MAX_COOLDOWN")
	envInt(&c.Breaker.SuccessThreshold, "ACTIONEXEC_BREAKER_SUCCESS_THRESHOLD")

	envDuration(&c.Dedup.CompletedTTL, "ACTIONEXEC_DEDUP_COMPLETED_TTL")
	envDuration(&c.Dedup.FailedTTL, "ACTIONEXEC_DEDUP_FAILED_TTL")
	envDuration(&c.Dedup.WaitTimeout, "ACTIONEXEC_DEDUP_WAIT_TIMEOUT")
	envDuration(&c.Dedup.GCInterval, "ACTIONEXEC_DEDUP_GC_INTERVAL")
	envDuration(&c.Dedup.PendingMaxAge, "ACTIONEXEC_DEDUP_PENDING_MAX_AGE")

	envDuration(&c.OAuth.RequestTimeout, "ACTIONEXEC_OAUTH_REQUEST_TIMEOUT")

	envInt64(&c.HTTP.MaxResponseSize, "ACTIONEXEC_HTTP_MAX_RESPONSE_SIZE")
	envString(&c.HTTP.UserAgent, "ACTIONEXEC_HTTP_USER_AGENT")

	envString(&c.Storage.Provider, "ACTIONEXEC_STORAGE_PROVIDER")
	envString(&c.Storage.RedisURL, "ACTIONEXEC_REDIS_URL", "REDIS_URL")
	envString(&c.Storage.Namespace, "ACTIONEXEC_STORAGE_NAMESPACE")
	envDuration(&c.Storage.TTL, "ACTIONEXEC_STORAGE_TTL")
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.BreakerConfig().Validate(); err != nil {
		return fmt.Errorf("breaker: %w", err)
	}
	for name, d := range map[string]Duration{
		"dedup.completed_ttl":   c.Dedup.CompletedTTL,
		"dedup.failed_ttl":      c.Dedup.FailedTTL,
		"dedup.wait_timeout":    c.Dedup.WaitTimeout,
		"dedup.gc_interval":     c.Dedup.GCInterval,
		"dedup.pending_max_age": c.Dedup.PendingMaxAge,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive: %w", name, core.ErrInvalidConfiguration)
		}
	}
	if c.OAuth.RequestTimeout <= 0 {
		return fmt.Errorf("oauth.request_timeout must be positive: %w", core.ErrInvalidConfiguration)
	}
	if c.HTTP.MaxResponseSize <= 0 {
		return fmt.Errorf("http.max_response_size must be positive: %w", core.ErrInvalidConfiguration)
	}
	switch c.Storage.Provider {
	case "memory":
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for the redis provider: %w", core.ErrMissingConfiguration)
		}
	default:
		return fmt.Errorf("unknown storage provider %q: %w", c.Storage.Provider, core.ErrInvalidConfiguration)
	}
	return nil
}

// RetryPolicy converts the retry section to the HTTP client's policy.
func (c *Config) RetryPolicy() *httpexec.Policy {
	policy := httpexec.DefaultPolicy()
	policy.MaxAttempts = c.Retry.MaxAttempts
	policy.InitialDelay = time.Duration(c.Retry.InitialDelay)
	policy.MaxDelay = time.Duration(c.Retry.MaxDelay)
	policy.BackoffMultiplier = c.Retry.BackoffMultiplier
	policy.Jitter = c.Retry.Jitter
	return policy
}

// BreakerConfig converts the breaker section to the resilience config.
func (c *Config) BreakerConfig() *resilience.Config {
	return &resilience.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		VolumeThreshold:  c.Breaker.VolumeThreshold,
		WindowDuration:   time.Duration(c.Breaker.Window),
		BaseCooldown:     time.Duration(c.Breaker.BaseCooldown),
		MaxCooldown:      time.Duration(c.Breaker.MaxCooldown),
		SuccessThreshold: c.Breaker.SuccessThreshold,
	}
}

// DedupCacheConfig converts the dedup section to a cache config over the
// given store.
func (c *Config) DedupCacheConfig(store core.Memory, logger core.Logger) *dedup.CacheConfig {
	return &dedup.CacheConfig{
		Store:         store,
		CompletedTTL:  time.Duration(c.Dedup.CompletedTTL),
		FailedTTL:     time.Duration(c.Dedup.FailedTTL),
		WaitTimeout:   time.Duration(c.Dedup.WaitTimeout),
		GCInterval:    time.Duration(c.Dedup.GCInterval),
		PendingMaxAge: time.Duration(c.Dedup.PendingMaxAge),
		Logger:        logger,
	}
}

// BuildOAuthManager constructs a token manager with the configured request
// timeout.
func (c *Config) BuildOAuthManager(logger core.Logger) *oauth.Manager {
	return oauth.NewManager(&oauth.ManagerConfig{
		HTTPClient: &http.Client{Timeout: time.Duration(c.OAuth.RequestTimeout)},
		Logger:     logger,
	})
}

// BuildStorage constructs the configured output storage provider.
func (c *Config) BuildStorage(logger core.Logger) (storage.Provider, error) {
	switch c.Storage.Provider {
	case "redis":
		return storage.NewRedisProvider(storage.RedisProviderOptions{
			RedisURL:  c.Storage.RedisURL,
			Namespace: c.Storage.Namespace,
			TTL:       time.Duration(c.Storage.TTL),
			Logger:    logger,
		})
	default:
		return storage.NewMemoryProvider(), nil
	}
}

// BuildDedupStore constructs the shared state store backing deduplication.
// Redis storage implies a shared dedup store; memory stays process-local.
func (c *Config) BuildDedupStore(logger core.Logger) (core.Memory, error) {
	if c.Storage.Provider == "redis" {
		return core.NewRedisStore(core.RedisStoreOptions{
			RedisURL:  c.Storage.RedisURL,
			Namespace: "actionexec:dedup",
			Logger:    logger,
		})
	}
	return core.NewMemoryStore(), nil
}

func envString(target *string, names ...string) {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			*target = v
			return
		}
	}
}

func envInt(target *int, name string) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*target = parsed
		}
	}
}

func envInt64(target *int64, name string) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*target = parsed
		}
	}
}

func envFloat(target *float64, name string) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*target = parsed
		}
	}
}

func envBool(target *bool, name string) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*target = parsed
		}
	}
}

func envDuration(target *Duration, name string) {
	if v := os.Getenv(name); v != "" {
		if parsed, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			*target = Duration(parsed)
		}
	}
}

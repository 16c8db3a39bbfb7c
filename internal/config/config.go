// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider credentials — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig

	// OpenAI-compatible providers (same wire format, different endpoints).
	XAI      ProviderConfig
	DeepSeek ProviderConfig
	Groq     ProviderConfig
	Together ProviderConfig

	// Redis holds the connection URL for the Redis-backed cache and the
	// optional global RPM window. Required only when CacheMode is "redis".
	Redis RedisConfig

	// Route controls rule loading and provider selection.
	Route RouteConfig

	// Cache controls the fingerprint-keyed response cache.
	Cache CacheConfig

	// Breaker controls per-provider circuit breaker thresholds.
	Breaker BreakerConfig

	// RateLimit controls per-scope admission.
	RateLimit RateLimitConfig

	// Retry controls the attempt loop across the provider plan.
	Retry RetryConfig

	// Audit controls the decision-event pipeline.
	Audit AuditConfig

	// HealthProbe controls the background provider health prober.
	HealthProbe HealthProbeConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AllowClientAPIKeys enables forwarding client-supplied Authorization headers
	// directly to the upstream provider. When false (default) the gateway only
	// uses the API keys configured in this file/.env.
	AllowClientAPIKeys bool
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string

	// Models lists the model names (or glob patterns) this provider serves.
	// Empty uses the adapter's built-in defaults.
	Models []string

	// Priority orders providers for selection; lower is preferred. Default: 1.
	Priority int

	// Weight is used by the weighted balancing strategy. Default: 1.
	Weight int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RouteConfig controls rule loading and provider selection.
type RouteConfig struct {
	// RulesPath points to the routing rule file (YAML). Empty disables rules:
	// every request goes to the default pool.
	RulesPath string

	// DefaultPool lists provider ids used when no rule matches. Empty means
	// any provider advertising the requested model.
	DefaultPool []string

	// Strategy selects the load balancer: round_robin, weighted,
	// least_latency, random. Default: round_robin.
	Strategy string

	// ExcludeDegraded drops degraded providers from selection instead of
	// demoting them within their priority band.
	ExcludeDegraded bool
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process LRU cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// MaxEntries caps the in-process cache entry count. Default: 10000.
	MaxEntries int

	// MaxBytes caps the in-process cache total value size. Default: 256 MiB.
	MaxBytes int64

	// PartitionByTenant makes the fingerprint include the tenant id, trading
	// hit rate for tenant isolation. Default: false.
	PartitionByTenant bool

	// ExcludeExact is a list of exact model names that must never be cached.
	// Example: ["gpt-4o-realtime", "claude-3-haiku"]
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against model
	// names. Requests whose model matches any pattern are not cached.
	// Example: ["^ft:", ".*-preview$"]
	ExcludePatterns []string
}

// BreakerConfig controls per-provider circuit breaker settings.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trip the
	// breaker. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of half-open probe successes required to
	// close the breaker again. Default: 2.
	SuccessThreshold int

	// OpenDuration is how long the breaker stays open before allowing a
	// probe. Default: 30s.
	OpenDuration time.Duration

	// HalfOpenMax is the number of concurrent probes allowed in half-open.
	// Default: 1.
	HalfOpenMax int
}

// RateLimitConfig controls per-scope token buckets plus the optional
// Redis-backed global RPM window. A scope with capacity 0 is disabled.
type RateLimitConfig struct {
	TenantCapacity float64
	TenantRefill   float64 // tokens per second

	APIKeyCapacity float64
	APIKeyRefill   float64

	IPCapacity float64
	IPRefill   float64

	GlobalCapacity float64
	GlobalRefill   float64

	// IdleTTL evicts buckets untouched for this long. Default: 10m.
	IdleTTL time.Duration

	// RPMLimit is the cross-replica requests-per-minute cap enforced through
	// Redis. 0 disables it. Default: 0.
	RPMLimit int
}

// RetryConfig controls the attempt loop across the provider plan.
type RetryConfig struct {
	// BaseDelay seeds the exponential backoff. Default: 200ms.
	BaseDelay time.Duration

	// MaxDelay caps a single backoff sleep. Default: 5s.
	MaxDelay time.Duration

	// PerProviderAttempts is how many times one provider may be retried
	// before moving to the next plan entry. Default: 1.
	PerProviderAttempts int

	// RequestDeadline bounds a whole dispatch; the effective deadline is the
	// smaller of this and the client's own deadline. Default: 60s.
	RequestDeadline time.Duration
}

// AuditConfig controls the decision-event pipeline.
type AuditConfig struct {
	// Sink selects where decision events go: "slog", "clickhouse", "none".
	// Default: "slog".
	Sink string

	// Buffer is the in-process event channel size. Default: 10000.
	Buffer int

	// ClickHouseDSN is required when Sink is "clickhouse".
	// Example: clickhouse://default:@localhost:9000/gateway
	ClickHouseDSN string
}

// HealthProbeConfig controls the background provider health prober.
type HealthProbeConfig struct {
	// Interval between probe rounds. 0 disables probing. Default: 30s.
	Interval time.Duration

	// Timeout bounds a single provider probe. Default: 5s.
	Timeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_MAX_ENTRIES", 10_000)
	v.SetDefault("CACHE_MAX_BYTES", 256<<20)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Routing defaults.
	v.SetDefault("ROUTE_STRATEGY", "round_robin")

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_SUCCESS_THRESHOLD", 2)
	v.SetDefault("CB_OPEN_DURATION", "30s")
	v.SetDefault("CB_HALF_OPEN_MAX", 1)

	// Retry defaults.
	v.SetDefault("RETRY_BASE_DELAY", "200ms")
	v.SetDefault("RETRY_MAX_DELAY", "5s")
	v.SetDefault("RETRY_PER_PROVIDER_ATTEMPTS", 1)
	v.SetDefault("REQUEST_DEADLINE", "60s")

	// Rate limit: capacity 0 disables a scope; RPM 0 disables the window.
	v.SetDefault("RATELIMIT_IDLE_TTL", "10m")
	v.SetDefault("RPM_LIMIT", 0)

	// Audit defaults.
	v.SetDefault("AUDIT_SINK", "slog")
	v.SetDefault("AUDIT_BUFFER", 10_000)

	// Health probe defaults.
	v.SetDefault("HEALTH_PROBE_INTERVAL", "30s")
	v.SetDefault("HEALTH_PROBE_TIMEOUT", "5s")

	// Provider defaults.
	v.SetDefault("OPENAI_PRIORITY", 1)
	v.SetDefault("OPENAI_WEIGHT", 1)
	v.SetDefault("ANTHROPIC_PRIORITY", 1)
	v.SetDefault("ANTHROPIC_WEIGHT", 1)
	v.SetDefault("GEMINI_PRIORITY", 1)
	v.SetDefault("GEMINI_WEIGHT", 1)
	v.SetDefault("XAI_PRIORITY", 2)
	v.SetDefault("XAI_WEIGHT", 1)
	v.SetDefault("DEEPSEEK_PRIORITY", 2)
	v.SetDefault("DEEPSEEK_WEIGHT", 1)
	v.SetDefault("GROQ_PRIORITY", 2)
	v.SetDefault("GROQ_WEIGHT", 1)
	v.SetDefault("TOGETHER_PRIORITY", 2)
	v.SetDefault("TOGETHER_WEIGHT", 1)

	// Client API key mode disabled by default.
	v.SetDefault("ALLOW_CLIENT_API_KEYS", false)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    providerConfig(v, "OPENAI", "OPENAI_API_KEY"),
		Anthropic: providerConfig(v, "ANTHROPIC", "ANTHROPIC_API_KEY"),
		Gemini:    providerConfig(v, "GEMINI", "GOOGLE_API_KEY"),

		XAI:      providerConfig(v, "XAI", "XAI_API_KEY"),
		DeepSeek: providerConfig(v, "DEEPSEEK", "DEEPSEEK_API_KEY"),
		Groq:     providerConfig(v, "GROQ", "GROQ_API_KEY"),
		Together: providerConfig(v, "TOGETHER", "TOGETHER_API_KEY"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Route: RouteConfig{
			RulesPath:       v.GetString("ROUTE_RULES_PATH"),
			DefaultPool:     v.GetStringSlice("ROUTE_DEFAULT_POOL"),
			Strategy:        strings.ToLower(v.GetString("ROUTE_STRATEGY")),
			ExcludeDegraded: v.GetBool("ROUTE_EXCLUDE_DEGRADED"),
		},

		Cache: CacheConfig{
			Mode:              strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:               v.GetDuration("CACHE_TTL"),
			MaxEntries:        v.GetInt("CACHE_MAX_ENTRIES"),
			MaxBytes:          v.GetInt64("CACHE_MAX_BYTES"),
			PartitionByTenant: v.GetBool("CACHE_PARTITION_BY_TENANT"),
			ExcludeExact:      v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns:   v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Breaker: BreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			SuccessThreshold: v.GetInt("CB_SUCCESS_THRESHOLD"),
			OpenDuration:     v.GetDuration("CB_OPEN_DURATION"),
			HalfOpenMax:      v.GetInt("CB_HALF_OPEN_MAX"),
		},

		RateLimit: RateLimitConfig{
			TenantCapacity: v.GetFloat64("RATELIMIT_TENANT_CAPACITY"),
			TenantRefill:   v.GetFloat64("RATELIMIT_TENANT_REFILL"),
			APIKeyCapacity: v.GetFloat64("RATELIMIT_APIKEY_CAPACITY"),
			APIKeyRefill:   v.GetFloat64("RATELIMIT_APIKEY_REFILL"),
			IPCapacity:     v.GetFloat64("RATELIMIT_IP_CAPACITY"),
			IPRefill:       v.GetFloat64("RATELIMIT_IP_REFILL"),
			GlobalCapacity: v.GetFloat64("RATELIMIT_GLOBAL_CAPACITY"),
			GlobalRefill:   v.GetFloat64("RATELIMIT_GLOBAL_REFILL"),
			IdleTTL:        v.GetDuration("RATELIMIT_IDLE_TTL"),
			RPMLimit:       v.GetInt("RPM_LIMIT"),
		},

		Retry: RetryConfig{
			BaseDelay:           v.GetDuration("RETRY_BASE_DELAY"),
			MaxDelay:            v.GetDuration("RETRY_MAX_DELAY"),
			PerProviderAttempts: v.GetInt("RETRY_PER_PROVIDER_ATTEMPTS"),
			RequestDeadline:     v.GetDuration("REQUEST_DEADLINE"),
		},

		Audit: AuditConfig{
			Sink:          strings.ToLower(v.GetString("AUDIT_SINK")),
			Buffer:        v.GetInt("AUDIT_BUFFER"),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},

		HealthProbe: HealthProbeConfig{
			Interval: v.GetDuration("HEALTH_PROBE_INTERVAL"),
			Timeout:  v.GetDuration("HEALTH_PROBE_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		AllowClientAPIKeys: v.GetBool("ALLOW_CLIENT_API_KEYS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// providerConfig reads one provider's env block; prefix is the env name stem.
func providerConfig(v *viper.Viper, prefix, keyVar string) ProviderConfig {
	return ProviderConfig{
		APIKey:   v.GetString(keyVar),
		BaseURL:  v.GetString(prefix + "_BASE_URL"),
		Models:   v.GetStringSlice(prefix + "_MODELS"),
		Priority: v.GetInt(prefix + "_PRIORITY"),
		Weight:   v.GetInt(prefix + "_WEIGHT"),
	}
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// At least one provider must be configured unless client-supplied keys are enabled.
	if !c.AllowClientAPIKeys && !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, " +
				"XAI_API_KEY, DEEPSEEK_API_KEY, GROQ_API_KEY, or TOGETHER_API_KEY). " +
				"Set ALLOW_CLIENT_API_KEYS=true to require clients to supply their own keys.",
		)
	}

	// Redis URL is required when cache mode is "redis" or the RPM window is on.
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}
	if c.RateLimit.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when RPM_LIMIT > 0")
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Validate routing strategy.
	switch c.Route.Strategy {
	case "round_robin", "weighted", "least_latency", "random":
	default:
		return fmt.Errorf(
			"config: invalid ROUTE_STRATEGY %q; must be one of: round_robin, weighted, least_latency, random",
			c.Route.Strategy,
		)
	}

	// Validate audit sink.
	switch c.Audit.Sink {
	case "slog", "clickhouse", "none":
	default:
		return fmt.Errorf(
			"config: invalid AUDIT_SINK %q; must be one of: slog, clickhouse, none",
			c.Audit.Sink,
		)
	}
	if c.Audit.Sink == "clickhouse" && c.Audit.ClickHouseDSN == "" {
		return fmt.Errorf("config: CLICKHOUSE_DSN is required when AUDIT_SINK=clickhouse")
	}

	// Circuit breaker sanity checks.
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("config: CB_SUCCESS_THRESHOLD must be >= 1, got %d", c.Breaker.SuccessThreshold)
	}
	if c.Breaker.OpenDuration <= 0 {
		return fmt.Errorf("config: CB_OPEN_DURATION must be a positive duration")
	}
	if c.Retry.PerProviderAttempts < 1 {
		return fmt.Errorf("config: RETRY_PER_PROVIDER_ATTEMPTS must be >= 1, got %d", c.Retry.PerProviderAttempts)
	}
	if c.Retry.RequestDeadline <= 0 {
		return fmt.Errorf("config: REQUEST_DEADLINE must be a positive duration")
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.Together.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

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
// Only one provider key is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// LRU cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/perimetric/modelgate/internal/registry"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// First-party provider adapters — at least one key must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	Mistral   ProviderConfig

	// Compat lists OpenAI-wire-compatible providers served by the generic
	// adapter. Entries without an API key are disabled.
	Compat []CompatProviderConfig

	// Routes is the extra routing table loaded from ROUTE_RULES, applied on
	// top of the built-in rules. Format: "pattern=provider" entries.
	Routes []registry.Rule

	// Redis holds the connection URL for the Redis-backed cache.
	// Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// Cache controls response caching and request coalescing.
	Cache CacheConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Sink controls request accounting output.
	Sink SinkConfig

	// UpstreamTimeout is the per-request upstream deadline for non-streaming
	// calls. Default: 30s.
	UpstreamTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AllowClientAPIKeys enables forwarding client-supplied Authorization
	// headers directly to the upstream provider. When false (default) the
	// gateway only uses the API keys configured in this file/.env.
	AllowClientAPIKeys bool
}

// ProviderConfig holds configuration for a single provider adapter.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// CompatProviderConfig describes one OpenAI-compatible provider.
type CompatProviderConfig struct {
	// Name is the provider identifier used in routing rules and metrics.
	Name string
	// APIKey is the provider API key. Empty disables the provider.
	APIKey string
	// BaseURL is the provider's OpenAI-compatible API root.
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Shared across replicas.
	//   "memory" — In-process LRU cache. No external deps.
	//   "none"   — Cache disabled; concurrent identical requests are still coalesced.
	// Default: "memory".
	Mode string

	// TTL is the time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// Capacity is the maximum entry count of the in-process LRU cache.
	// Ignored in redis mode. Default: 4096.
	Capacity int

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of regular expressions matched against
	// model names, e.g. "^gpt-4". Matching requests bypass the cache.
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trip
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// SinkConfig controls where per-request accounting events go.
type SinkConfig struct {
	// Mode selects the backend: "stdout" (structured log lines) or
	// "clickhouse". Default: "stdout".
	Mode string

	// ClickHouseDSN is the clickhouse:// connection string. Required when
	// Mode is "clickhouse".
	ClickHouseDSN string
}

// Default base URLs for the OpenAI-compatible providers.
var compatDefaults = []struct {
	name, envPrefix, baseURL string
}{
	{"xai", "XAI", "https://api.x.ai/v1"},
	{"deepseek", "DEEPSEEK", "https://api.deepseek.com/v1"},
	{"groq", "GROQ", "https://api.groq.com/openai/v1"},
	{"together", "TOGETHER", "https://api.together.xyz/v1"},
	{"perplexity", "PERPLEXITY", "https://api.perplexity.ai"},
	{"cerebras", "CEREBRAS", "https://api.cerebras.ai/v1"},
	{"moonshot", "MOONSHOT", "https://api.moonshot.ai/v1"},
	{"qwen", "QWEN", "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"},
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
	v.SetDefault("CACHE_CAPACITY", 4096)
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("SINK_MODE", "stdout")
	v.SetDefault("ALLOW_CLIENT_API_KEYS", false)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		Mistral:   ProviderConfig{APIKey: v.GetString("MISTRAL_API_KEY"), BaseURL: v.GetString("MISTRAL_BASE_URL")},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			Capacity:        v.GetInt("CACHE_CAPACITY"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		Sink: SinkConfig{
			Mode:          strings.ToLower(v.GetString("SINK_MODE")),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},

		UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),

		AllowClientAPIKeys: v.GetBool("ALLOW_CLIENT_API_KEYS"),
	}

	for _, d := range compatDefaults {
		baseURL := v.GetString(d.envPrefix + "_BASE_URL")
		if baseURL == "" {
			baseURL = d.baseURL
		}
		cfg.Compat = append(cfg.Compat, CompatProviderConfig{
			Name:    d.name,
			APIKey:  v.GetString(d.envPrefix + "_API_KEY"),
			BaseURL: baseURL,
		})
	}

	routes, err := parseRouteRules(v.GetStringSlice("ROUTE_RULES"))
	if err != nil {
		return nil, err
	}
	cfg.Routes = routes

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseRouteRules parses "pattern=provider" entries into registry rules.
func parseRouteRules(entries []string) ([]registry.Rule, error) {
	rules := make([]registry.Rule, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		pattern, provider, ok := strings.Cut(e, "=")
		if !ok || strings.TrimSpace(pattern) == "" || strings.TrimSpace(provider) == "" {
			return nil, fmt.Errorf("config: invalid ROUTE_RULES entry %q; expected pattern=provider", e)
		}
		rules = append(rules, registry.Rule{
			Pattern:  strings.TrimSpace(pattern),
			Provider: strings.TrimSpace(provider),
		})
	}
	return rules, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AllowClientAPIKeys && !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, MISTRAL_API_KEY, " +
				"XAI_API_KEY, DEEPSEEK_API_KEY, GROQ_API_KEY, TOGETHER_API_KEY, " +
				"PERPLEXITY_API_KEY, CEREBRAS_API_KEY, MOONSHOT_API_KEY, or QWEN_API_KEY). " +
				"Set ALLOW_CLIENT_API_KEYS=true to require clients to supply their own keys.",
		)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	if c.Cache.Capacity < 1 {
		return fmt.Errorf("config: CACHE_CAPACITY must be ≥ 1, got %d", c.Cache.Capacity)
	}

	switch c.Sink.Mode {
	case "stdout", "clickhouse":
	default:
		return fmt.Errorf(
			"config: invalid SINK_MODE %q; must be one of: stdout, clickhouse",
			c.Sink.Mode,
		)
	}
	if c.Sink.Mode == "clickhouse" && c.Sink.ClickHouseDSN == "" {
		return fmt.Errorf("config: CLICKHOUSE_DSN is required when SINK_MODE=clickhouse")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	if c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Mistral.APIKey != "" {
		return true
	}
	for _, p := range c.Compat {
		if p.APIKey != "" {
			return true
		}
	}
	return false
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

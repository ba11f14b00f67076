// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// spec.md §6 describes the configuration shape as "providers (type,
// base-url, credential reference, timeouts), models (client key → provider
// key + upstream name + max-context + capabilities), and feature toggles" —
// this package loads exactly those three declarative tables, plus the
// ambient concerns (port, log level, cache/store backends) a running
// process needs that spec.md treats as opaque implementation detail.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/ki2pixel/kimi-proxy/internal/providers"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// Host is the interface the HTTP server binds to. Default: "0.0.0.0".
	Host string

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// SelfHost is host:port this proxy itself listens on, used by the
	// Router's anti-loop check (spec.md §4.1, P7). Derived from Host:Port
	// unless overridden.
	SelfHost string

	// Providers is the declarative provider table — spec.md §6's
	// "providers (type, base-url, credential reference, timeouts)".
	Providers []providers.ProviderConfig

	// Models is the declarative model table — spec.md §6's "models (client
	// key -> provider key + upstream name + max-context + capabilities)".
	Models []providers.ModelConfig

	// MCPPeers is the set of configured MCP egress peers (spec.md §6).
	MCPPeers []MCPPeerConfig

	// Store controls which persistence backend internal/store uses.
	Store StoreConfig

	// Cache controls the response cache.
	Cache CacheConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Failover controls multi-provider retry behaviour.
	Failover FailoverConfig

	// Compaction controls Context Compaction feature toggles.
	Compaction CompactionConfig

	// Masking controls observation-masking thresholds (spec.md §6).
	Masking MaskingConfig

	// Hub controls the Observation Fan-Out hub.
	Hub HubConfig

	// AutoSession enables the Router's auto-session-creation behavior
	// (spec.md §4.1).
	AutoSession bool

	// Summarizer configures the Context Compaction external summarization
	// peer (Anthropic Messages API — see internal/summarizer).
	Summarizer SummarizerConfig

	// Memory configures the optional embeddings-backed semantic-kind
	// classifier used when a memory entry is recorded.
	Memory MemoryConfig

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string
}

// MCPPeerConfig is one configured MCP egress peer (spec.md §6).
type MCPPeerConfig struct {
	Name    string
	Addr    string
	Timeout time.Duration
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	// Backend is "clickhouse" or "memory". Default: "memory".
	Backend string

	ClickHouse ClickHouseConfig

	// MemoryPromotionThreshold is the access-count an episodic memory entry
	// must reach before auto-promoting to frequent.
	MemoryPromotionThreshold int

	// BlobMaxAge bounds how long masked blobs are retained in-memory.
	BlobMaxAge time.Duration
}

// ClickHouseConfig holds ClickHouse connection parameters.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend: "redis", "memory", or "none".
	Mode string

	TTL             time.Duration
	ExcludeExact    []string
	ExcludePatterns []string

	RedisURL string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally. 0 disables it.
	RPMLimit int
}

// FailoverConfig controls multi-provider retry behaviour.
type FailoverConfig struct {
	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Default: providers.MaxRetries.
	MaxRetries int
}

// CompactionConfig controls Context Compaction feature toggles (spec.md §4.4).
type CompactionConfig struct {
	AutoThreshold  float64
	Cooldown       time.Duration
	MaxConsecutive int
	KeepPairs      int
	TargetRatio    float64
	MinReduction   float64
}

// MaskingConfig controls observation-masking thresholds (spec.md §6).
type MaskingConfig struct {
	Threshold int
	Head      int
	Tail      int
}

// HubConfig controls the Observation Fan-Out hub.
type HubConfig struct {
	QueueSize       int
	SnapshotMetrics int
}

// SummarizerConfig configures the external summarization peer.
type SummarizerConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// MemoryConfig configures the optional embeddings-backed classifier.
type MemoryConfig struct {
	// EmbeddingProviderKey names a provider in Providers whose credential is
	// reused for the embeddings client. Empty disables classification.
	EmbeddingProviderKey string
	EmbeddingModel       string
}

var credentialRefPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
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

	setDefaults(v)

	providerCfgs, err := loadProviders(v)
	if err != nil {
		return nil, err
	}
	modelCfgs := loadModels(v)
	mcpPeers := loadMCPPeers(v)

	host := v.GetString("HOST")
	port := v.GetInt("PORT")
	selfHost := v.GetString("SELF_HOST")
	if selfHost == "" {
		selfHost = fmt.Sprintf("%s:%d", host, port)
	}

	cfg := &Config{
		Port:        port,
		Host:        host,
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		SelfHost:    selfHost,
		Providers:   providerCfgs,
		Models:      modelCfgs,
		MCPPeers:    mcpPeers,
		AutoSession: v.GetBool("AUTO_SESSION"),

		Store: StoreConfig{
			Backend: strings.ToLower(v.GetString("STORE_BACKEND")),
			ClickHouse: ClickHouseConfig{
				Addr:     v.GetString("CLICKHOUSE_ADDR"),
				Database: v.GetString("CLICKHOUSE_DATABASE"),
				Username: v.GetString("CLICKHOUSE_USERNAME"),
				Password: v.GetString("CLICKHOUSE_PASSWORD"),
			},
			MemoryPromotionThreshold: v.GetInt("MEMORY_PROMOTION_THRESHOLD"),
			BlobMaxAge:               v.GetDuration("BLOB_MAX_AGE"),
		},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
			RedisURL:        v.GetString("REDIS_URL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{RPMLimit: v.GetInt("RPM_LIMIT")},

		Failover: FailoverConfig{MaxRetries: v.GetInt("MAX_RETRIES")},

		Compaction: CompactionConfig{
			AutoThreshold:  v.GetFloat64("COMPACTION_AUTO_THRESHOLD"),
			Cooldown:       v.GetDuration("COMPACTION_COOLDOWN"),
			MaxConsecutive: v.GetInt("COMPACTION_MAX_CONSECUTIVE"),
			KeepPairs:      v.GetInt("COMPACTION_KEEP_PAIRS"),
			TargetRatio:    v.GetFloat64("COMPACTION_TARGET_RATIO"),
			MinReduction:   v.GetFloat64("COMPACTION_MIN_REDUCTION"),
		},

		Masking: MaskingConfig{
			Threshold: v.GetInt("MASKING_THRESHOLD"),
			Head:      v.GetInt("MASKING_HEAD"),
			Tail:      v.GetInt("MASKING_TAIL"),
		},

		Hub: HubConfig{
			QueueSize:       v.GetInt("HUB_QUEUE_SIZE"),
			SnapshotMetrics: v.GetInt("HUB_SNAPSHOT_METRICS"),
		},

		Summarizer: SummarizerConfig{
			APIKey:  v.GetString("ANTHROPIC_API_KEY"),
			BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			Model:   v.GetString("SUMMARIZER_MODEL"),
		},

		Memory: MemoryConfig{
			EmbeddingProviderKey: v.GetString("MEMORY_EMBEDDING_PROVIDER"),
			EmbeddingModel:       v.GetString("MEMORY_EMBEDDING_MODEL"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("MEMORY_PROMOTION_THRESHOLD", 3)
	v.SetDefault("BLOB_MAX_AGE", "168h")

	v.SetDefault("CB_ERROR_THRESHOLD", providers.CBErrorThreshold)
	v.SetDefault("CB_TIME_WINDOW", providers.CBTimeWindow)
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", providers.CBHalfOpenTimeout)

	v.SetDefault("MAX_RETRIES", providers.MaxRetries)
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("COMPACTION_AUTO_THRESHOLD", 0.85)
	v.SetDefault("COMPACTION_COOLDOWN", "5m")
	v.SetDefault("COMPACTION_MAX_CONSECUTIVE", 3)
	v.SetDefault("COMPACTION_KEEP_PAIRS", 5)
	v.SetDefault("COMPACTION_TARGET_RATIO", 0.5)
	v.SetDefault("COMPACTION_MIN_REDUCTION", 0.2)

	v.SetDefault("MASKING_THRESHOLD", 4000)
	v.SetDefault("MASKING_HEAD", 2000)
	v.SetDefault("MASKING_TAIL", 2000)

	v.SetDefault("HUB_QUEUE_SIZE", 64)
	v.SetDefault("HUB_SNAPSHOT_METRICS", 20)

	v.SetDefault("SUMMARIZER_MODEL", "claude-3-5-haiku-20241022")
	v.SetDefault("MEMORY_EMBEDDING_MODEL", "text-embedding-3-small")

	v.SetDefault("AUTO_SESSION", true)
}

// providerEntry mirrors the YAML shape of one `providers:` table row.
type providerEntry struct {
	Key               string  `mapstructure:"key"`
	Type              string  `mapstructure:"type"`
	BaseURL           string  `mapstructure:"base_url"`
	CredentialRef     string  `mapstructure:"credential_ref"`
	CostPerMToken     float64 `mapstructure:"cost_per_m_token"`
	AvgLatencyMS      float64 `mapstructure:"avg_latency_ms"`
	ConnectTimeoutMS  int     `mapstructure:"connect_timeout_ms"`
	StreamIdleTimeout int     `mapstructure:"stream_idle_timeout_ms"`
	TotalTimeoutMS    int     `mapstructure:"total_timeout_ms"`
}

// modelEntry mirrors the YAML shape of one `models:` table row.
type modelEntry struct {
	ClientKey    string   `mapstructure:"client_key"`
	UpstreamName string   `mapstructure:"upstream_name"`
	ProviderKey  string   `mapstructure:"provider_key"`
	MaxContext   int      `mapstructure:"max_context"`
	Capabilities []string `mapstructure:"capabilities"`
}

// mcpPeerEntry mirrors the YAML shape of one `mcp_peers:` table row.
type mcpPeerEntry struct {
	Name       string `mapstructure:"name"`
	Addr       string `mapstructure:"addr"`
	TimeoutMS  int    `mapstructure:"timeout_ms"`
}

// loadProviders parses the declarative `providers:` table and expands every
// `${NAME}` credential reference exactly once. An unresolved reference is a
// config_error — fatal at startup per spec.md §7.
func loadProviders(v *viper.Viper) ([]providers.ProviderConfig, error) {
	var entries []providerEntry
	if err := v.UnmarshalKey("providers", &entries); err != nil {
		return nil, fmt.Errorf("config: parse providers table: %w", err)
	}

	out := make([]providers.ProviderConfig, 0, len(entries))
	for _, e := range entries {
		cred, err := expandCredentialRef(e.CredentialRef)
		if err != nil {
			return nil, err
		}
		pt := providers.ProviderType(e.Type)
		if !pt.Valid() {
			return nil, fmt.Errorf("config: provider %q: invalid type %q", e.Key, e.Type)
		}
		out = append(out, providers.ProviderConfig{
			Key:               e.Key,
			Type:              pt,
			BaseURL:           e.BaseURL,
			CredentialRef:     e.CredentialRef,
			Credential:        cred,
			CostPerMToken:     e.CostPerMToken,
			AvgLatencyMS:      e.AvgLatencyMS,
			ConnectTimeout:    durationOrDefault(e.ConnectTimeoutMS, providers.ConnectTimeout),
			StreamIdleTimeout: durationOrDefault(e.StreamIdleTimeout, providers.StreamIdleTimeout),
			TotalTimeout:      durationOrDefault(e.TotalTimeoutMS, providers.TotalTimeout),
		})
	}
	return out, nil
}

func loadModels(v *viper.Viper) []providers.ModelConfig {
	var entries []modelEntry
	_ = v.UnmarshalKey("models", &entries)
	out := make([]providers.ModelConfig, 0, len(entries))
	for _, e := range entries {
		out = append(out, providers.ModelConfig{
			ClientKey:    e.ClientKey,
			UpstreamName: e.UpstreamName,
			ProviderKey:  e.ProviderKey,
			MaxContext:   e.MaxContext,
			Capabilities: e.Capabilities,
		})
	}
	return out
}

func loadMCPPeers(v *viper.Viper) []MCPPeerConfig {
	var entries []mcpPeerEntry
	_ = v.UnmarshalKey("mcp_peers", &entries)
	out := make([]MCPPeerConfig, 0, len(entries))
	for _, e := range entries {
		timeout := time.Duration(e.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		out = append(out, MCPPeerConfig{Name: e.Name, Addr: e.Addr, Timeout: timeout})
	}
	return out
}

func durationOrDefault(ms int, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// expandCredentialRef resolves a "${NAME}" reference against the process
// environment. An empty ref is valid (provider needs no credential, e.g. a
// local mock). A non-empty ref that isn't "${NAME}"-shaped, or whose NAME is
// unset, is a startup config_error (spec.md §6: "unresolved names are
// rejected at startup").
func expandCredentialRef(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	m := credentialRefPattern.FindStringSubmatch(ref)
	if m == nil {
		return "", fmt.Errorf("config: credential_ref %q is not of the form ${NAME}", ref)
	}
	name := m[1]
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("config: credential_ref ${%s} has no corresponding environment variable", name)
	}
	return val, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one entry is required under \"providers\"")
	}
	providerKeys := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		providerKeys[p.Key] = true
	}
	for _, m := range c.Models {
		if !providerKeys[m.ProviderKey] {
			return fmt.Errorf("config: model %q references unknown provider %q", m.ClientKey, m.ProviderKey)
		}
	}

	if c.Cache.Mode == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis; set CACHE_MODE=memory to use the built-in in-process cache")
	}
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}

	switch c.Store.Backend {
	case "clickhouse", "memory":
	default:
		return fmt.Errorf("config: invalid STORE_BACKEND %q; must be one of: clickhouse, memory", c.Store.Backend)
	}
	if c.Store.Backend == "clickhouse" && c.Store.ClickHouse.Addr == "" {
		return fmt.Errorf("config: CLICKHOUSE_ADDR is required when STORE_BACKEND=clickhouse")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be >= 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be >= 1, got %d", c.Failover.MaxRetries)
	}

	return nil
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

// Package conf loads the proxy's single YAML configuration file (with
// environment-variable overrides) into the typed Config tree consumed by
// every fx-provided component.
package conf

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/looplj/cacheproxy/internal/log"
)

// APIEndpoint is one upstream entry in api_endpoints.
type APIEndpoint struct {
	URL     string `mapstructure:"url" yaml:"url" json:"url"`
	Weight  int    `mapstructure:"weight" yaml:"weight" json:"weight"`
	Model   string `mapstructure:"model" yaml:"model" json:"model"`
	Version int    `mapstructure:"version" yaml:"version" json:"version"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key" json:"api_key"`
}

// CacheConfig is the cache.* section.
type CacheConfig struct {
	Enabled        bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	MaxItems       int  `mapstructure:"max_items" yaml:"max_items" json:"max_items"`
	BatchWriteSize int  `mapstructure:"batch_write_size" yaml:"batch_write_size" json:"batch_write_size"`
}

// IdleFlushConfig is the idle_flush.* section.
type IdleFlushConfig struct {
	Enabled              bool  `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	IdleTimeoutSeconds   int64 `mapstructure:"idle_timeout_seconds" yaml:"idle_timeout_seconds" json:"idle_timeout_seconds"`
	CheckIntervalSeconds int64 `mapstructure:"check_interval_seconds" yaml:"check_interval_seconds" json:"check_interval_seconds"`
}

// MaintenanceConfig is the cache_maintenance.* section.
type MaintenanceConfig struct {
	Enabled          bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	IntervalHours    int  `mapstructure:"interval_hours" yaml:"interval_hours" json:"interval_hours"`
	RetentionDays    int  `mapstructure:"retention_days" yaml:"retention_days" json:"retention_days"`
	CleanupOnStartup bool `mapstructure:"cleanup_on_startup" yaml:"cleanup_on_startup" json:"cleanup_on_startup"`
	MinHitCount      int  `mapstructure:"min_hit_count" yaml:"min_hit_count" json:"min_hit_count"`
}

// SummaryAPIConfig is the context_trim.summary_api.* section.
type SummaryAPIConfig struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Endpoints      []APIEndpoint `mapstructure:"endpoints" yaml:"endpoints" json:"endpoints"`
	APIKeyEnv      string        `mapstructure:"api_key_env" yaml:"api_key_env" json:"api_key_env"`
	MaxTokens      int           `mapstructure:"max_tokens" yaml:"max_tokens" json:"max_tokens"`
	Temperature    float64       `mapstructure:"temperature" yaml:"temperature" json:"temperature"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds" yaml:"timeout_seconds" json:"timeout_seconds"`
}

// ContextTrimConfig is the context_trim.* section.
type ContextTrimConfig struct {
	Enabled               bool             `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	MaxContextTokens      int              `mapstructure:"max_context_tokens" yaml:"max_context_tokens" json:"max_context_tokens"`
	SmartEnabled          bool             `mapstructure:"smart_enabled" yaml:"smart_enabled" json:"smart_enabled"`
	SmartMaxTokens        int              `mapstructure:"smart_max_tokens" yaml:"smart_max_tokens" json:"smart_max_tokens"`
	PerMessageOverhead    int              `mapstructure:"per_message_overhead" yaml:"per_message_overhead" json:"per_message_overhead"`
	MinKeepPairs          int              `mapstructure:"min_keep_pairs" yaml:"min_keep_pairs" json:"min_keep_pairs"`
	SummaryAggressiveness int              `mapstructure:"summary_aggressiveness" yaml:"summary_aggressiveness" json:"summary_aggressiveness"`
	SummaryMode           string           `mapstructure:"summary_mode" yaml:"summary_mode" json:"summary_mode"`
	SummaryAPI            SummaryAPIConfig `mapstructure:"summary_api" yaml:"summary_api" json:"summary_api"`
}

// CORSConfig mirrors the server's cross-origin policy.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods" yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers" yaml:"allowed_headers" json:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers" yaml:"exposed_headers" json:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials" yaml:"allow_credentials" json:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" yaml:"max_age" json:"max_age"`
}

// ServerConfig is the server.* section.
type ServerConfig struct {
	Port              int           `mapstructure:"port" yaml:"port" json:"port"`
	Name              string        `mapstructure:"name" yaml:"name" json:"name"`
	BasePath          string        `mapstructure:"base_path" yaml:"base_path" json:"base_path"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" json:"request_timeout"`
	LLMRequestTimeout time.Duration `mapstructure:"llm_request_timeout" yaml:"llm_request_timeout" json:"llm_request_timeout"`
	Debug             bool          `mapstructure:"debug" yaml:"debug" json:"debug"`
	CORS              CORSConfig    `mapstructure:"cors" yaml:"cors" json:"cors"`
}

// Config is the full configuration surface, unmarshaled from a single YAML
// file with environment-variable overrides layered on top.
type Config struct {
	DatabaseURL           string            `mapstructure:"database_url" yaml:"database_url" json:"database_url"`
	APIEndpoints          []APIEndpoint     `mapstructure:"api_endpoints" yaml:"api_endpoints" json:"api_endpoints"`
	UseCurl               bool              `mapstructure:"use_curl" yaml:"use_curl" json:"use_curl"`
	UseProxy              bool              `mapstructure:"use_proxy" yaml:"use_proxy" json:"use_proxy"`
	EnableThinking        *bool             `mapstructure:"enable_thinking" yaml:"enable_thinking" json:"enable_thinking"`
	CacheHitPoolSize      int               `mapstructure:"cache_hit_pool_size" yaml:"cache_hit_pool_size" json:"cache_hit_pool_size"`
	CacheMissPoolSize     int               `mapstructure:"cache_miss_pool_size" yaml:"cache_miss_pool_size" json:"cache_miss_pool_size"`
	MaxConcurrentRequests int64             `mapstructure:"max_concurrent_requests" yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	CacheOverrideMode     bool              `mapstructure:"cache_override_mode" yaml:"cache_override_mode" json:"cache_override_mode"`
	CacheVersion          int               `mapstructure:"cache_version" yaml:"cache_version" json:"cache_version"`
	APIHeaders            map[string]string `mapstructure:"api_headers" yaml:"api_headers" json:"api_headers"`
	Cache                 CacheConfig       `mapstructure:"cache" yaml:"cache" json:"cache"`
	IdleFlush             IdleFlushConfig   `mapstructure:"idle_flush" yaml:"idle_flush" json:"idle_flush"`
	CacheMaintenance      MaintenanceConfig `mapstructure:"cache_maintenance" yaml:"cache_maintenance" json:"cache_maintenance"`
	ContextTrim           ContextTrimConfig `mapstructure:"context_trim" yaml:"context_trim" json:"context_trim"`
	Server                ServerConfig      `mapstructure:"server" yaml:"server" json:"server"`
	Log                   log.Config        `mapstructure:"log" yaml:"log" json:"log"`
}

// envPrefix namespaces every environment-variable override, e.g.
// CACHEPROXY_SERVER_PORT for server.port.
const envPrefix = "CACHEPROXY"

// defaultConfigPaths are searched, in order, when CACHEPROXY_CONFIG is unset.
var defaultConfigPaths = []string{"./config.yaml", "./config.yml", "/etc/cacheproxy/config.yaml"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.name", "cacheproxy")
	v.SetDefault("server.base_path", "/")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.llm_request_timeout", 120*time.Second)
	v.SetDefault("server.cors.enabled", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database_url", "./cacheproxy.db")
	v.SetDefault("use_curl", false)
	v.SetDefault("use_proxy", false)
	v.SetDefault("cache_hit_pool_size", 8)
	v.SetDefault("cache_miss_pool_size", 8)
	v.SetDefault("max_concurrent_requests", 16)
	v.SetDefault("cache_override_mode", false)
	v.SetDefault("cache_version", 1)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.max_items", 1000)
	v.SetDefault("cache.batch_write_size", 50)

	v.SetDefault("idle_flush.enabled", true)
	v.SetDefault("idle_flush.idle_timeout_seconds", 30)
	v.SetDefault("idle_flush.check_interval_seconds", 10)

	v.SetDefault("cache_maintenance.enabled", true)
	v.SetDefault("cache_maintenance.interval_hours", 24)
	v.SetDefault("cache_maintenance.retention_days", 30)
	v.SetDefault("cache_maintenance.cleanup_on_startup", false)
	v.SetDefault("cache_maintenance.min_hit_count", 0)

	v.SetDefault("context_trim.enabled", false)
	v.SetDefault("context_trim.max_context_tokens", 8000)
	v.SetDefault("context_trim.smart_enabled", false)
	v.SetDefault("context_trim.smart_max_tokens", 6000)
	v.SetDefault("context_trim.per_message_overhead", 4)
	v.SetDefault("context_trim.min_keep_pairs", 2)
	v.SetDefault("context_trim.summary_aggressiveness", 3)
	v.SetDefault("context_trim.summary_mode", "local")
	v.SetDefault("context_trim.summary_api.enabled", false)
	v.SetDefault("context_trim.summary_api.timeout_seconds", 10)
}

// Load reads the configuration file named by CACHEPROXY_CONFIG, or the
// first of defaultConfigPaths that exists, applying environment overrides
// under the CACHEPROXY_ prefix (e.g. CACHEPROXY_SERVER_PORT).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := resolveConfigPath()
	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.APIEndpoints) == 0 {
		return nil, fmt.Errorf("config: api_endpoints must contain at least one entry")
	}

	return &cfg, nil
}

func resolveConfigPath() string {
	if p := os.Getenv(envPrefix + "_CONFIG"); p != "" {
		return p
	}

	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/proxy-rotator/internal/pool"
	"github.com/spf13/viper"
)

type Config struct {
	Pool      PoolConfig      `json:"pool" mapstructure:"pool"`
	Rotation  RotationConfig  `json:"rotation" mapstructure:"rotation"`
	Health    HealthConfig    `json:"health" mapstructure:"health"`
	Transport TransportConfig `json:"transport" mapstructure:"transport"`
	Sources   SourcesConfig   `json:"sources" mapstructure:"sources"`
	API       APIConfig       `json:"api" mapstructure:"api"`
	Storage   StorageConfig   `json:"storage" mapstructure:"storage"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`

	mu       sync.RWMutex
	filePath string
}

type PoolConfig struct {
	Proxies     []ProxyEntry `json:"proxies" mapstructure:"proxies"`
	Scheme      string       `json:"scheme" mapstructure:"scheme"` // "http", "https", "socks4", "socks5"
	Username    string       `json:"username" mapstructure:"username"`
	Password    string       `json:"password" mapstructure:"password"`
	PasswordEnv string       `json:"password_env" mapstructure:"password_env"`
}

type ProxyEntry struct {
	Address string `json:"address" mapstructure:"address"`
	Port    int    `json:"port" mapstructure:"port"`
}

type RotationConfig struct {
	RotateEverySeconds      int  `json:"rotate_every_seconds" mapstructure:"rotate_every_seconds"`
	MaxRequestsPerProxy     int  `json:"max_requests_per_proxy" mapstructure:"max_requests_per_proxy"`
	PreserveHealthOnRebuild bool `json:"preserve_health_on_rebuild" mapstructure:"preserve_health_on_rebuild"`
	RecheckOnRebuild        bool `json:"recheck_on_rebuild" mapstructure:"recheck_on_rebuild"`
	Verbose                 bool `json:"verbose" mapstructure:"verbose"`
}

type HealthConfig struct {
	ReachabilityURL     string   `json:"reachability_url" mapstructure:"reachability_url"` // empty probes the proxy's own address
	ProbeDomains        []string `json:"probe_domains" mapstructure:"probe_domains"`
	TimeoutMs           int      `json:"timeout_ms" mapstructure:"timeout_ms"`
	Concurrency         int      `json:"concurrency" mapstructure:"concurrency"`
	IntervalSeconds     int      `json:"interval_seconds" mapstructure:"interval_seconds"`
	EnableFastFilter    bool     `json:"enable_fast_filter" mapstructure:"enable_fast_filter"`
	FastFilterTimeoutMs int      `json:"fast_filter_timeout_ms" mapstructure:"fast_filter_timeout_ms"`
}

type TransportConfig struct {
	ConnectTimeoutMs   int     `json:"connect_timeout_ms" mapstructure:"connect_timeout_ms"`
	ReadTimeoutMs      int     `json:"read_timeout_ms" mapstructure:"read_timeout_ms"`
	Retries            int     `json:"retries" mapstructure:"retries"`
	BackoffFactor      float64 `json:"backoff_factor" mapstructure:"backoff_factor"`
	RetryStatuses      []int   `json:"retry_statuses" mapstructure:"retry_statuses"`
	FollowRedirects    bool    `json:"follow_redirects" mapstructure:"follow_redirects"`
	InsecureSkipVerify bool    `json:"insecure_skip_verify" mapstructure:"insecure_skip_verify"`
	UserAgent          string  `json:"user_agent" mapstructure:"user_agent"`
	BridgeAddr         string  `json:"bridge_addr" mapstructure:"bridge_addr"` // local SOCKS5 bridge, e.g. Tor
}

type SourcesConfig struct {
	IntervalSeconds int      `json:"interval_seconds" mapstructure:"interval_seconds"`
	UserAgent       string   `json:"user_agent" mapstructure:"user_agent"`
	Sources         []Source `json:"sources" mapstructure:"sources"`
}

type Source struct {
	URL      string `json:"url" mapstructure:"url"`
	Type     string `json:"type" mapstructure:"type"`         // "text" or "html"
	Selector string `json:"selector" mapstructure:"selector"` // table rows for "html"
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
}

type APIConfig struct {
	Enabled            bool   `json:"enabled" mapstructure:"enabled"`
	Addr               string `json:"addr" mapstructure:"addr"`
	APIKeyEnv          string `json:"api_key_env" mapstructure:"api_key_env"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	EnableAPIKeyAuth   bool   `json:"enable_api_key_auth" mapstructure:"enable_api_key_auth"`
	EnableIPRateLimit  bool   `json:"enable_ip_rate_limit" mapstructure:"enable_ip_rate_limit"`
}

type StorageConfig struct {
	Type                   string `json:"type" mapstructure:"type"` // "none", "file", "sqlite", "redis"
	Path                   string `json:"path" mapstructure:"path"`
	PersistIntervalSeconds int    `json:"persist_interval_seconds" mapstructure:"persist_interval_seconds"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint  string `json:"endpoint" mapstructure:"endpoint"`
	Namespace string `json:"namespace" mapstructure:"namespace"`
}

type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"` // "json" or "text"
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.scheme", "http")

	v.SetDefault("rotation.rotate_every_seconds", 60)
	v.SetDefault("rotation.max_requests_per_proxy", 10)

	v.SetDefault("health.probe_domains", []string{"google.com", "facebook.com"})
	v.SetDefault("health.timeout_ms", 10000)
	v.SetDefault("health.concurrency", 20)
	v.SetDefault("health.interval_seconds", 300)
	v.SetDefault("health.fast_filter_timeout_ms", 2000)

	v.SetDefault("transport.connect_timeout_ms", 5000)
	v.SetDefault("transport.read_timeout_ms", 10000)
	v.SetDefault("transport.retries", 3)
	v.SetDefault("transport.backoff_factor", 0.5)
	v.SetDefault("transport.retry_statuses", []int{500, 502, 503, 504})
	v.SetDefault("transport.follow_redirects", true)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", ":8083")
	v.SetDefault("api.rate_limit_per_minute", 1200)

	v.SetDefault("storage.type", "none")
	v.SetDefault("storage.path", "/data/pool-status.json")
	v.SetDefault("storage.persist_interval_seconds", 300)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", "/metrics")
	v.SetDefault("metrics.namespace", "proxyrotator")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from a JSON file. Environment variables prefixed
// with PROXYROTATOR_ override file values (PROXYROTATOR_POOL_SCHEME, ...). An
// empty path yields the defaults.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("PROXYROTATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.filePath = filePath

	if cfg.Pool.Password == "" && cfg.Pool.PasswordEnv != "" {
		cfg.Pool.Password = os.Getenv(cfg.Pool.PasswordEnv)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	globalConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// Reload reloads configuration from file
func (c *Config) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newCfg, err := Load(c.filePath)
	if err != nil {
		return err
	}

	c.Pool = newCfg.Pool
	c.Rotation = newCfg.Rotation
	c.Health = newCfg.Health
	c.Transport = newCfg.Transport
	c.Sources = newCfg.Sources
	c.API = newCfg.API
	c.Storage = newCfg.Storage
	c.Metrics = newCfg.Metrics
	c.Logging = newCfg.Logging
	return nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if _, err := pool.ParseScheme(c.Pool.Scheme); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	for i, p := range c.Pool.Proxies {
		if p.Address == "" {
			return fmt.Errorf("pool.proxies[%d]: address is required", i)
		}
		if p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("pool.proxies[%d]: port %d out of range", i, p.Port)
		}
	}
	if c.Rotation.RotateEverySeconds < 0 || c.Rotation.MaxRequestsPerProxy < 0 {
		return fmt.Errorf("rotation triggers must not be negative")
	}
	if len(c.Health.ProbeDomains) == 0 {
		return fmt.Errorf("health.probe_domains must not be empty")
	}
	if c.Health.TimeoutMs < 100 || c.Health.TimeoutMs > 300000 {
		return fmt.Errorf("health.timeout_ms must be between 100 and 300000")
	}
	if c.Health.Concurrency < 1 || c.Health.Concurrency > 10000 {
		return fmt.Errorf("health.concurrency must be between 1 and 10000")
	}
	if c.Transport.Retries < 0 {
		return fmt.Errorf("transport.retries must not be negative")
	}
	for _, s := range c.Sources.Sources {
		if s.Type != "" && s.Type != "text" && s.Type != "html" {
			return fmt.Errorf("source %s: type must be 'text' or 'html'", s.URL)
		}
	}
	switch c.Storage.Type {
	case "none", "file", "sqlite", "redis":
	default:
		return fmt.Errorf("storage type must be 'none', 'file', 'sqlite', or 'redis'")
	}
	return nil
}

// Targets converts the configured proxy entries into registry targets.
func (p PoolConfig) Targets() []pool.Target {
	targets := make([]pool.Target, len(p.Proxies))
	for i, e := range p.Proxies {
		targets[i] = pool.Target{Address: e.Address, Port: e.Port}
	}
	return targets
}

func (p PoolConfig) Credentials() pool.Credentials {
	return pool.Credentials{Username: p.Username, Password: p.Password}
}

func (r RotationConfig) Policy() pool.Policy {
	return pool.Policy{
		RotateEvery:         time.Duration(r.RotateEverySeconds) * time.Second,
		MaxRequestsPerProxy: uint(r.MaxRequestsPerProxy),
	}
}

func (h HealthConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutMs) * time.Millisecond
}

// GetGlobal returns global config instance
func GetGlobal() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the named limiter policies once
// they are loaded.
type Config struct {
	Server ServerConfig           `koanf:"server"`
	Limits map[string]LimitConfig `koanf:"limits"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
	Store   StoreConfig   `koanf:"store"`
	Limiter LimiterConfig `koanf:"limiter"`
	Cache   CacheConfig   `koanf:"cache"`
	Webhook WebhookConfig `koanf:"webhook"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// StoreConfig selects and parameterizes the shared TTL store backend.
type StoreConfig struct {
	Backend string      `koanf:"backend"`
	Redis   RedisConfig `koanf:"redis"`
	Mongo   MongoConfig `koanf:"mongo"`
}

type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type MongoConfig struct {
	URI      string `koanf:"uri"`
	Database string `koanf:"database"`
}

// LimiterConfig steers the sliding-window limiter. Backend defaults to the
// store backend; PoliciesFile optionally sources the named limits from a
// separate hot-reloaded document.
type LimiterConfig struct {
	Backend      string `koanf:"backend"`
	FailureMode  string `koanf:"failureMode"`
	KeyPrefix    string `koanf:"keyPrefix"`
	PoliciesFile string `koanf:"policiesFile"`
}

// CacheConfig parameterizes the idempotent response cache. RetentionSeconds
// bounds how long entries physically survive; TTLSeconds is the freshness
// window the serving endpoint reads with.
type CacheConfig struct {
	Namespace        string `koanf:"namespace"`
	RetentionSeconds int    `koanf:"retentionSeconds"`
	TTLSeconds       int    `koanf:"ttlSeconds"`
}

// WebhookConfig parameterizes the idempotency guard's record retention when
// records live in the KV store.
type WebhookConfig struct {
	RetentionSeconds int `koanf:"retentionSeconds"`
}

// LimitConfig is one named sliding-window budget.
type LimitConfig struct {
	Limit         int `koanf:"limit"`
	WindowSeconds int `koanf:"windowSeconds"`
}

// Window returns the policy window as a duration.
func (c LimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// CacheRetention returns the response cache's physical retention.
func (c CacheConfig) CacheRetention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// TTL returns the serving endpoint's freshness window.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// Retention returns the webhook record retention.
func (c WebhookConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// DefaultConfig returns the baseline used before files and environment
// variables overlay it.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Store: StoreConfig{
				Backend: "memory",
			},
			Limiter: LimiterConfig{
				FailureMode: "fail_open",
				KeyPrefix:   "ratelimit",
			},
			Cache: CacheConfig{
				Namespace:        "ai",
				RetentionSeconds: 86400,
				TTLSeconds:       3600,
			},
			Webhook: WebhookConfig{
				RetentionSeconds: 7776000,
			},
		},
		Limits: map[string]LimitConfig{},
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c Config) Validate() error {
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: invalid listen port %d", c.Server.Listen.Port)
	}

	switch strings.ToLower(c.Server.Store.Backend) {
	case "", "memory":
	case "redis":
		if c.Server.Store.Redis.Address == "" {
			return fmt.Errorf("config: redis store requires an address")
		}
	case "mongo":
		if c.Server.Store.Mongo.URI == "" {
			return fmt.Errorf("config: mongo store requires a uri")
		}
		if c.Server.Store.Mongo.Database == "" {
			return fmt.Errorf("config: mongo store requires a database")
		}
	default:
		return fmt.Errorf("config: unsupported store backend %q", c.Server.Store.Backend)
	}

	switch strings.ToLower(c.Server.Limiter.Backend) {
	case "", "memory", "redis", "mongo":
	default:
		return fmt.Errorf("config: unsupported limiter backend %q", c.Server.Limiter.Backend)
	}

	switch strings.ToLower(c.Server.Limiter.FailureMode) {
	case "", "fail_open", "fail_closed":
	default:
		return fmt.Errorf("config: unsupported limiter failure mode %q", c.Server.Limiter.FailureMode)
	}

	return validateLimits(c.Limits)
}

func validateLimits(limits map[string]LimitConfig) error {
	for name, limit := range limits {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("config: limit policy with empty name")
		}
		if limit.Limit <= 0 {
			return fmt.Errorf("config: limit policy %q: limit must be positive", name)
		}
		if limit.WindowSeconds <= 0 {
			return fmt.Errorf("config: limit policy %q: windowSeconds must be positive", name)
		}
	}
	return nil
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.store.redis.tls.cafile":  "server.store.redis.tls.caFile",
			"server.limiter.failuremode":     "server.limiter.failureMode",
			"server.limiter.keyprefix":       "server.limiter.keyPrefix",
			"server.limiter.policiesfile":    "server.limiter.policiesFile",
			"server.cache.retentionseconds":  "server.cache.retentionSeconds",
			"server.cache.ttlseconds":        "server.cache.ttlSeconds",
			"server.webhook.retentionseconds": "server.webhook.retentionSeconds",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path
			// (SERVER__STORE__BACKEND -> server.store.backend).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into
			// listenport when callers choose not to use double underscores for
			// object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if cfg.Server.Limiter.PoliciesFile != "" {
		limits, err := LoadPolicies(cfg.Server.Limiter.PoliciesFile)
		if err != nil {
			return Config{}, err
		}
		merged := make(map[string]LimitConfig, len(cfg.Limits)+len(limits))
		for name, limit := range cfg.Limits {
			merged[name] = limit
		}
		// The dedicated policies file wins over inline limits.
		for name, limit := range limits {
			merged[name] = limit
		}
		cfg.Limits = merged
	}

	return cfg, nil
}

// LoadPolicies parses a standalone limit-policy document. The parser follows
// the file extension so operators can keep policies in yaml, json, or toml.
func LoadPolicies(path string) (map[string]LimitConfig, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: policies file %s not found", path)
		}
		return nil, fmt.Errorf("config: stat %s: %w", path, err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
		return nil, fmt.Errorf("config: load policies %s: %w", path, err)
	}

	var doc struct {
		Limits map[string]LimitConfig `koanf:"limits"`
	}
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, fmt.Errorf("config: unmarshal policies %s: %w", path, err)
	}
	if err := validateLimits(doc.Limits); err != nil {
		return nil, err
	}
	return doc.Limits, nil
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return kjson.Parser()
	case ".toml":
		return toml.Parser()
	default:
		return yaml.Parser()
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"store": map[string]any{
				"backend": cfg.Server.Store.Backend,
				"redis": map[string]any{
					"address":  cfg.Server.Store.Redis.Address,
					"username": cfg.Server.Store.Redis.Username,
					"password": cfg.Server.Store.Redis.Password,
					"db":       cfg.Server.Store.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Store.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Store.Redis.TLS.CAFile,
					},
				},
				"mongo": map[string]any{
					"uri":      cfg.Server.Store.Mongo.URI,
					"database": cfg.Server.Store.Mongo.Database,
				},
			},
			"limiter": map[string]any{
				"backend":      cfg.Server.Limiter.Backend,
				"failureMode":  cfg.Server.Limiter.FailureMode,
				"keyPrefix":    cfg.Server.Limiter.KeyPrefix,
				"policiesFile": cfg.Server.Limiter.PoliciesFile,
			},
			"cache": map[string]any{
				"namespace":        cfg.Server.Cache.Namespace,
				"retentionSeconds": cfg.Server.Cache.RetentionSeconds,
				"ttlSeconds":       cfg.Server.Cache.TTLSeconds,
			},
			"webhook": map[string]any{
				"retentionSeconds": cfg.Server.Webhook.RetentionSeconds,
			},
		},
	}
}

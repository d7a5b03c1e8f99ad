package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      RedisTLSConfig
}

type redisStore struct {
	client valkey.Client
}

// NewRedis connects to the configured Redis-compatible backend and verifies it
// with a ping before handing the store to callers.
func NewRedis(cfg RedisConfig) (Store, error) {
	client, err := NewValkeyClient(cfg)
	if err != nil {
		return nil, err
	}
	return &redisStore{client: client}, nil
}

// NewRedisFromClient wraps an existing client so the KV store and the
// sorted-set limiter can share a single connection.
func NewRedisFromClient(client valkey.Client) Store {
	return &redisStore{client: client}
}

// NewValkeyClient dials the configured backend and pings it. The rate limiter
// shares this constructor so one configuration block drives both the KV store
// and the sorted-set limiter.
func NewValkeyClient(cfg RedisConfig) (valkey.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("store: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("store: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("store: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("store: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	return client, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return "", false, nil
		}
		return "", false, unavailable("redis get", err)
	}
	value, err := resp.ToString()
	if err != nil {
		return "", false, unavailable("redis get value", err)
	}
	return value, true, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("store: redis set: ttl must be positive")
	}
	cmd := s.client.B().Set().Key(key).Value(value).Px(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return unavailable("redis set", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	resp := s.client.Do(ctx, s.client.B().Del().Key(key).Build())
	removed, err := resp.ToInt64()
	if err != nil {
		return false, unavailable("redis del", err)
	}
	return removed > 0, nil
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	resp := s.client.Do(ctx, s.client.B().Exists().Key(key).Build())
	count, err := resp.ToInt64()
	if err != nil {
		return false, unavailable("redis exists", err)
	}
	return count > 0, nil
}

func (s *redisStore) Close(context.Context) error {
	s.client.Close()
	return nil
}

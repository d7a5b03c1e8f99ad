// Package respcache memoizes computed text artifacts (typically AI-generated
// coaching responses) under content fingerprints so identical requests inside
// a caller-chosen freshness window skip recomputation.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dealpack/ratekeeper/internal/metrics"
	"github.com/dealpack/ratekeeper/internal/store"
)

// DefaultRetention bounds how long an entry physically survives. Logical
// freshness is always decided by the reader's TTL argument, so retention only
// needs to outlast the longest freshness window any call site uses.
const DefaultRetention = 24 * time.Hour

type entry struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Cache is an idempotent response cache over the shared TTL store.
type Cache struct {
	store     store.Store
	namespace string
	retention time.Duration
	logger    *slog.Logger
	metrics   *metrics.Recorder
}

// New builds a cache namespaced under namespace. A non-positive retention
// falls back to DefaultRetention.
func New(s store.Store, namespace string, retention time.Duration, logger *slog.Logger, recorder *metrics.Recorder) *Cache {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Cache{
		store:     s,
		namespace: namespace,
		retention: retention,
		logger:    logger,
		metrics:   recorder,
	}
}

// MakeKey computes the deterministic fingerprint
// namespace:identity:context:sha256(canonical_json(payload)). Marshaling via
// encoding/json sorts map keys, so structurally identical payloads produce
// identical keys regardless of insertion order.
func (c *Cache) MakeKey(identity string, payload any, requestContext string) (string, error) {
	canonical, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("respcache: fingerprint payload: %w", err)
	}
	digest := sha256.Sum256(canonical)
	return fmt.Sprintf("%s:%s:%s:%s", c.namespace, identity, requestContext, hex.EncodeToString(digest[:])), nil
}

// Get returns the cached text when the entry is younger than ttl. The TTL is
// supplied at read time, so the same physical entry can be stale for a
// short-TTL caller while still fresh for a long-TTL one. A ttl of zero or less
// means always stale. Store failures and malformed entries degrade to a miss.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("response cache read failed, treating as miss",
				slog.String("key", key),
				slog.Any("error", err))
		}
		c.metrics.ObserveCacheLookup(metrics.CacheLookupError)
		return "", false
	}
	if !ok {
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss)
		return "", false
	}

	var cached entry
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		if c.logger != nil {
			c.logger.Warn("malformed response cache entry, treating as miss",
				slog.String("key", key))
		}
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss)
		return "", false
	}

	if ttl <= 0 || time.Since(cached.CreatedAt) > ttl {
		c.metrics.ObserveCacheLookup(metrics.CacheLookupMiss)
		return "", false
	}

	c.metrics.ObserveCacheLookup(metrics.CacheLookupHit)
	return cached.Text, true
}

// Set stores text under key with created_at stamped now. The returned error
// tells the caller the artifact was not cached; computation already succeeded,
// so most call sites log and move on.
func (c *Cache) Set(ctx context.Context, key, text string) error {
	payload, err := json.Marshal(entry{Text: text, CreatedAt: time.Now().UTC()})
	if err != nil {
		c.metrics.ObserveCacheStore(metrics.CacheStoreError)
		return fmt.Errorf("respcache: encode entry: %w", err)
	}
	if err := c.store.Set(ctx, key, string(payload), c.retention); err != nil {
		c.metrics.ObserveCacheStore(metrics.CacheStoreError)
		return fmt.Errorf("respcache: store entry: %w", err)
	}
	c.metrics.ObserveCacheStore(metrics.CacheStoreStored)
	return nil
}

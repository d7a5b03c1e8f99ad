package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrUnavailable marks failures caused by the backing store being unreachable
// (connection refused, timeout, topology change). Callers inspect it with
// IsUnavailable to decide fail-open versus fail-closed per call site instead of
// having that policy baked into the adapter.
var ErrUnavailable = errors.New("store: backend unavailable")

// Store is the uniform TTL key-value contract shared by the limiter, the
// response cache, and the webhook guard. Reads past expiry return absent even
// when physical deletion is deferred to the backend's own reaper.
type Store interface {
	// Get returns the value for key, reporting absence for missing or expired
	// entries.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value under key with the given time-to-live. A non-positive
	// ttl is rejected.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key, reporting whether an entry was present.
	Delete(ctx context.Context, key string) (bool, error)
	// Exists reports whether a live (non-expired) entry is stored under key.
	Exists(ctx context.Context, key string) (bool, error)
	// Close releases backend resources.
	Close(ctx context.Context) error
}

// IsUnavailable reports whether err stems from an unreachable backend.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

func unavailable(action string, err error) error {
	return fmt.Errorf("store: %s: %w: %w", action, ErrUnavailable, err)
}

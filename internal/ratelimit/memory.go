package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewMemory builds the process-local timestamp-list limiter used when no
// persistent backend is configured. It is exact within a single process but
// shares nothing across instances.
func NewMemory() Limiter {
	return &memoryLimiter{entries: make(map[string][]time.Time)}
}

func (l *memoryLimiter) Check(_ context.Context, key string, policy Policy) (Decision, error) {
	now := time.Now()
	windowStart := now.Add(-policy.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= policy.Limit {
		l.entries[key] = kept
		// Timestamps are appended in order, so the head is the oldest event
		// still inside the window.
		resetAt := kept[0].Add(policy.Window)
		retrySeconds := int(resetAt.Sub(now).Seconds()) + 1
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: time.Duration(retrySeconds) * time.Second,
			ResetAt:    resetAt,
		}, nil
	}

	count := len(kept)
	l.entries[key] = append(kept, now)
	return Decision{
		Allowed:   true,
		Remaining: policy.Limit - count - 1,
		ResetAt:   now.Add(policy.Window),
	}, nil
}

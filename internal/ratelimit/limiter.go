package ratelimit

import (
	"context"
	"time"
)

// Policy describes one sliding-window budget: at most Limit events within any
// trailing Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of a single admission check.
//
// RetryAfter and ResetAt precision varies by backend: the in-memory limiter
// reports the exact moment the oldest event ages out, while the record and
// Redis backends report now+window as an upper bound. Admission decisions are
// identical across backends for the same input sequence.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Limiter admits or rejects events against a key's sliding window.
//
// Two simultaneous checks for the same key may both observe headroom and both
// record an event, briefly exceeding the limit by the number of concurrent
// racers. That over-admission is accepted; no backend serializes per-key
// checks.
type Limiter interface {
	Check(ctx context.Context, key string, policy Policy) (Decision, error)
}

// Key joins a scope and an identity into the canonical limiter key, e.g.
// "user_rate_limit:u1".
func Key(scope, identity string) string {
	return scope + ":" + identity
}

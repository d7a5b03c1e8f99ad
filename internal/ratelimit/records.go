package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Record is one admitted event counted toward a key's window. ExpiresAt lets
// the backing store's TTL reaper collect records the purge step never sees.
type Record struct {
	ID        string
	Timestamp time.Time
	ExpiresAt time.Time
}

// RecordStore persists admitted events for the record-count limiter variant.
type RecordStore interface {
	// PurgeBefore removes records for key timestamped before cutoff.
	PurgeBefore(ctx context.Context, key string, cutoff time.Time) error
	// Count returns the number of records for key timestamped at or after since.
	Count(ctx context.Context, key string, since time.Time) (int64, error)
	// Insert stores a new admitted-event record for key.
	Insert(ctx context.Context, key string, record Record) error
}

type recordLimiter struct {
	records RecordStore
}

// NewRecords builds the persistent-store limiter variant: purge stale records,
// count the window's occupancy, insert on admission. Eviction cost is
// amortized into the check path; the store's TTL index handles keys that stop
// receiving traffic.
func NewRecords(records RecordStore) Limiter {
	return &recordLimiter{records: records}
}

func (l *recordLimiter) Check(ctx context.Context, key string, policy Policy) (Decision, error) {
	now := time.Now()
	windowStart := now.Add(-policy.Window)
	// Upper bound: the true reset is when the oldest record ages out, but
	// now+window is cheap and never understates the wait.
	resetAt := now.Add(policy.Window)

	if err := l.records.PurgeBefore(ctx, key, windowStart); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: purge %s: %w", key, err)
	}

	count, err := l.records.Count(ctx, key, windowStart)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: count %s: %w", key, err)
	}

	if count >= int64(policy.Limit) {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: policy.Window,
			ResetAt:    resetAt,
		}, nil
	}

	record := Record{
		ID:        uuid.NewString(),
		Timestamp: now,
		ExpiresAt: resetAt,
	}
	if err := l.records.Insert(ctx, key, record); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: insert %s: %w", key, err)
	}

	return Decision{
		Allowed:   true,
		Remaining: policy.Limit - int(count) - 1,
		ResetAt:   resetAt,
	}, nil
}

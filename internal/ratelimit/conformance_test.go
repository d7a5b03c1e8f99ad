package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/dealpack/ratekeeper/internal/store"
)

// memoryRecordStore is a RecordStore double so the record-count variant can be
// exercised without a document database.
type memoryRecordStore struct {
	mu      sync.Mutex
	records map[string][]Record
	err     error
}

func newMemoryRecordStore() *memoryRecordStore {
	return &memoryRecordStore{records: make(map[string][]Record)}
}

func (s *memoryRecordStore) PurgeBefore(_ context.Context, key string, cutoff time.Time) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[key][:0]
	for _, record := range s.records[key] {
		if !record.Timestamp.Before(cutoff) {
			kept = append(kept, record)
		}
	}
	s.records[key] = kept
	return nil
}

func (s *memoryRecordStore) Count(_ context.Context, key string, since time.Time) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, record := range s.records[key] {
		if !record.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

func (s *memoryRecordStore) Insert(_ context.Context, key string, record Record) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = append(s.records[key], record)
	return nil
}

type backendCase struct {
	name string
	make func(t *testing.T) Limiter
}

func limiterBackends(t *testing.T) []backendCase {
	t.Helper()
	return []backendCase{
		{name: "memory", make: func(t *testing.T) Limiter { return NewMemory() }},
		{name: "records", make: func(t *testing.T) Limiter { return NewRecords(newMemoryRecordStore()) }},
		{name: "redis", make: func(t *testing.T) Limiter {
			server, err := miniredis.Run()
			if err != nil {
				t.Fatalf("miniredis: %v", err)
			}
			t.Cleanup(server.Close)
			client, err := store.NewValkeyClient(store.RedisConfig{Address: server.Addr()})
			if err != nil {
				t.Fatalf("valkey client: %v", err)
			}
			t.Cleanup(client.Close)
			return NewRedis(client, "test")
		}},
	}
}

// Every backend must agree on admission decisions for the same input sequence,
// even though retry precision differs.
func TestAdmissionConformance(t *testing.T) {
	for _, backend := range limiterBackends(t) {
		t.Run(backend.name, func(t *testing.T) {
			limiter := backend.make(t)
			ctx := context.Background()
			policy := Policy{Limit: 6, Window: time.Minute}

			for i := 0; i < policy.Limit; i++ {
				decision, err := limiter.Check(ctx, "user_rate_limit:u1", policy)
				if err != nil {
					t.Fatalf("check %d: %v", i, err)
				}
				if !decision.Allowed {
					t.Fatalf("check %d: expected admission", i)
				}
				if want := policy.Limit - i - 1; decision.Remaining != want {
					t.Fatalf("check %d: remaining = %d, want %d", i, decision.Remaining, want)
				}
			}

			decision, err := limiter.Check(ctx, "user_rate_limit:u1", policy)
			if err != nil {
				t.Fatalf("rejecting check: %v", err)
			}
			if decision.Allowed {
				t.Fatalf("expected 7th event inside the window to be rejected")
			}
			if decision.Remaining != 0 {
				t.Fatalf("rejected remaining = %d, want 0", decision.Remaining)
			}
			if decision.RetryAfter <= 0 {
				t.Fatalf("expected positive retry hint, got %v", decision.RetryAfter)
			}
			if !decision.ResetAt.After(time.Now()) {
				t.Fatalf("expected reset in the future, got %v", decision.ResetAt)
			}

			// A different key is unaffected.
			other, err := limiter.Check(ctx, "user_rate_limit:u2", policy)
			if err != nil {
				t.Fatalf("other key: %v", err)
			}
			if !other.Allowed {
				t.Fatalf("expected independent window per key")
			}
		})
	}
}

func TestWindowAgesOut(t *testing.T) {
	for _, backend := range limiterBackends(t) {
		t.Run(backend.name, func(t *testing.T) {
			limiter := backend.make(t)
			ctx := context.Background()
			policy := Policy{Limit: 2, Window: 250 * time.Millisecond}

			for i := 0; i < 2; i++ {
				if decision, err := limiter.Check(ctx, "burst", policy); err != nil || !decision.Allowed {
					t.Fatalf("warmup %d: allowed=%v err=%v", i, decision.Allowed, err)
				}
			}
			if decision, err := limiter.Check(ctx, "burst", policy); err != nil || decision.Allowed {
				t.Fatalf("expected full window to reject, allowed=%v err=%v", decision.Allowed, err)
			}

			time.Sleep(300 * time.Millisecond)

			decision, err := limiter.Check(ctx, "burst", policy)
			if err != nil {
				t.Fatalf("post-window check: %v", err)
			}
			if !decision.Allowed {
				t.Fatalf("expected admission after the window elapsed")
			}
		})
	}
}

func TestMemoryRetryAfterIsExact(t *testing.T) {
	limiter := NewMemory()
	ctx := context.Background()
	policy := Policy{Limit: 1, Window: 10 * time.Second}

	if decision, err := limiter.Check(ctx, "exact", policy); err != nil || !decision.Allowed {
		t.Fatalf("warmup: allowed=%v err=%v", decision.Allowed, err)
	}
	decision, err := limiter.Check(ctx, "exact", policy)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected rejection")
	}
	// floor(oldest+window-now)+1 with a just-admitted oldest lands on 10s or
	// 11s depending on subsecond truncation.
	if decision.RetryAfter < 10*time.Second || decision.RetryAfter > 11*time.Second {
		t.Fatalf("retry after = %v, want ~window", decision.RetryAfter)
	}
}

func TestRecordsFailurePropagates(t *testing.T) {
	records := newMemoryRecordStore()
	records.err = errors.New("boom")
	limiter := NewRecords(records)

	_, err := limiter.Check(context.Background(), "key", Policy{Limit: 1, Window: time.Second})
	if err == nil {
		t.Fatalf("expected record store failure to surface")
	}
}

func TestFailOpenAllowsOnBackendFailure(t *testing.T) {
	records := newMemoryRecordStore()
	records.err = errors.New("backend down")
	limiter := NewFailOpen(NewRecords(records), nil)
	policy := Policy{Limit: 5, Window: time.Minute}

	for i := 0; i < 20; i++ {
		decision, err := limiter.Check(context.Background(), "key", policy)
		if err != nil {
			t.Fatalf("fail-open check returned error: %v", err)
		}
		if !decision.Allowed {
			t.Fatalf("fail-open check rejected request %d", i)
		}
		if decision.Remaining != policy.Limit-1 {
			t.Fatalf("fail-open remaining = %d, want %d", decision.Remaining, policy.Limit-1)
		}
	}
}

func TestRedisFailureIsTaggedUnavailable(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client, err := store.NewValkeyClient(store.RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("valkey client: %v", err)
	}
	defer client.Close()
	limiter := NewRedis(client, "test")
	server.Close()

	_, err = limiter.Check(context.Background(), "key", Policy{Limit: 1, Window: time.Second})
	if !store.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

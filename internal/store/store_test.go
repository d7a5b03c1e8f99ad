package store

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
)

func runStoreContract(t *testing.T, s Store, forward func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "greeting", "hello", time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := s.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || value != "hello" {
		t.Fatalf("expected hello, got ok=%v value=%q", ok, value)
	}

	exists, err := s.Exists(ctx, "greeting")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if !exists {
		t.Fatalf("expected key to exist")
	}

	// Last write wins on re-set with the same key.
	if err := s.Set(ctx, "greeting", "bonjour", time.Minute); err != nil {
		t.Fatalf("re-set: %v", err)
	}
	value, ok, _ = s.Get(ctx, "greeting")
	if !ok || value != "bonjour" {
		t.Fatalf("expected overwrite, got ok=%v value=%q", ok, value)
	}

	removed, err := s.Delete(ctx, "greeting")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !removed {
		t.Fatalf("expected delete to report removal")
	}
	if removed, _ = s.Delete(ctx, "greeting"); removed {
		t.Fatalf("expected second delete to be a no-op")
	}

	if err := s.Set(ctx, "shortlived", "x", 50*time.Millisecond); err != nil {
		t.Fatalf("set shortlived: %v", err)
	}
	forward(100 * time.Millisecond)
	if _, ok, err := s.Get(ctx, "shortlived"); err != nil || ok {
		t.Fatalf("expected expired entry to be absent, got ok=%v err=%v", ok, err)
	}
	exists, err = s.Exists(ctx, "shortlived")
	if err != nil {
		t.Fatalf("exists after expiry: %v", err)
	}
	if exists {
		t.Fatalf("expected expired entry to not exist")
	}

	if err := s.Set(ctx, "invalid", "x", 0); err == nil {
		t.Fatalf("expected non-positive ttl to be rejected")
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemory(), func(d time.Duration) { time.Sleep(d) })
}

func TestRedisStoreContract(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	s, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	runStoreContract(t, s, func(d time.Duration) { server.FastForward(d) })
}

func TestRedisStoreUnavailable(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	s, err := NewRedis(RedisConfig{Address: server.Addr()})
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	server.Close()

	if _, _, err := s.Get(context.Background(), "key"); !IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if err := s.Set(context.Background(), "key", "v", time.Minute); !IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestEntryLive(t *testing.T) {
	now := time.Now()
	if EntryLive(now.Add(-time.Second), now) {
		t.Fatalf("expired entry reported live")
	}
	if EntryLive(now, now) {
		t.Fatalf("entry expiring exactly now must be absent")
	}
	if !EntryLive(now.Add(time.Second), now) {
		t.Fatalf("live entry reported expired")
	}
}

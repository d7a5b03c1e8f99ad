package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitForLimits(t *testing.T, ch <-chan map[string]LimitConfig) map[string]LimitConfig {
	t.Helper()
	select {
	case limits := <-ch:
		return limits
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a policies reload")
		return nil
	}
}

func TestWatchPoliciesReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "limits.yaml", "limits:\n  api:\n    limit: 3\n    windowSeconds: 30\n")

	changes := make(chan map[string]LimitConfig, 4)
	watcher, err := WatchPolicies(context.Background(), path, func(limits map[string]LimitConfig) {
		changes <- limits
	}, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	initial := waitForLimits(t, changes)
	require.Equal(t, 3, initial["api"].Limit)

	require.NoError(t, os.WriteFile(path, []byte("limits:\n  api:\n    limit: 9\n    windowSeconds: 30\n"), 0o600))

	updated := waitForLimits(t, changes)
	require.Equal(t, 9, updated["api"].Limit)
}

func TestWatchPoliciesKeepsPreviousOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "limits.yaml", "limits:\n  api:\n    limit: 3\n    windowSeconds: 30\n")

	changes := make(chan map[string]LimitConfig, 4)
	errs := make(chan error, 4)
	watcher, err := WatchPolicies(context.Background(), path, func(limits map[string]LimitConfig) {
		changes <- limits
	}, func(err error) {
		errs <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	waitForLimits(t, changes)

	require.NoError(t, os.WriteFile(path, []byte("limits:\n  api:\n    limit: -1\n    windowSeconds: 30\n"), 0o600))

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the validation error")
	}
	select {
	case limits := <-changes:
		t.Fatalf("unexpected reload with invalid document: %v", limits)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWatchPoliciesRequiresFile(t *testing.T) {
	_, err := WatchPolicies(context.Background(), "", func(map[string]LimitConfig) {}, nil)
	require.Error(t, err)

	_, err = WatchPolicies(context.Background(), "missing.yaml", nil, nil)
	require.Error(t, err)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	path := writeFile(t, t.TempDir(), "limits.yaml", "limits: {}\n")

	watcher, err := WatchPolicies(context.Background(), path, func(map[string]LimitConfig) {}, nil)
	require.NoError(t, err)

	watcher.Stop()
	watcher.Stop()
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// PoliciesWatcher monitors the limit-policies file and invokes the supplied
// callback whenever the document changes. Stop must be called to release
// filesystem resources.
type PoliciesWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *PoliciesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchPolicies wires fsnotify around the policies file and reloads the named
// limits on any relevant change. The callback receives the freshly parsed set;
// parse or validation failures go to onError and leave the previous set in
// place.
func WatchPolicies(ctx context.Context, path string, onChange func(map[string]LimitConfig), onError func(error)) (*PoliciesWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch policies requires a change callback")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no policies file configured for watching")
	}

	resolved := path
	if abs, err := filepath.Abs(path); err == nil {
		resolved = abs
	}
	target := filepath.Clean(resolved)

	limits, err := LoadPolicies(target)
	if err != nil {
		return nil, err
	}
	onChange(limits)

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch policies: %w", err)
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		cancel()
		return nil, fmt.Errorf("config: watch policies dir: %w", err)
	}

	done := make(chan struct{})
	watch := &PoliciesWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch policies close: %w", err))
			}
		}()

		reload := func() {
			limits, err := LoadPolicies(target)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(limits)
		}

		// Editors often produce a burst of writes per save; collapse them.
		const debounce = 25 * time.Millisecond
		var reloadTimer *time.Timer
		var reloadSignal <-chan time.Time
		scheduleReload := func() {
			if reloadTimer == nil {
				reloadTimer = time.NewTimer(debounce)
			} else {
				if !reloadTimer.Stop() {
					select {
					case <-reloadTimer.C:
					default:
					}
				}
				reloadTimer.Reset(debounce)
			}
			reloadSignal = reloadTimer.C
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case <-reloadSignal:
				reloadSignal = nil
				reload()
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if onError != nil {
						onError(fmt.Errorf("config: policies file %s removed", target))
					}
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) != 0 {
					scheduleReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if onError != nil {
					onError(fmt.Errorf("config: watch error: %w", err))
				}
			}
		}
	}()

	return watch, nil
}

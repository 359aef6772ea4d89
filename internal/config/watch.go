// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeranaias/chatwidget/internal/logging"
)

// DefaultWatchDebounce coalesces the burst of events an editor save produces.
const DefaultWatchDebounce = 250 * time.Millisecond

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// Watcher reloads a config file when it changes on disk.
type Watcher struct {
	path     string
	fn       func(*Config)
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending time.Time // zero when nothing is pending

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Watch starts watching path and calls fn with the freshly loaded config
// after every change. Invalid files are logged and skipped; fn only ever
// sees validated configs. The parent directory is watched so editors that
// replace the file by rename are handled.
func Watch(path string, fn func(*Config)) (*Watcher, error) {
	return WatchWithDebounce(path, DefaultWatchDebounce, fn)
}

// WatchWithDebounce is Watch with an explicit debounce interval.
func WatchWithDebounce(path string, debounce time.Duration, fn func(*Config)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		path:     abs,
		fn:       fn,
		watcher:  fsw,
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); w.processEvents() }()
	go func() { defer wg.Done(); w.processPending() }()
	go func() { wg.Wait(); close(w.done) }()

	return w, nil
}

// Close stops watching and waits for the watcher goroutines to exit.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}

// processEvents records changes to the watched file.
func (w *Watcher) processEvents() {
	log := logging.Component("config")
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.pending = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", w.path).Msg("config watcher error")
		}
	}
}

// processPending reloads once the file has been quiet for the debounce
// interval.
func (w *Watcher) processPending() {
	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return

		case now := <-ticker.C:
			w.mu.Lock()
			due := !w.pending.IsZero() && now.Sub(w.pending) >= w.debounce
			if due {
				w.pending = time.Time{}
			}
			w.mu.Unlock()

			if due {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	log := logging.Component("config")
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("ignoring config change")
		return
	}
	log.Info().Str("path", w.path).Msg("config reloaded")
	w.fn(cfg)
}

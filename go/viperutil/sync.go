// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package viperutil

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// watchedViper wraps a viper with a lock so dynamic values stay readable
// while a background watcher reloads the config file underneath them.
type watchedViper struct {
	mu          sync.RWMutex
	live        *viper.Viper
	watching    bool
	subscribers []chan<- struct{}
}

func newWatchedViper() *watchedViper {
	return &watchedViper{live: viper.New()}
}

func (w *watchedViper) read(f func(v *viper.Viper)) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	f(w.live)
}

func (w *watchedViper) write(f func(v *viper.Viper)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f(w.live)
}

// Notify registers ch for config-reload notifications. Notifications are
// sent non-blocking, like signal.Notify. Must be called before Watch;
// panics afterwards, since subscribers added mid-watch would miss reloads.
func (w *watchedViper) Notify(ch chan<- struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		panic("viperutil: Notify called after the config watch started")
	}
	w.subscribers = append(w.subscribers, ch)
}

func (w *watchedViper) AllSettings() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.live.AllSettings()
}

// Watch loads the config file the static viper settled on and starts a
// watcher that reloads dynamic values when the file changes. The watcher
// runs until the returned cancel func is called. When no config file was
// loaded there is nothing to watch and a no-op cancel is returned.
func (w *watchedViper) Watch(ctx context.Context, static *viper.Viper) (context.CancelFunc, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return nil, errors.New("viperutil: config file is already being watched")
	}

	file := static.ConfigFileUsed()
	if file == "" {
		return func() {}, nil
	}

	w.live.SetConfigFile(file)
	if err := w.live.ReadInConfig(); err != nil {
		return nil, err
	}

	// Watching is best effort: a registry reading from an in-memory
	// filesystem has nothing fsnotify can see.
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("viperutil: config watching unavailable", "error", err)
		return func() {}, nil
	}
	// Watch the directory, not the file: editors and config rollouts
	// replace the file, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		_ = watcher.Close()
		slog.Warn("viperutil: cannot watch config directory", "dir", filepath.Dir(file), "error", err)
		return func() {}, nil
	}

	w.watching = true
	ctx, cancel := context.WithCancel(ctx)
	go w.watchLoop(ctx, watcher, file)
	return cancel, nil
}

func (w *watchedViper) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, file string) {
	defer watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(file) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("viperutil: config watcher error", "error", err)
		}
	}
}

func (w *watchedViper) reload() {
	w.mu.Lock()
	if err := w.live.ReadInConfig(); err != nil {
		w.mu.Unlock()
		slog.Warn("viperutil: failed to reload config", "file", w.live.ConfigFileUsed(), "error", err)
		return
	}
	subs := slices.Clone(w.subscribers)
	w.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

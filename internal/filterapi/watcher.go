// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package filterapi

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/envoyproxy/transformation-filters/internal/json"
)

// ConfigReceiver is notified whenever the watched configuration file changes.
// Decoupled from the watcher so tests can substitute a recording receiver.
type ConfigReceiver interface {
	LoadConfig(ctx context.Context, config *Config) error
}

// Watcher watches a single JSON-encoded Config file and pushes updates to a
// ConfigReceiver, mirroring the fsnotify-based reload the control plane uses to
// rewrite this filter's route table.
type Watcher struct {
	path string
	rcv  ConfigReceiver
	l    *slog.Logger
	fsw  *fsnotify.Watcher
}

// StartConfigWatcher loads path once synchronously, then watches it for further writes.
func StartConfigWatcher(ctx context.Context, path string, rcv ConfigReceiver, l *slog.Logger) (*Watcher, error) {
	w := &Watcher{path: path, rcv: rcv, l: l}
	if err := w.load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load initial config: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	w.fsw = fsw

	go w.run(ctx)
	return w, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	if w.fsw == nil {
		return nil
	}
	return w.fsw.Close()
}

func (w *Watcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.load(ctx); err != nil {
				w.logError("failed to reload config", slog.String("path", w.path), slog.String("error", err.Error()))
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logError("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) logError(msg string, args ...any) {
	if w.l == nil {
		return
	}
	w.l.Error(msg, args...)
}

func (w *Watcher) load(ctx context.Context) error {
	raw, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", w.path, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("failed to parse config %q: %w", w.path, err)
	}
	return w.rcv.LoadConfig(ctx, &cfg)
}

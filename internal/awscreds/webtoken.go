// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package awscreds

import (
	"context"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// TokenWatcher watches the AWS_WEB_IDENTITY_TOKEN_FILE for modification and pushes the
// new contents into an STSResolver via SetToken. The new token is used by the next STS
// fetch; credentials already cached are not dropped or refreshed early. Grounded on
// internal/filterapi's config-file watcher, the same fsnotify-based pattern applied to
// a different file.
type TokenWatcher struct {
	fsw    *fsnotify.Watcher
	path   string
	sts    *STSResolver
	logger *slog.Logger
}

// WatchTokenFile starts watching path and returns the TokenWatcher; call Close to stop.
func WatchTokenFile(ctx context.Context, path string, sts *STSResolver, logger *slog.Logger) (*TokenWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &TokenWatcher{fsw: fsw, path: path, sts: sts, logger: logger}
	go w.run(ctx)
	return w, nil
}

func (w *TokenWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.reload()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("web identity token watcher error", slog.String("err", err.Error()))
			}
		}
	}
}

func (w *TokenWatcher) reload() {
	token, err := readTokenFile(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("failed to reload web identity token", slog.String("err", err.Error()))
		}
		return
	}
	w.sts.SetToken(token)
}

// Close stops the underlying fsnotify watch.
func (w *TokenWatcher) Close() error {
	return w.fsw.Close()
}

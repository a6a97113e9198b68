// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watcher hot-loads workflow definition files from a directory.
//
// Files ending in .json, .yaml, or .yml are registered when the watcher
// starts and re-registered whenever they are created or written. A file
// that fails to register is logged and skipped; it never takes the
// watcher down.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/pkg/errors"
)

// RegisterFunc receives the contents of a definition file. It is called
// once per file at startup and again on every create or write.
type RegisterFunc func(ctx context.Context, path string, data []byte) error

// Watcher registers workflow definitions from a directory.
type Watcher struct {
	dir      string
	register RegisterFunc
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a watcher over dir. The directory must exist.
func New(dir string, register RegisterFunc, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve definitions dir")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	if err := fsw.Add(absDir); err != nil {
		fsw.Close()
		return nil, errors.Wrapf(err, "watch %s", absDir)
	}

	return &Watcher{
		dir:      absDir,
		register: register,
		watcher:  fsw,
		logger:   log.WithComponent(logger, "watcher").With("dir", absDir),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start registers the definition files already in the directory, then
// begins watching for changes.
func (w *Watcher) Start(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return errors.Wrapf(err, "read %s", w.dir)
	}
	for _, entry := range entries {
		if entry.IsDir() || !definitionFile(entry.Name()) {
			continue
		}
		w.load(ctx, filepath.Join(w.dir, entry.Name()))
	}

	go w.eventLoop(ctx)
	w.logger.Info("definitions watcher started")
	return nil
}

// Stop stops watching and releases the fsnotify watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if !definitionFile(event.Name) {
				continue
			}
			w.load(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watch error", log.Error(err))
		}
	}
}

// load reads and registers one definition file. Failures are logged,
// never fatal: an editor mid-save or a malformed file must not stop the
// watcher.
func (w *Watcher) load(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("cannot read definition file", "file", path, log.Error(err))
		return
	}
	if len(data) == 0 {
		return
	}

	if err := w.register(ctx, path, data); err != nil {
		w.logger.Warn("definition rejected", "file", path, log.Error(err))
		return
	}
	w.logger.Info("definition registered", "file", path)
}

func definitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package watch notices local database writes so a sync can start early.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last write before notifying.
const DefaultDebounce = 2 * time.Second

// Config configures a Watcher.
type Config struct {
	// Root is watched recursively; directories created later are added.
	Root     string
	Debounce time.Duration
	// Suppress, if set, is asked before each notification. Returning true
	// drops it, e.g. while the writes come from a sync cycle.
	Suppress func() bool
	Logger   *slog.Logger
}

// Watcher calls a function after writes to *.sqlite files settle.
type Watcher struct {
	fsw      *fsnotify.Watcher
	root     string
	debounce time.Duration
	suppress func() bool
	notify   func()
	logger   *slog.Logger
}

// New creates a watcher. It does not watch anything until Run.
func New(cfg Config, notify func()) (*Watcher, error) {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsw:      fsw,
		root:     cfg.Root,
		debounce: cfg.Debounce,
		suppress: cfg.Suppress,
		notify:   notify,
		logger:   cfg.Logger,
	}, nil
}

// Run watches until ctx is done and always closes the underlying watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	if err := w.addTree(w.root); err != nil {
		return err
	}
	w.logger.Debug("Watching local databases", "root", w.root)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := w.addTree(ev.Name); err != nil {
						w.logger.Warn("Could not watch new directory", "path", ev.Name, "error", err)
					}
					continue
				}
			}
			if !IsDatabaseWrite(ev) {
				continue
			}
			if pending == nil {
				pending = time.After(w.debounce)
			}

		case <-pending:
			pending = nil
			if w.suppress != nil && w.suppress() {
				w.logger.Debug("Database change ignored while syncing")
				continue
			}
			w.notify()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", "error", err)
		}
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// IsDatabaseWrite reports whether ev is a create or write of a database
// file or its journal. Download temp files are ignored.
func IsDatabaseWrite(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return false
	}
	name := strings.ToLower(filepath.Base(ev.Name))
	if strings.HasSuffix(name, ".part") {
		return false
	}
	for _, suffix := range []string{".sqlite", ".sqlite-wal", ".sqlite-journal"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

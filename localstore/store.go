// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package localstore reads and writes the terminal's local SQLite databases:
// it finds dirty rows to push, applies server deltas and runs schema
// migrations. Every operation opens its own handles and closes them before
// returning.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const (
	colUUID         = "uuid"
	colNeedsSync    = "needs_sync"
	colLastModified = "last_modified"

	busyTimeoutMillis = 5000
)

// Options configure a Store.
type Options struct {
	Tables TableConfig
	// LocalIDColumn is the autoincrement column that only has meaning on this
	// terminal. It is stripped from pushed rows and ignored in pulled rows.
	LocalIDColumn string
	Logger        *slog.Logger
}

// Store gives access to every local database of the terminal.
type Store struct {
	layout        Layout
	tables        TableConfig
	localIDColumn string
	logger        *slog.Logger
}

// New creates a Store rooted at dataDir.
func New(dataDir string, opts Options) *Store {
	if opts.Tables.PrimaryKeys == nil {
		opts.Tables = DefaultTableConfig()
	}
	if opts.LocalIDColumn == "" {
		opts.LocalIDColumn = "id"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		layout:        Layout{DataDir: dataDir},
		tables:        opts.Tables,
		localIDColumn: opts.LocalIDColumn,
		logger:        opts.Logger,
	}
}

// Layout returns the directory layout used by the store.
func (s *Store) Layout() Layout { return s.layout }

// Tables returns the static table configuration.
func (s *Store) Tables() TableConfig { return s.tables }

// LocalIDColumn returns the terminal-local id column name.
func (s *Store) LocalIDColumn() string { return s.localIDColumn }

func openDB(path string, readOnly bool) (*sql.DB, error) {
	q := url.Values{}
	q.Set("_busy_timeout", fmt.Sprint(busyTimeoutMillis))
	if readOnly {
		q.Set("mode", "ro")
	}
	db, err := sql.Open("sqlite3", "file:"+filepath.ToSlash(path)+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return db, nil
}

// DBFiles lists every database file of the company, sorted.
func (s *Store) DBFiles(companyID string) ([]string, error) {
	root := s.layout.CompanyRoot(companyID)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), dbFileExt) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// HasLocalData reports whether any database file exists for the company.
func (s *Store) HasLocalData(companyID string) (bool, error) {
	if companyID == "" {
		return false, nil
	}
	if _, err := os.Stat(s.layout.CompanyRoot(companyID)); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	files, err := s.DBFiles(companyID)
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// TableFiles maps every table name (lower-cased) to the database file that
// owns it. When two files define the same table the first in sorted order
// wins.
func (s *Store) TableFiles(ctx context.Context, companyID string) (map[string]string, error) {
	files, err := s.DBFiles(companyID)
	if err != nil {
		return nil, err
	}
	owners := make(map[string]string)
	err = s.forEachTable(ctx, files, true, func(path string, _ *sql.DB, table string) error {
		key := strings.ToLower(table)
		if prev, ok := owners[key]; ok {
			s.logger.Debug("Table defined in more than one database", "table", table, "owner", prev, "ignored", path)
			return nil
		}
		owners[key] = path
		return nil
	})
	return owners, err
}

// SyncableTables returns the lower-cased names of every table that has the
// sync columns.
func (s *Store) SyncableTables(ctx context.Context, companyID string) ([]string, error) {
	files, err := s.DBFiles(companyID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	err = s.forEachTable(ctx, files, true, func(_ string, db *sql.DB, table string) error {
		info, err := loadTableInfo(ctx, db, table)
		if err != nil {
			return err
		}
		if info.IsSyncable() {
			seen[strings.ToLower(table)] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// forEachTable opens each file in turn and calls fn for every user table.
func (s *Store) forEachTable(ctx context.Context, files []string, readOnly bool, fn func(path string, db *sql.DB, table string) error) error {
	for _, path := range files {
		if err := s.withDB(path, readOnly, func(db *sql.DB) error {
			tables, err := listTables(ctx, db)
			if err != nil {
				return err
			}
			for _, table := range tables {
				if err := fn(path, db, table); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func (s *Store) withDB(path string, readOnly bool, fn func(db *sql.DB) error) error {
	db, err := openDB(path, readOnly)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// ErrDatabaseNotFound is returned when a migration targets a missing file.
var ErrDatabaseNotFound = errors.New("database file not found")

// Migrate runs stmts against the database at dbPath in a single transaction.
// Any failing statement rolls the whole migration back and its error is
// returned. A statement may contain several SQL statements separated by
// semicolons.
func Migrate(ctx context.Context, dbPath string, stmts []string) (err error) {
	if _, statErr := os.Stat(dbPath); statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrDatabaseNotFound, dbPath)
		}
		return fmt.Errorf("failed to stat %s: %w", dbPath, statErr)
	}

	db, err := openDB(dbPath, false)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range stmts {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i+1, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// MigrationPlan is the statements to run against one file.
type MigrationPlan struct {
	Path       string
	Statements []string
}

// MigrationResult reports the outcome for one file.
type MigrationResult struct {
	Path string
	Err  error
}

// MigrateAll runs every plan in order. A failing file does not stop the
// remaining ones.
func (s *Store) MigrateAll(ctx context.Context, plans []MigrationPlan) []MigrationResult {
	results := make([]MigrationResult, 0, len(plans))
	for _, p := range plans {
		err := Migrate(ctx, p.Path, p.Statements)
		if err != nil {
			s.logger.Error("Migration failed", "file", p.Path, "error", err)
		} else {
			s.logger.Info("Migration applied", "file", p.Path, "statements", len(p.Statements))
		}
		results = append(results, MigrationResult{Path: p.Path, Err: err})
	}
	return results
}

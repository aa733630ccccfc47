// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ModulabyAddsy/modula-pos/deltacodec"
)

// ApplyStats summarizes one ApplyDeltas call.
type ApplyStats struct {
	Applied        int
	SkippedRecords int
	SkippedTables  []string
	Files          int
}

// ApplyDeltas writes server rows into the local databases. Every row is
// upserted by uuid unconditionally, so the server copy always wins, and is
// stored with needs_sync = 0. Tables are routed to the file that defines them;
// tables with no local owner are skipped. Each file is written in its own
// transaction. A failing file does not stop the others; all failures are
// returned joined.
func (s *Store) ApplyDeltas(ctx context.Context, companyID string, deltas map[string][]map[string]any) (*ApplyStats, error) {
	stats := &ApplyStats{}
	if len(deltas) == 0 {
		return stats, nil
	}

	owners, err := s.TableFiles(ctx, companyID)
	if err != nil {
		return stats, fmt.Errorf("failed to map tables to files: %w", err)
	}

	byFile := make(map[string][]string)
	for table, rows := range deltas {
		if len(rows) == 0 {
			continue
		}
		path, ok := owners[strings.ToLower(table)]
		if !ok {
			s.logger.Warn("No local database owns table, skipping deltas", "table", table, "records", len(rows))
			stats.SkippedTables = append(stats.SkippedTables, table)
			stats.SkippedRecords += len(rows)
			continue
		}
		byFile[path] = append(byFile[path], table)
	}
	sort.Strings(stats.SkippedTables)

	paths := make([]string, 0, len(byFile))
	for p := range byFile {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var errs []error
	for _, path := range paths {
		tables := byFile[path]
		sort.Strings(tables)
		applied, skipped, err := s.applyFile(ctx, path, tables, deltas)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
			continue
		}
		stats.Applied += applied
		stats.SkippedRecords += skipped
		stats.Files++
	}
	return stats, errors.Join(errs...)
}

func (s *Store) applyFile(ctx context.Context, path string, tables []string, deltas map[string][]map[string]any) (applied, skipped int, err error) {
	db, err := openDB(path, false)
	if err != nil {
		return 0, 0, err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, table := range tables {
		a, sk, err := s.applyTable(ctx, tx, table, deltas[table])
		if err != nil {
			return 0, 0, err
		}
		applied += a
		skipped += sk
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return applied, skipped, nil
}

func (s *Store) applyTable(ctx context.Context, tx *sql.Tx, table string, rows []map[string]any) (applied, skipped int, err error) {
	info, err := loadTableInfo(ctx, tx, table)
	if err != nil {
		return 0, 0, err
	}
	uuidCol, ok := info.Column(colUUID)
	if !ok {
		s.logger.Warn("Table has no uuid column, skipping deltas", "table", table, "records", len(rows))
		return 0, len(rows), nil
	}

	if err := ensureUUIDIndex(ctx, tx, info.Table, uuidCol.Name); err != nil {
		return 0, 0, err
	}

	stmts := make(map[string]*sql.Stmt)
	defer func() {
		for _, st := range stmts {
			_ = st.Close()
		}
	}()

	for _, row := range rows {
		cols, args, err := s.upsertArgs(info, row)
		if err != nil {
			return 0, 0, fmt.Errorf("failed to decode %s row: %w", table, err)
		}
		if cols == nil {
			s.logger.Warn("Skipping delta row without uuid", "table", table)
			skipped++
			continue
		}

		sig := strings.Join(cols, "\x00")
		st, ok := stmts[sig]
		if !ok {
			st, err = tx.PrepareContext(ctx, buildUpsert(info.Table, uuidCol.Name, cols))
			if err != nil {
				return 0, 0, fmt.Errorf("failed to prepare upsert for %s: %w", table, err)
			}
			stmts[sig] = st
		}
		if _, err := st.ExecContext(ctx, args...); err != nil {
			return 0, 0, fmt.Errorf("failed to upsert into %s: %w", table, err)
		}
		applied++
	}
	return applied, skipped, nil
}

// upsertArgs picks the row's columns that exist locally, in a stable order,
// decoded for their declared types. needs_sync is forced to 0 and the
// terminal-local id column is dropped. A nil column list means the row has
// no uuid.
func (s *Store) upsertArgs(info *TableInfo, row map[string]any) ([]string, []any, error) {
	type colVal struct {
		name string
		val  any
	}
	var picked []colVal
	hasUUID := false

	for k, v := range row {
		col, ok := info.Column(k)
		if !ok {
			continue
		}
		switch {
		case strings.EqualFold(col.Name, s.localIDColumn):
			continue
		case strings.EqualFold(col.Name, colNeedsSync):
			continue
		case strings.EqualFold(col.Name, colUUID):
			if v == nil || v == "" {
				return nil, nil, nil
			}
			hasUUID = true
		}
		decoded, err := deltacodec.DecodeValue(v, col.DeclaredType)
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		picked = append(picked, colVal{name: col.Name, val: decoded})
	}
	if !hasUUID {
		return nil, nil, nil
	}
	if col, ok := info.Column(colNeedsSync); ok {
		picked = append(picked, colVal{name: col.Name, val: int64(0)})
	}

	sort.Slice(picked, func(i, j int) bool { return picked[i].name < picked[j].name })
	cols := make([]string, len(picked))
	args := make([]any, len(picked))
	for i, p := range picked {
		cols[i] = p.name
		args[i] = p.val
	}
	return cols, args, nil
}

func buildUpsert(table, uuidCol string, cols []string) string {
	quoted := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	var sets []string
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		placeholders[i] = "?"
		if !strings.EqualFold(c, uuidCol) {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", quoteIdent(c), quoteIdent(c)))
		}
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) ",
		quoteIdent(table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "), quoteIdent(uuidCol))
	if len(sets) == 0 {
		return q + "DO NOTHING"
	}
	return q + "DO UPDATE SET " + strings.Join(sets, ", ")
}

func ensureUUIDIndex(ctx context.Context, tx *sql.Tx, table, uuidCol string) error {
	name := quoteIdent("ux_" + table + "_" + uuidCol)
	q := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(%s)", name, quoteIdent(table), quoteIdent(uuidCol))
	if _, err := tx.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("failed to ensure unique uuid index on %s: %w", table, err)
	}
	return nil
}

// MarkSynced clears needs_sync on the rows of the given batches, but only
// where the row still carries the last_modified value it had when it was
// collected. A row edited after collection stays dirty. It returns the number
// of rows cleared.
func (s *Store) MarkSynced(ctx context.Context, batches []PendingBatch) (int64, error) {
	byFile := make(map[string][]PendingBatch)
	var paths []string
	for _, b := range batches {
		if _, ok := byFile[b.Path]; !ok {
			paths = append(paths, b.Path)
		}
		byFile[b.Path] = append(byFile[b.Path], b)
	}
	sort.Strings(paths)

	var total int64
	for _, path := range paths {
		n, err := s.markFile(ctx, path, byFile[path])
		if err != nil {
			return total, fmt.Errorf("failed to mark records synced in %s: %w", filepath.Base(path), err)
		}
		total += n
	}
	return total, nil
}

func (s *Store) markFile(ctx context.Context, path string, batches []PendingBatch) (cleared int64, err error) {
	db, err := openDB(path, false)
	if err != nil {
		return 0, err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, b := range batches {
		table := quoteIdent(b.Package.TableName)
		q := fmt.Sprintf("UPDATE %s SET %s = 0 WHERE %s = ? AND %s = 1",
			table, quoteIdent(colNeedsSync), quoteIdent(colUUID), quoteIdent(colNeedsSync))
		if b.HasLastModified {
			q += fmt.Sprintf(" AND CAST(%s AS TEXT) IS ?", quoteIdent(colLastModified))
		}
		st, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return 0, fmt.Errorf("failed to prepare cleanup for %s: %w", b.Package.TableName, err)
		}
		for _, k := range b.Keys {
			args := []any{k.UUID}
			if b.HasLastModified {
				args = append(args, k.LastModified)
			}
			res, err := st.ExecContext(ctx, args...)
			if err != nil {
				_ = st.Close()
				return 0, fmt.Errorf("failed to clear needs_sync in %s: %w", b.Package.TableName, err)
			}
			n, _ := res.RowsAffected()
			cleared += n
		}
		_ = st.Close()
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return cleared, nil
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ModulabyAddsy/modula-pos/deltacodec"
	"github.com/ModulabyAddsy/modula-pos/transport"
)

// lastModifiedTextAlias carries last_modified as stored text so the cleaning
// step can compare it exactly, independent of driver type conversion.
const lastModifiedTextAlias = "__sync_last_modified_text"

// RowKey identifies one pushed row as it was when it was read.
type RowKey struct {
	UUID         any
	LastModified sql.NullString
}

// PendingBatch is the dirty rows of one table in one file, ready to push.
type PendingBatch struct {
	Path            string
	Package         transport.PushPackage
	Keys            []RowKey
	HasLastModified bool
}

// CollectPending returns every row with needs_sync = 1 across the company's
// databases, grouped by (file, table). Tables without the uuid and
// needs_sync columns are skipped; their dirty rows are never pushed or
// cleared, only logged. Rows are already wire-safe.
func (s *Store) CollectPending(ctx context.Context, companyID string) ([]PendingBatch, error) {
	files, err := s.DBFiles(companyID)
	if err != nil {
		return nil, err
	}

	var batches []PendingBatch
	err = s.forEachTable(ctx, files, true, func(path string, db *sql.DB, table string) error {
		info, err := loadTableInfo(ctx, db, table)
		if err != nil {
			return err
		}
		if !info.IsSyncable() {
			if info.HasColumn(colNeedsSync) {
				s.warnUnkeyed(ctx, db, path, info)
			}
			return nil
		}
		batch, err := s.collectTable(ctx, db, path, info)
		if err != nil {
			return err
		}
		if batch != nil {
			batches = append(batches, *batch)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to collect pending records: %w", err)
	}
	return batches, nil
}

func (s *Store) collectTable(ctx context.Context, db *sql.DB, path string, info *TableInfo) (*PendingBatch, error) {
	hasLM := info.HasColumn(colLastModified)
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s = 1", quoteIdent(info.Table), quoteIdent(colNeedsSync))
	if hasLM {
		query = fmt.Sprintf("SELECT *, CAST(%s AS TEXT) AS %s FROM %s WHERE %s = 1",
			quoteIdent(colLastModified), lastModifiedTextAlias, quoteIdent(info.Table), quoteIdent(colNeedsSync))
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending rows of %s: %w", info.Table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", info.Table, err)
	}
	dataCols := cols
	if hasLM {
		dataCols = cols[:len(cols)-1]
	}
	uuidIdx := -1
	for i, c := range dataCols {
		if strings.EqualFold(c, colUUID) {
			uuidIdx = i
			break
		}
	}

	key, err := s.layout.CloudKey(path)
	if err != nil {
		return nil, err
	}
	batch := &PendingBatch{
		Path:            path,
		HasLastModified: hasLM,
		Package: transport.PushPackage{
			DBRelativePath:   key,
			TableName:        info.Table,
			PrimaryKeyColumn: s.tables.PrimaryKeyFor(info.Table),
		},
	}
	blobCols := info.BlobColumns()

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan pending row of %s: %w", info.Table, err)
		}

		rowKey := RowKey{UUID: values[uuidIdx]}
		if rowKey.UUID == nil {
			s.logger.Warn("Skipping dirty row without uuid", "table", info.Table, "file", key)
			continue
		}
		if hasLM {
			if lm, ok := values[len(cols)-1].(string); ok {
				rowKey.LastModified = sql.NullString{String: lm, Valid: true}
			} else if b, ok := values[len(cols)-1].([]byte); ok {
				rowKey.LastModified = sql.NullString{String: string(b), Valid: true}
			}
		}

		batch.Keys = append(batch.Keys, rowKey)
		batch.Package.Records = append(batch.Package.Records,
			deltacodec.SanitizeRecord(dataCols, values[:len(dataCols)], blobCols))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending rows of %s: %w", info.Table, err)
	}
	if len(batch.Keys) == 0 {
		return nil, nil
	}
	return batch, nil
}

// warnUnkeyed logs dirty rows of a table the server cannot key by uuid.
func (s *Store) warnUnkeyed(ctx context.Context, db *sql.DB, path string, info *TableInfo) {
	var n int
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = 1", quoteIdent(info.Table), quoteIdent(colNeedsSync))
	if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil || n == 0 {
		return
	}
	s.logger.Warn("Table has dirty rows but no uuid column, not syncing it",
		"table", info.Table, "file", filepath.Base(path), "rows", n)
}

// ComputeHighWaterMarks returns MAX(last_modified) per table, normalized to
// ISO-8601. Tables with the column but no rows report the epoch.
func (s *Store) ComputeHighWaterMarks(ctx context.Context, companyID string) (map[string]string, error) {
	files, err := s.DBFiles(companyID)
	if err != nil {
		return nil, err
	}

	marks := make(map[string]string)
	err = s.forEachTable(ctx, files, true, func(path string, db *sql.DB, table string) error {
		info, err := loadTableInfo(ctx, db, table)
		if err != nil {
			return err
		}
		if !info.HasColumn(colLastModified) {
			return nil
		}
		var maxVal any
		q := fmt.Sprintf("SELECT MAX(%s) FROM %s", quoteIdent(colLastModified), quoteIdent(table))
		if err := db.QueryRowContext(ctx, q).Scan(&maxVal); err != nil {
			return fmt.Errorf("failed to read high-water mark of %s: %w", table, err)
		}
		mark := deltacodec.NormalizeTimestamp(maxVal)
		key := strings.ToLower(table)
		if prev, ok := marks[key]; !ok || mark > prev {
			marks[key] = mark
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to compute high-water marks: %w", err)
	}
	return marks, nil
}

// PendingCounts returns the number of dirty rows per table.
func (s *Store) PendingCounts(ctx context.Context, companyID string) (map[string]int, error) {
	batches, err := s.CollectPending(ctx, companyID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, b := range batches {
		counts[strings.ToLower(b.Package.TableName)] += len(b.Keys)
	}
	return counts, nil
}

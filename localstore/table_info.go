// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// ColumnInfo holds information about a table column
type ColumnInfo struct {
	Name         string
	DeclaredType string
	IsPrimaryKey bool
	NotNull      bool
}

// IsBlob returns true if this column should be treated as BLOB data
func (c *ColumnInfo) IsBlob() bool {
	return strings.Contains(strings.ToLower(c.DeclaredType), "blob")
}

// TableInfo describes one local table.
type TableInfo struct {
	Table   string
	Columns []ColumnInfo
	byLower map[string]*ColumnInfo
}

// Column looks a column up case-insensitively.
func (t *TableInfo) Column(name string) (*ColumnInfo, bool) {
	c, ok := t.byLower[strings.ToLower(name)]
	return c, ok
}

// HasColumn reports whether the table has the named column.
func (t *TableInfo) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// BlobColumns returns the lower-cased names of BLOB columns.
func (t *TableInfo) BlobColumns() map[string]bool {
	out := make(map[string]bool)
	for i := range t.Columns {
		if t.Columns[i].IsBlob() {
			out[strings.ToLower(t.Columns[i].Name)] = true
		}
	}
	return out
}

// IsSyncable reports whether rows of this table take part in sync.
func (t *TableInfo) IsSyncable() bool {
	return t.HasColumn(colNeedsSync) && t.HasColumn(colUUID)
}

func loadTableInfo(ctx context.Context, q queryer, table string) (*TableInfo, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: table, byLower: make(map[string]*ColumnInfo)}
	for rows.Next() {
		var cid, notNull, pk int
		var name string
		var declaredType sql.NullString
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		info.Columns = append(info.Columns, ColumnInfo{
			Name:         name,
			DeclaredType: declaredType.String,
			IsPrimaryKey: pk > 0,
			NotNull:      notNull == 1,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	for i := range info.Columns {
		info.byLower[strings.ToLower(info.Columns[i].Name)] = &info.Columns[i]
	}
	return info, nil
}

func listTables(ctx context.Context, q queryer) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

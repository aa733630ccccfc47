// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package localstore

import "strings"

// DefaultPrimaryKey is used for tables without an explicit entry.
const DefaultPrimaryKey = "uuid"

// TableConfig is the static per-table sync configuration.
type TableConfig struct {
	// PrimaryKeys maps table name to the column the server keys rows on.
	PrimaryKeys map[string]string
	// General lists the company-wide tables; everything else is per-branch.
	General []string
}

// DefaultTableConfig returns the table configuration shipped with the POS.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		PrimaryKeys: map[string]string{
			"egresos":   "uuid",
			"ingresos":  "uuid",
			"usuarios":  "uuid",
			"ventas":    "uuid",
			"clientes":  "uuid",
			"productos": "uuid",
		},
		General: []string{"usuarios", "clientes", "productos"},
	}
}

// PrimaryKeyFor returns the primary-key column for table.
func (c TableConfig) PrimaryKeyFor(table string) string {
	if pk, ok := c.PrimaryKeys[strings.ToLower(table)]; ok && pk != "" {
		return pk
	}
	return DefaultPrimaryKey
}

// IsGeneral reports whether table is company-wide.
func (c TableConfig) IsGeneral(table string) bool {
	for _, t := range c.General {
		if strings.EqualFold(t, table) {
			return true
		}
	}
	return false
}

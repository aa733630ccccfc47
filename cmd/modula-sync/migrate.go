// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ModulabyAddsy/modula-pos/localstore"
)

func newMigrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <db-file> <sql-file>...",
		Short: "Apply schema changes to one database in a single transaction",
		Long: `Runs each SQL file against the database in order. If any statement fails
the whole migration is rolled back and the database is left unchanged.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dbPath := args[0]
			stmts := make([]string, 0, len(args)-1)
			for _, f := range args[1:] {
				b, err := os.ReadFile(f)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", f, err)
				}
				stmts = append(stmts, string(b))
			}

			if err := localstore.Migrate(cmd.Context(), dbPath, stmts); err != nil {
				c.logger.Error("Migration failed", "db", dbPath, "error", err)
				return err
			}
			c.logger.Info("Migration applied", "db", dbPath, "files", len(stmts))
			fmt.Fprintf(cmd.OutOrStdout(), "migrated %s\n", dbPath)
			return nil
		},
	}
}

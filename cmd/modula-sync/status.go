// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pending changes, high-water marks and the sync cursor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := c.newApp()
			company, _ := cmd.Flags().GetString("company")
			if company == "" {
				ident, err := a.ident.Load()
				if err != nil {
					return err
				}
				if ident == nil || ident.CompanyID == "" {
					return errors.New("no stored identity, pass --company")
				}
				company = ident.CompanyID
			}

			ctx := cmd.Context()
			pending, err := a.store.PendingCounts(ctx, company)
			if err != nil {
				return err
			}
			marks, err := a.store.ComputeHighWaterMarks(ctx, company)
			if err != nil {
				return err
			}
			st, err := a.states.Load(company)
			if err != nil {
				return err
			}
			files, err := a.store.DBFiles(company)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "company:  %s\n", company)
			fmt.Fprintf(out, "cursor:   %s\n", st.Cursor())
			fmt.Fprintf(out, "known:    %d tables\n\n", len(st.KnownTables))

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TABLE\tPENDING\tLAST MODIFIED")
			tables := make([]string, 0, len(marks))
			for t := range marks {
				tables = append(tables, t)
			}
			for t := range pending {
				if _, ok := marks[t]; !ok {
					tables = append(tables, t)
				}
			}
			sort.Strings(tables)
			for _, t := range tables {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", t, pending[t], marks[t])
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			fmt.Fprintln(out)
			for _, f := range files {
				key, _ := a.store.Layout().CloudKey(f)
				size := "?"
				if fi, err := os.Stat(f); err == nil {
					size = humanize.Bytes(uint64(fi.Size()))
				}
				fmt.Fprintf(out, "%s  %s\n", key, size)
			}
			return nil
		},
	}
	cmd.Flags().String("company", "", "company id (default: from the stored identity)")
	return cmd
}

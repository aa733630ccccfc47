// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newUploadCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload [db-file...]",
		Short: "Upload whole database files to the cloud",
		Long: `Uploads database files under their cloud key, replacing the server copy.
With no arguments every database of the terminal's company is uploaded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a := c.newApp()
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				token = c.v.GetString("token")
			}
			company, err := a.authenticate(cmd.Context(), token)
			if err != nil {
				return err
			}

			files := args
			if len(files) == 0 {
				if files, err = a.store.DBFiles(company); err != nil {
					return err
				}
			}
			if len(files) == 0 {
				return fmt.Errorf("no databases found for %s", company)
			}

			layout := a.store.Layout()
			for _, f := range files {
				abs, err := filepath.Abs(f)
				if err != nil {
					return err
				}
				key, err := layout.CloudKey(abs)
				if err != nil {
					return err
				}
				fi, err := os.Stat(abs)
				if err != nil {
					return err
				}
				if err := a.client.UploadDBFile(cmd.Context(), key, abs); err != nil {
					return fmt.Errorf("failed to upload %s: %w", key, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s (%s)\n", key, humanize.Bytes(uint64(fi.Size())))
			}
			return nil
		},
	}
	cmd.Flags().String("token", "", "access token (default $MODULA_TOKEN)")
	return cmd
}

// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ModulabyAddsy/modula-pos/terminal"
)

func newIdentityCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "identity",
		Short: "Print the hardware id, the stored identity and the network fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := c.newApp()
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "hardware id:  %s\n", terminal.HardwareID(c.logger))
			ident, err := a.ident.Load()
			if err != nil {
				return err
			}
			if ident == nil {
				fmt.Fprintf(out, "identity:     none (%s)\n", a.ident.Path())
			} else {
				fmt.Fprintf(out, "identity:     %s (%s)\n", ident.TerminalID, a.ident.Path())
				fmt.Fprintf(out, "company:      %s\n", ident.CompanyID)
				fmt.Fprintf(out, "branch:       %d\n", ident.BranchID)
			}

			fp := terminal.Fingerprint(cmd.Context())
			fmt.Fprintf(out, "gateway mac:  %s\n", fp.GatewayMAC)
			fmt.Fprintf(out, "ssid:         %s\n", fp.SSID)
			return nil
		},
	}
}

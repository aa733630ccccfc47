// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ModulabyAddsy/modula-pos/syncer"
	"github.com/ModulabyAddsy/modula-pos/terminal"
	"github.com/ModulabyAddsy/modula-pos/transport"
)

func newSyncCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle without the startup sequence",
		Long: `Pushes pending local changes, pulls server deltas and applies them once.

The access token comes from --token or MODULA_TOKEN. Without one the stored
identity is verified against the server to obtain it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a := c.newApp()
			token, _ := cmd.Flags().GetString("token")
			if token == "" {
				token = c.v.GetString("token")
			}
			company, err := a.authenticate(cmd.Context(), token)
			if err != nil {
				return err
			}
			a.orch.SetCompany(company)

			res := a.orch.RunCycle(cmd.Context())
			if res.Err != nil {
				return fmt.Errorf("sync failed: %w", res.Err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pushed %d, pulled %d, applied %d, cleared %d in %s\n",
				res.Pushed, res.Pulled, res.Applied, res.Cleared, res.Duration.Round(time.Millisecond))
			if res.FullPull {
				fmt.Fprintln(out, "full pull: new local tables were found")
			}
			fmt.Fprintf(out, "cursor %s\n", res.Cursor)
			return nil
		},
	}
	cmd.Flags().String("token", "", "access token (default $MODULA_TOKEN)")
	return cmd
}

// authenticate installs an access token on the client and returns the
// company it belongs to. With an empty token the stored identity is
// verified to obtain one.
func (a *app) authenticate(ctx context.Context, token string) (string, error) {
	ident, err := a.ident.Load()
	if err != nil {
		return "", err
	}

	if token != "" {
		a.client.SetAuthToken(token)
		if claims, ok := a.client.Session().Claims(); ok && claims.CompanyID != "" {
			return claims.CompanyID, nil
		}
		if ident != nil && ident.CompanyID != "" {
			return ident.CompanyID, nil
		}
		return "", errors.New("token carries no company and no identity is stored")
	}

	if ident == nil {
		return "", errors.New("no stored identity, run 'modula-sync run' first or pass --token")
	}
	res := a.client.VerifyTerminal(ctx, ident.TerminalID, terminal.Fingerprint(ctx))
	if res.Status != transport.StatusOK {
		return "", fmt.Errorf("verification failed (%s): %s", res.Status, res.Detail)
	}
	a.client.SetAuthToken(res.AccessToken)
	if res.CompanyID != "" {
		return res.CompanyID, nil
	}
	if ident.CompanyID == "" {
		return "", syncer.ErrNoCompany
	}
	return ident.CompanyID, nil
}

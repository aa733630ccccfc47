// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command modula-sync runs the POS terminal sync core: startup, background
// sync and maintenance commands over the local databases.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ModulabyAddsy/modula-pos/config"
	"github.com/ModulabyAddsy/modula-pos/internal/logging"
	"github.com/ModulabyAddsy/modula-pos/localstore"
	"github.com/ModulabyAddsy/modula-pos/syncer"
	"github.com/ModulabyAddsy/modula-pos/syncstate"
	"github.com/ModulabyAddsy/modula-pos/terminal"
	"github.com/ModulabyAddsy/modula-pos/transport"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// cli carries state shared by every subcommand.
type cli struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	logCloser  io.Closer
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.NewViper()}

	root := &cobra.Command{
		Use:   "modula-sync",
		Short: "Offline sync core of the Modula POS terminal",
		Long: `Keeps the terminal's local SQLite databases in sync with the Modula backend.

Local writes are pushed, server changes are pulled and applied, and the
terminal keeps working from its cached databases when the server cannot
be reached.`,
		SilenceUsage:      true,
		PersistentPreRunE: c.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.logCloser != nil {
				_ = c.logCloser.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (yaml, toml or json)")
	flags.String("data-dir", "", "directory holding the databases and identity file")
	flags.String("log-level", "", "debug, info, warn or error")
	_ = c.v.BindPFlag("data_dir", flags.Lookup("data-dir"))
	_ = c.v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(
		newRunCmd(c),
		newSyncCmd(c),
		newUploadCmd(c),
		newMigrateCmd(c),
		newStatusCmd(c),
		newIdentityCmd(c),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if c.configPath != "" {
		c.v.SetConfigFile(c.configPath)
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", c.configPath, err)
		}
	}
	cfg, err := config.FromViper(c.v)
	if err != nil {
		return err
	}
	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}

	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Stderr:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	// Components that fall back to slog.Default() share the same handler.
	slog.SetDefault(logger)

	c.cfg = cfg
	c.logger = logger
	c.logCloser = closer
	return nil
}

// app is the wired sync core.
type app struct {
	store  *localstore.Store
	client *transport.Client
	states *syncstate.Store
	ident  *terminal.FileStore
	orch   *syncer.Orchestrator
	logger *slog.Logger
}

func (c *cli) newApp() *app {
	cfg := c.cfg
	store := localstore.New(cfg.DataDir, localstore.Options{
		Tables:        cfg.TableConfig(),
		LocalIDColumn: cfg.Sync.LocalIDColumn,
		Logger:        c.logger,
	})
	client := transport.NewClient(transport.Config{
		BaseURL:      cfg.API.BaseURL,
		ShortTimeout: cfg.API.ShortTimeout,
		LongTimeout:  cfg.API.LongTimeout,
		Logger:       c.logger,
	})
	states := syncstate.NewStore(store.Layout().DatabasesRoot())
	ident := terminal.NewFileStore(cfg.DataDir)
	orch := syncer.NewOrchestrator(syncer.OrchestratorConfig{
		Store:         store,
		Remote:        client,
		States:        states,
		LocalIDColumn: cfg.Sync.LocalIDColumn,
		Auth: syncer.NewSessionAuth(syncer.SessionAuthConfig{
			Remote:   client,
			Session:  client.Session(),
			Identity: ident,
			Logger:   c.logger,
		}),
		Logger: c.logger,
	})
	return &app{
		store:  store,
		client: client,
		states: states,
		ident:  ident,
		orch:   orch,
		logger: c.logger,
	}
}

func (a *app) startup(parallelism int) *syncer.Startup {
	return syncer.NewStartup(syncer.StartupConfig{
		Remote:              a.client,
		Identity:            a.ident,
		Local:               a.store,
		Orchestrator:        a.orch,
		DownloadParallelism: parallelism,
		Logger:              a.logger,
	})
}

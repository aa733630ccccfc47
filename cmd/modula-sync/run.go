// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ModulabyAddsy/modula-pos/internal/watch"
	"github.com/ModulabyAddsy/modula-pos/syncer"
)

func newRunCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the terminal and keep it in sync until interrupted",
		Long: `Runs the startup sequence (identity, verification, first-time download
of the databases and a first sync) and then syncs periodically. Writes to
the local databases start a sync early when sync.watch is enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a := c.newApp()
			out := cmd.OutOrStdout()
			progress := syncer.NotifierFunc(func(msg string, pct int) {
				fmt.Fprintf(out, "[%3d%%] %s\n", pct, msg)
			})
			ctrl := syncer.NewController(a.startup(c.cfg.Sync.DownloadParallelism), a.orch, progress, c.logger)

			outcome := <-ctrl.StartApp(ctx)
			if err := reportStartup(out, outcome); err != nil {
				return err
			}
			return a.runBackground(ctx, c)
		},
	}
}

func reportStartup(out io.Writer, outcome syncer.StartupOutcome) error {
	switch o := outcome.(type) {
	case syncer.Ready:
		fmt.Fprintf(out, "Terminal %s ready (company %s, branch %d)\n", o.Identity.TerminalID, o.Identity.CompanyID, o.Identity.BranchID)
		if o.Offline {
			fmt.Fprintln(out, "Server unreachable, working offline")
		}
		if o.Provisioned > 0 {
			fmt.Fprintf(out, "Downloaded %d databases\n", o.Provisioned)
		}
		for _, w := range o.Warnings {
			fmt.Fprintf(out, "warning: %s\n", w)
		}
		if o.SyncErr != nil {
			fmt.Fprintf(out, "First sync failed, will retry: %v\n", o.SyncErr)
		}
		return nil
	case syncer.ActivationRequired:
		fmt.Fprintf(out, "This terminal is not registered. Hardware id: %s\n", o.HardwareID)
		return errors.New("activation required")
	case syncer.LocationMismatch:
		fmt.Fprintf(out, "Terminal is on another branch's network: %s\n", o.Detail)
		if o.Suggestion != nil {
			fmt.Fprintf(out, "Suggested branch: %s (%d)\n", o.Suggestion.Name, o.Suggestion.ID)
		}
		for _, b := range o.Branches {
			fmt.Fprintf(out, "  branch %d: %s\n", b.ID, b.Name)
		}
		return errors.New("location mismatch")
	case syncer.SubscriptionExpired:
		fmt.Fprintf(out, "Subscription expired: %s\n", o.Detail)
		return errors.New("subscription expired")
	case syncer.FatalError:
		return fmt.Errorf("startup failed: %w", o.Err)
	default:
		return fmt.Errorf("unexpected startup outcome %T", outcome)
	}
}

// runBackground runs the scheduler and, when enabled, the database watcher
// until ctx is done.
func (a *app) runBackground(ctx context.Context, c *cli) error {
	cfg := c.cfg

	var lastDone atomic.Int64
	sched := syncer.NewScheduler(a.orch, syncer.SchedulerConfig{
		Interval:   cfg.Sync.Interval,
		BackoffMax: cfg.Sync.BackoffMax,
		OnResult: func(syncer.Result) {
			lastDone.Store(time.Now().UnixNano())
		},
		Logger: a.logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})

	if cfg.Sync.Watch {
		debounce := cfg.Sync.WatchDebounce
		w, err := watch.New(watch.Config{
			Root:     a.store.Layout().CompanyRoot(a.orch.Company()),
			Debounce: debounce,
			// Writes made by a cycle itself must not schedule another one.
			Suppress: func() bool {
				return a.orch.Busy() || time.Since(time.Unix(0, lastDone.Load())) < debounce
			},
			Logger: a.logger,
		}, sched.Trigger)
		if err != nil {
			a.logger.Warn("Database watcher disabled", "error", err)
		} else {
			g.Go(func() error {
				if err := w.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					a.logger.Warn("Database watcher stopped", "error", err)
				}
				return nil
			})
		}
	}

	a.logger.Info("Background sync running", "interval", cfg.Sync.Interval, "watch", cfg.Sync.Watch)
	err := g.Wait()
	if ctx.Err() != nil {
		a.logger.Info("Shutting down")
		return nil
	}
	return err
}

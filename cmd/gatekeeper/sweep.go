// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/stayware/gatekeeper/internal/config"
	sessionpg "github.com/stayware/gatekeeper/internal/session/postgres"
	"github.com/stayware/gatekeeper/internal/store"
	"github.com/stayware/gatekeeper/internal/sweeper"
	tokenpg "github.com/stayware/gatekeeper/internal/token/postgres"
)

// NewSweepCmd creates the sweep subcommand.
func NewSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a single cleanup cycle",
		Long: `Run one sweep cycle that transitions overdue tokens and sessions
to expired, then exit. Useful for cron-style deployments without the
long-running service.`,
		RunE: runSweep,
	}
	cmd.Flags().String("database_url", "", "PostgreSQL connection string")
	return cmd
}

func runSweep(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	worker := sweeper.NewWorker(
		sweeper.Config{Interval: cfg.SweepInterval, BatchSize: cfg.SweepBatchSize},
		tokenpg.NewTokenRepository(pool),
		sessionpg.NewSessionRepository(pool),
		nil, nil,
	)
	if err := worker.RunOnce(ctx); err != nil {
		return err
	}

	cmd.Println("Sweep completed")
	return nil
}

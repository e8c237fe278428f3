// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/stayware/gatekeeper/internal/config"
	"github.com/stayware/gatekeeper/internal/store"
)

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Long:  `Run all pending database migrations against the PostgreSQL database.`,
		RunE:  runMigrate,
	}
	cmd.Flags().String("database_url", "", "PostgreSQL connection string")
	cmd.Flags().Bool("down", false, "roll back all migrations instead of applying them")
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	migrator, err := store.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer migrator.Close() //nolint:errcheck // best effort cleanup

	if down, _ := cmd.Flags().GetBool("down"); down {
		cmd.Println("Rolling back migrations...")
		if err := migrator.Down(); err != nil {
			return err
		}
		cmd.Println("Rollback completed")
		return nil
	}

	cmd.Println("Running migrations...")
	if err := migrator.Up(); err != nil {
		return err
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	cmd.Printf("Migrations completed (version %d, dirty %t)\n", version, dirty)
	return nil
}

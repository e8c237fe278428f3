// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package main

import (
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/stayware/gatekeeper/internal/config"
	"github.com/stayware/gatekeeper/internal/store"
)

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report backend connectivity and migration state",
		Long: `Check PostgreSQL connectivity and the applied migration version,
and ping Redis when a distributed cache is configured.`,
		RunE: runStatus,
	}
	cmd.Flags().String("database_url", "", "PostgreSQL connection string")
	cmd.Flags().String("redis_addr", "", "Redis address")
	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
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
	cmd.Println("postgres: ok")

	migrator, err := store.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer migrator.Close() //nolint:errcheck // best effort cleanup

	version, dirty, err := migrator.Version()
	if err != nil {
		return err
	}
	if version == 0 {
		cmd.Println("migrations: none applied")
	} else {
		cmd.Printf("migrations: version %d, dirty %t\n", version, dirty)
	}

	if cfg.RedisAddr == "" {
		cmd.Println("redis: not configured")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close() //nolint:errcheck // best effort cleanup

	if err := client.Ping(ctx).Err(); err != nil {
		cmd.Printf("redis: unreachable (%v)\n", err)
		return nil
	}
	cmd.Println("redis: ok")
	return nil
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/stayware/gatekeeper/internal/cache"
	"github.com/stayware/gatekeeper/internal/config"
	"github.com/stayware/gatekeeper/internal/logging"
	"github.com/stayware/gatekeeper/internal/observability"
	"github.com/stayware/gatekeeper/internal/session"
	sessionpg "github.com/stayware/gatekeeper/internal/session/postgres"
	"github.com/stayware/gatekeeper/internal/store"
	"github.com/stayware/gatekeeper/internal/sweeper"
	"github.com/stayware/gatekeeper/internal/token"
	tokenpg "github.com/stayware/gatekeeper/internal/token/postgres"
	"github.com/stayware/gatekeeper/internal/usage"
	usagepg "github.com/stayware/gatekeeper/internal/usage/postgres"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gatekeeper service",
		Long: `Start the gatekeeper service: connects to PostgreSQL and Redis,
starts the cleanup sweeper and the observability endpoints, and runs
until interrupted.`,
		RunE: runServe,
	}
	cmd.Flags().String("database_url", "", "PostgreSQL connection string")
	cmd.Flags().String("redis_addr", "", "Redis address (empty disables the distributed cache tier)")
	cmd.Flags().String("observability_addr", "", "metrics and health listen address")
	cmd.Flags().String("log_level", "", "log level (debug, info, warn, error)")
	cmd.Flags().String("log_format", "", "log format (text, json)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	logging.SetDefault("gatekeeper", version, cfg.LogLevel, cfg.LogFormat)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	var distributed cache.Distributed
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close() //nolint:errcheck // shutdown path
		distributed = cache.NewRedisCache(client, 0)
	}

	tokenCache := cache.NewTiered[*token.Token]("token",
		cache.NewMemory[*token.Token](cfg.CacheMaxEntries, time.Now),
		distributed, cfg.CacheTTL)
	sessionCache := cache.NewTiered[*session.Session]("session",
		cache.NewMemory[*session.Session](cfg.CacheMaxEntries, time.Now),
		distributed, cfg.CacheTTL)

	tokenRepo := tokenpg.NewTokenRepository(pool)
	sessionRepo := sessionpg.NewSessionRepository(pool)
	usageRepo := usagepg.NewUsageRepository(pool)

	recorder := usage.NewRecorder(usageRepo, logger)
	defer recorder.Close()

	codec, err := token.NewCodec([]byte(cfg.SigningKey), time.Now)
	if err != nil {
		return err
	}

	// serve hosts the sweeper and observability surfaces only; the
	// authority and session service are library entry points consumed
	// by the embedding platform. They are constructed here so a bad
	// configuration (short signing key, broken pool) fails at startup
	// rather than on first embedded use.
	authority := token.NewAuthority(tokenRepo, tokenCache, codec,
		token.WithLogger(logger),
		token.WithRecorder(recorder),
	)
	_ = authority

	sessions := session.NewService(sessionRepo, sessionCache, usageRepo,
		session.WithLogger(logger),
		session.WithRecorder(recorder),
	)
	_ = sessions

	sweep := sweeper.NewWorker(
		sweeper.Config{Interval: cfg.SweepInterval, BatchSize: cfg.SweepBatchSize},
		tokenRepo, sessionRepo, tokenCache, sessionCache,
		sweeper.WithLogger(logger),
	)
	if err := sweep.Start(ctx); err != nil {
		return err
	}
	defer sweep.Stop()

	var ready atomic.Bool
	obs := observability.NewServer(cfg.ObservabilityAddr, ready.Load)
	obsErrs, err := obs.Start()
	if err != nil {
		return err
	}
	ready.Store(true)

	logger.Info("gatekeeper started",
		"observability_addr", obs.Addr(),
		"distributed_cache", cfg.RedisAddr != "")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-obsErrs:
		if err != nil {
			logger.Error("observability server failed", "error", err)
		}
	}
	ready.Store(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return obs.Stop(shutdownCtx)
}

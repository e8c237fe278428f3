// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package sweeper runs the periodic cleanup pass that transitions
// overdue tokens and sessions to expired. It is the safety net behind
// lazy expiry: records that are never looked up still get swept.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stayware/gatekeeper/internal/cache"
	"github.com/stayware/gatekeeper/internal/credential"
	"github.com/stayware/gatekeeper/internal/session"
	"github.com/stayware/gatekeeper/internal/token"
)

// Config defines the sweep schedule.
type Config struct {
	Interval  time.Duration // How often to run the sweep cycle
	BatchSize int           // Max records per entity per cycle
}

// DefaultConfig returns the default sweep configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		BatchSize: 500,
	}
}

// Swept counts records transitioned to expired by the sweeper.
// Use RegisterMetrics to register this with a Prometheus registry.
var Swept = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeeper_sweeper_expired_total",
	Help: "Total number of records transitioned to expired by the sweeper",
}, []string{"entity"})

// RegisterMetrics registers sweeper package metrics with the given
// Prometheus registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Swept)
}

// Worker periodically expires overdue tokens and sessions. Each record
// is committed independently so one failure never blocks the rest, and
// the active-and-overdue filter makes the pass idempotent under
// overlapping runs.
type Worker struct {
	cfg      Config
	tokens   token.Repository
	sessions session.Repository
	tcache   *cache.Tiered[*token.Token]
	scache   *cache.Tiered[*session.Session]
	logger   *slog.Logger
	clock    credential.Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock sets the time source. Defaults to time.Now.
func WithClock(clock credential.Clock) Option {
	return func(w *Worker) { w.clock = clock }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// NewWorker creates a sweep worker. Either cache may be nil, in which
// case swept records keep their cache entries until TTL.
func NewWorker(cfg Config, tokens token.Repository, sessions session.Repository, tcache *cache.Tiered[*token.Token], scache *cache.Tiered[*session.Session], opts ...Option) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	w := &Worker{
		cfg:      cfg,
		tokens:   tokens,
		sessions: sessions,
		tcache:   tcache,
		scache:   scache,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce executes a single sweep cycle. Both entities are attempted
// even if the first fails; errors are combined.
func (w *Worker) RunOnce(ctx context.Context) error {
	now := w.clock()
	var errs []error

	swept, err := w.sweepTokens(ctx, now)
	if err != nil {
		w.logger.Error("token sweep failed", "error", err)
		errs = append(errs, err)
	} else if swept > 0 {
		w.logger.Info("swept expired tokens", "count", swept)
	}

	swept, err = w.sweepSessions(ctx, now)
	if err != nil {
		w.logger.Error("session sweep failed", "error", err)
		errs = append(errs, err)
	} else if swept > 0 {
		w.logger.Info("swept expired sessions", "count", swept)
	}

	return errors.Join(errs...)
}

func (w *Worker) sweepTokens(ctx context.Context, now time.Time) (int, error) {
	overdue, err := w.tokens.ListExpired(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, record := range overdue {
		// Per-record commit: a concurrent lazy expiry or a second
		// sweeper just sees RowsAffected == 0 here.
		flipped, err := w.tokens.MarkExpired(ctx, record.ID)
		if err != nil {
			w.logger.Warn("token sweep skipped record",
				"token_id", record.ID.String(), "error", err)
			continue
		}
		if !flipped {
			continue
		}
		if w.tcache != nil {
			if err := w.tcache.Delete(ctx, "token:"+record.SecretHash); err != nil {
				w.logger.Warn("token sweep cache invalidation incomplete",
					"token_id", record.ID.String(), "error", err)
			}
		}
		swept++
		Swept.WithLabelValues("token").Inc()
	}
	return swept, nil
}

func (w *Worker) sweepSessions(ctx context.Context, now time.Time) (int, error) {
	overdue, err := w.sessions.ListExpired(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, record := range overdue {
		flipped, err := w.sessions.MarkExpired(ctx, record.ID)
		if err != nil {
			w.logger.Warn("session sweep skipped record",
				"session_id", record.ID.String(), "error", err)
			continue
		}
		if !flipped {
			continue
		}
		if w.scache != nil {
			if err := w.scache.Delete(ctx, "session:"+record.SecretHash); err != nil {
				w.logger.Warn("session sweep cache invalidation incomplete",
					"session_id", record.ID.String(), "error", err)
			}
		}
		swept++
		Swept.WithLabelValues("session").Inc()
	}
	return swept, nil
}

// Start begins periodic sweeping.
func (w *Worker) Start(ctx context.Context) error {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.run(ctx)
	return nil
}

// Stop stops the worker and waits for the in-flight cycle.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	// Run once immediately
	if err := w.RunOnce(ctx); err != nil {
		w.logger.Error("sweep cycle failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("sweep cycle failed", "error", err)
			}
		}
	}
}

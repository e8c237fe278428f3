// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder buffer and write-timeout defaults.
const (
	defaultBuffer       = 1000
	defaultWriteTimeout = 5 * time.Second
)

// ChannelFull counts async entries dropped because the buffer was full.
// Use RegisterMetrics to register this with a Prometheus registry.
var ChannelFull = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "gatekeeper_usage_channel_full_total",
	Help: "Total number of usage entries dropped because the async buffer was full",
})

// WriteFailures counts usage entries that could not be persisted.
// Use RegisterMetrics to register this with a Prometheus registry.
var WriteFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gatekeeper_usage_write_failures_total",
	Help: "Total number of usage write failures",
}, []string{"mode"})

// RegisterMetrics registers usage package metrics with the given
// Prometheus registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(ChannelFull)
	reg.MustRegister(WriteFailures)
}

// Recorder writes usage entries to a Repository. Record is asynchronous
// with a bounded buffer; RecordSync writes inline. Both swallow
// failures after logging them — usage logging must never fail the
// calling operation.
type Recorder struct {
	repo   Repository
	logger *slog.Logger

	entries  chan Entry
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewRecorder creates a Recorder and starts its consumer goroutine.
// Call Close to drain and stop it.
func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		repo:     repo,
		logger:   logger,
		entries:  make(chan Entry, defaultBuffer),
		stopChan: make(chan struct{}),
	}

	r.wg.Add(1)
	go r.consume()

	return r
}

// Record enqueues an entry for asynchronous persistence. When the
// buffer is full the entry is dropped and counted, never blocking the
// caller.
func (r *Recorder) Record(entry Entry) {
	select {
	case r.entries <- entry:
	default:
		ChannelFull.Inc()
	}
}

// RecordSync persists an entry inline. Failures are logged and
// swallowed.
func (r *Recorder) RecordSync(ctx context.Context, entry Entry) {
	if err := r.repo.Append(ctx, entry); err != nil {
		WriteFailures.WithLabelValues("sync").Inc()
		r.logger.Error("usage write failed",
			"kind", entry.Kind,
			"subject_id", entry.SubjectID.String(),
			"action", entry.Action,
			"error", err)
	}
}

// Close stops the consumer after draining buffered entries.
func (r *Recorder) Close() {
	close(r.stopChan)
	r.wg.Wait()
}

func (r *Recorder) consume() {
	defer r.wg.Done()

	for {
		select {
		case entry := <-r.entries:
			r.write(entry)
		case <-r.stopChan:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case entry := <-r.entries:
			r.write(entry)
		default:
			return
		}
	}
}

func (r *Recorder) write(entry Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
	defer cancel()

	if err := r.repo.Append(ctx, entry); err != nil {
		WriteFailures.WithLabelValues("async").Inc()
		r.logger.Error("async usage write failed",
			"kind", entry.Kind,
			"subject_id", entry.SubjectID.String(),
			"action", entry.Action,
			"error", err)
	}
}

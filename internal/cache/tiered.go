// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/stayware/gatekeeper/internal/credential"
)

// Loader resolves a value from the durable store when both cache tiers miss.
type Loader[T any] func(ctx context.Context) (T, error)

// TieredOption configures a Tiered cache.
type TieredOption[T any] func(*Tiered[T])

// WithCodec overrides the JSON encode/decode pair used for the
// distributed tier.
func WithCodec[T any](encode func(T) ([]byte, error), decode func([]byte) (T, error)) TieredOption[T] {
	return func(t *Tiered[T]) {
		t.encode = encode
		t.decode = decode
	}
}

// WithLogger sets the logger used for degradation events.
func WithLogger[T any](logger *slog.Logger) TieredOption[T] {
	return func(t *Tiered[T]) {
		t.logger = logger
	}
}

// Tiered composes the in-process cache, the distributed cache, and a
// durable-store loader into one read/write API.
//
// Resolution order on Get: memory → distributed (backfilling memory on
// hit) → loader (backfilling both on hit). Mutations are written by the
// owning service to the durable store first; Set and Delete here only
// maintain the cache tiers, distributed before memory, so a crash
// between steps leaves the durable store authoritative.
//
// The cache TTL bounds the staleness window after a partial failure;
// it must not exceed the minimum plausible lifetime of the cached
// entity.
type Tiered[T any] struct {
	name        string
	memory      *Memory[T]
	distributed Distributed // nil disables the distributed tier
	ttl         time.Duration
	encode      func(T) ([]byte, error)
	decode      func([]byte) (T, error)
	logger      *slog.Logger
}

// NewTiered creates a Tiered cache. distributed may be nil, in which
// case only the memory tier fronts the loader. name labels metrics.
func NewTiered[T any](name string, memory *Memory[T], distributed Distributed, ttl time.Duration, opts ...TieredOption[T]) *Tiered[T] {
	t := &Tiered[T]{
		name:        name,
		memory:      memory,
		distributed: distributed,
		ttl:         ttl,
		encode: func(v T) ([]byte, error) {
			return json.Marshal(v) //nolint:wrapcheck // callers wrap with cache context
		},
		decode: func(data []byte) (T, error) {
			var v T
			err := json.Unmarshal(data, &v)
			return v, err //nolint:wrapcheck // callers wrap with cache context
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TTL returns the TTL applied to cached entries.
func (t *Tiered[T]) TTL() time.Duration {
	return t.ttl
}

// Get resolves key through the tiers, backfilling faster tiers from
// slower ones. Distributed-cache failures are absorbed: the read
// degrades to the loader. Loader errors propagate unchanged.
func (t *Tiered[T]) Get(ctx context.Context, key string, load Loader[T]) (T, error) {
	if value, ok := t.memory.Get(key); ok {
		Hits.WithLabelValues(t.name, TierMemory).Inc()
		return value, nil
	}

	if t.distributed != nil {
		data, err := t.distributed.Get(ctx, key)
		switch {
		case err == nil:
			value, decodeErr := t.decode(data)
			if decodeErr == nil {
				Hits.WithLabelValues(t.name, TierDistributed).Inc()
				t.memory.Set(key, value, t.ttl)
				return value, nil
			}
			// Malformed cache payload: drop it and fall through to the
			// store rather than serving garbage.
			t.logger.Warn("dropping undecodable cache entry",
				"cache", t.name, "key", key, "error", decodeErr)
			_ = t.distributed.Delete(ctx, key) //nolint:errcheck // best effort cleanup
		case errors.Is(err, credential.ErrNotFound):
			// Miss; fall through to the loader.
		case errors.Is(err, credential.ErrCacheUnavailable):
			Degradations.WithLabelValues(t.name, "get").Inc()
			t.logger.Warn("distributed cache unavailable, degrading to store",
				"cache", t.name, "error", err)
		default:
			Degradations.WithLabelValues(t.name, "get").Inc()
			t.logger.Warn("distributed cache read failed, degrading to store",
				"cache", t.name, "error", err)
		}
	}

	value, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	Hits.WithLabelValues(t.name, TierStore).Inc()
	t.backfill(ctx, key, value)
	return value, nil
}

// Set writes value through the cache tiers, distributed first. The
// caller must already have written the durable store. Distributed
// failures are absorbed; the memory tier is always updated.
func (t *Tiered[T]) Set(ctx context.Context, key string, value T) {
	t.backfill(ctx, key, value)
}

// Delete removes key from both cache tiers, distributed first. The
// memory tier is always cleared even when the distributed delete
// fails. Returns an error wrapping credential.ErrCacheUnavailable when
// the distributed delete could not be confirmed, so security-sensitive
// callers can log the bounded staleness window; the durable store
// remains authoritative either way.
func (t *Tiered[T]) Delete(ctx context.Context, key string) error {
	var distErr error
	if t.distributed != nil {
		if err := t.distributed.Delete(ctx, key); err != nil {
			Degradations.WithLabelValues(t.name, "delete").Inc()
			distErr = oops.Code("CACHE_TIER_DELETE_FAILED").
				With("cache", t.name).
				With("key", key).
				Wrap(err)
		}
	}
	t.memory.Delete(key)
	return distErr
}

func (t *Tiered[T]) backfill(ctx context.Context, key string, value T) {
	if t.distributed != nil {
		data, err := t.encode(value)
		if err != nil {
			t.logger.Warn("cache encode failed", "cache", t.name, "key", key, "error", err)
		} else if err := t.distributed.SetWithTTL(ctx, key, data, t.ttl); err != nil {
			Degradations.WithLabelValues(t.name, "set").Inc()
			t.logger.Warn("distributed cache write failed",
				"cache", t.name, "error", err)
		}
	}
	t.memory.Set(key, value, t.ttl)
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

// Package cache provides the tiered read/write path used by the token
// and session services: a bounded in-process cache, a distributed
// Redis-backed cache, and a durable-store loader composed into one API.
package cache

import (
	"context"
	"time"
)

// Distributed is the contract for the shared TTL-based key/value cache.
// Implementations map missing keys to credential.ErrNotFound and
// connectivity failures to credential.ErrCacheUnavailable.
type Distributed interface {
	// Get retrieves the value stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL stores value under key with the given TTL.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/stayware/gatekeeper/internal/credential"
)

// defaultRedisTimeout bounds each Redis operation so a slow or
// partitioned cache degrades to the durable store instead of stalling
// the caller.
const defaultRedisTimeout = 250 * time.Millisecond

// RedisCache implements Distributed using go-redis.
type RedisCache struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisCache creates a RedisCache. A zero timeout selects the default.
func NewRedisCache(client *redis.Client, timeout time.Duration) *RedisCache {
	if timeout <= 0 {
		timeout = defaultRedisTimeout
	}
	return &RedisCache{client: client, timeout: timeout}
}

// Get retrieves the value stored under key.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, credential.ErrNotFound
		}
		return nil, oops.Code("CACHE_GET_FAILED").
			With("key", key).
			Wrap(errors.Join(credential.ErrCacheUnavailable, err))
	}
	return val, nil
}

// SetWithTTL stores value under key with the given TTL.
func (c *RedisCache) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return oops.Code("CACHE_SET_FAILED").
			With("key", key).
			Wrap(errors.Join(credential.ErrCacheUnavailable, err))
	}
	return nil
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return oops.Code("CACHE_DELETE_FAILED").
			With("key", key).
			Wrap(errors.Join(credential.ErrCacheUnavailable, err))
	}
	return nil
}

// Compile-time interface check.
var _ Distributed = (*RedisCache)(nil)

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeeper Contributors

package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/stayware/gatekeeper/internal/credential"
)

// Memory is a bounded, TTL-aware in-process cache with LRU eviction.
// Every read re-checks expiry; eviction alone is never relied on for
// correctness. Safe for concurrent use. Per-instance only: no
// cross-instance coordination is needed or attempted.
type Memory[T any] struct {
	mu         sync.Mutex
	maxEntries int
	clock      credential.Clock
	order      *list.List // front = most recently used
	entries    map[string]*list.Element
}

type memoryEntry[T any] struct {
	key       string
	value     T
	expiresAt time.Time
}

// NewMemory creates a bounded in-process cache holding at most
// maxEntries values. A nil clock defaults to time.Now.
func NewMemory[T any](maxEntries int, clock credential.Clock) *Memory[T] {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	if clock == nil {
		clock = time.Now
	}
	return &Memory[T]{
		maxEntries: maxEntries,
		clock:      clock,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Get retrieves a value if present and unexpired. Expired entries are
// removed on read.
func (m *Memory[T]) Get(key string) (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero T
	elem, ok := m.entries[key]
	if !ok {
		return zero, false
	}

	entry := elem.Value.(*memoryEntry[T])
	if !m.clock().Before(entry.expiresAt) {
		m.removeLocked(elem)
		return zero, false
	}

	m.order.MoveToFront(elem)
	return entry.value, true
}

// Set stores a value with the given TTL, evicting the least recently
// used entry when the cache is full. A non-positive TTL is a no-op.
func (m *Memory[T]) Set(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt := m.clock().Add(ttl)
	if elem, ok := m.entries[key]; ok {
		entry := elem.Value.(*memoryEntry[T])
		entry.value = value
		entry.expiresAt = expiresAt
		m.order.MoveToFront(elem)
		return
	}

	if m.order.Len() >= m.maxEntries {
		if oldest := m.order.Back(); oldest != nil {
			m.removeLocked(oldest)
		}
	}

	elem := m.order.PushFront(&memoryEntry[T]{key: key, value: value, expiresAt: expiresAt})
	m.entries[key] = elem
}

// Delete removes a key if present.
func (m *Memory[T]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		m.removeLocked(elem)
	}
}

// Len returns the number of entries currently held, including entries
// that have expired but not yet been read or evicted.
func (m *Memory[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

func (m *Memory[T]) removeLocked(elem *list.Element) {
	entry := elem.Value.(*memoryEntry[T])
	delete(m.entries, entry.key)
	m.order.Remove(elem)
}

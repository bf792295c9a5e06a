// Package testutil provides in-memory collaborators for tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/meigma/picload/cache"
	"github.com/meigma/picload/fingerprint"
)

// MemoryCache implements cache.Cache in memory.
type MemoryCache struct {
	mu     sync.RWMutex
	data   map[string][]byte
	writes atomic.Int64
}

var _ cache.Cache = (*MemoryCache)(nil)

// NewMemoryCache constructs an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{data: make(map[string][]byte)}
}

// Contains reports whether key is cached.
func (c *MemoryCache) Contains(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if key == "" {
		return false, cache.ErrEmptyKey
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.data[fingerprint.Of(key)]
	return ok, nil
}

// Get returns the cached bytes for key.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, cache.ErrEmptyKey
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.data[fingerprint.Of(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cache.ErrNotFound, key)
	}
	return data, nil
}

// Write stores data for key.
func (c *MemoryCache) Write(ctx context.Context, data []byte, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return cache.ErrEmptyKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[fingerprint.Of(key)] = append([]byte(nil), data...)
	c.writes.Add(1)
	return nil
}

// Remove deletes key.
func (c *MemoryCache) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return cache.ErrEmptyKey
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, fingerprint.Of(key))
	return nil
}

// Clear deletes every entry.
func (c *MemoryCache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.data)
	return nil
}

// Len returns the number of entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Writes returns how many writes have been applied.
func (c *MemoryCache) Writes() int64 {
	return c.writes.Load()
}

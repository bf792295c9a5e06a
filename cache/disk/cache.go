// Package disk provides a filesystem-backed cache.
//
// Each entry is a single file named by the fingerprint of its key, placed
// directly under the cache root:
//
//	<root>/<FINGERPRINT>
//
// Writes go to a temporary file in the same directory and are renamed into
// place, so readers never observe a partially written entry.
package disk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meigma/picload/cache"
)

const (
	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
	tempPrefix      = "cache-"
	tempPattern     = tempPrefix + "*"
)

// Cache implements cache.Cache using the local filesystem.
// The cache is safe for concurrent use.
type Cache struct {
	dir            string       // root directory for cached files
	shardPrefixLen int          // number of fingerprint chars for subdirectory sharding
	dirPerm        os.FileMode  // permissions for created directories
	maxBytes       int64        // maximum cache size (0 = unlimited)
	bytes          atomic.Int64 // current total size of cached files
	pruneMu        sync.Mutex   // serializes prune and clear operations
	logger         *slog.Logger
	metrics        cache.Metrics
}

var _ cache.Cache = (*Cache)(nil)

// Option configures a disk cache.
type Option func(*Cache)

// WithShardPrefixLen sets the number of fingerprint characters used for
// subdirectory sharding. Defaults to 0, which keeps every entry directly
// under the root.
func WithShardPrefixLen(n int) Option {
	return func(c *Cache) {
		c.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for cache directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithMaxBytes sets the maximum cache size in bytes.
// Values < 0 are invalid. Use 0 to disable the limit.
func WithMaxBytes(n int64) Option {
	return func(c *Cache) {
		c.maxBytes = n
	}
}

// WithLogger sets the logger used to report swallowed storage failures.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics sink for cache operations.
func WithMetrics(m cache.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// New creates a disk-backed cache rooted at dir, creating it if needed.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	c := &Cache{
		dir:     dir,
		dirPerm: defaultDirPerm,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if c.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if c.maxBytes < 0 {
		return nil, errors.New("max bytes must be >= 0")
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	c.bytes.Store(size)
	return c, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// Contains reports whether an entry exists for key.
func (c *Cache) Contains(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := c.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cache.ObserveLookup(c.metrics, false)
			return false, nil
		}
		return false, fmt.Errorf("cache: stat %s: %w", filepath.Base(path), err)
	}
	hit := info.Mode().IsRegular()
	cache.ObserveLookup(c.metrics, hit)
	return hit, nil
}

// Get returns the bytes stored for key.
// Returns cache.ErrNotFound if the entry does not exist.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := c.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from a fingerprint, not user input
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cache.ObserveLookup(c.metrics, false)
			return nil, fmt.Errorf("%w: %s", cache.ErrNotFound, key)
		}
		return nil, fmt.Errorf("cache: read %s: %w", filepath.Base(path), err)
	}
	cache.ObserveLookup(c.metrics, true)
	if c.maxBytes > 0 {
		// Pruning evicts by modification time; refresh it so reads count as use.
		now := time.Now()
		_ = os.Chtimes(path, now, now)
	}
	return data, nil
}

// Write stores data for key. Storage failures are logged and swallowed.
func (c *Cache) Write(ctx context.Context, data []byte, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := c.path(key)
	if err != nil {
		return err
	}
	if err := c.put(path, data); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
		cache.ObserveError(c.metrics, "write")
		return nil
	}
	cache.ObserveWrite(c.metrics, len(data))
	return nil
}

// Remove deletes the entry for key. Storage failures are logged and swallowed.
func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := c.path(key)
	if err != nil {
		return err
	}
	removed, err := c.delete(path)
	if err != nil {
		c.logger.Warn("cache remove failed", "key", key, "error", err)
		cache.ObserveError(c.metrics, "remove")
		return nil
	}
	if removed {
		cache.ObserveRemove(c.metrics)
	}
	return nil
}

// Clear deletes every cached entry. The root directory itself is kept.
// Storage failures are logged and swallowed; a cancelled ctx stops the
// sweep and is returned.
func (c *Cache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	removed, remaining, err := clearDir(ctx, c.dir)
	c.bytes.Store(remaining)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		c.logger.Warn("cache clear failed", "dir", c.dir, "error", err)
		cache.ObserveError(c.metrics, "clear")
		return nil
	}
	for range removed {
		cache.ObserveRemove(c.metrics)
	}
	c.logger.Debug("cache cleared", "dir", c.dir, "entries", removed)
	return nil
}

// MaxBytes returns the configured cache size limit (0 = unlimited).
func (c *Cache) MaxBytes() int64 {
	return c.maxBytes
}

// SizeBytes returns the current cache size in bytes.
func (c *Cache) SizeBytes() int64 {
	return c.bytes.Load()
}

// Prune removes least recently used entries until the cache is at or
// below targetBytes. Returns the number of bytes freed.
func (c *Cache) Prune(targetBytes int64) (int64, error) {
	if targetBytes < 0 {
		targetBytes = 0
	}
	c.pruneMu.Lock()
	defer c.pruneMu.Unlock()

	freed, remaining, err := pruneDir(c.dir, targetBytes)
	if err != nil {
		return 0, err
	}
	c.bytes.Store(remaining)
	return freed, nil
}

func (c *Cache) path(key string) (string, error) {
	name, err := cache.Name(key)
	if err != nil {
		return "", err
	}
	if c.shardPrefixLen <= 0 {
		return filepath.Join(c.dir, name), nil
	}
	prefixLen := min(c.shardPrefixLen, len(name))
	return filepath.Join(c.dir, name[:prefixLen], name), nil
}

func (c *Cache) put(path string, data []byte) error {
	size := int64(len(data))
	if ok, err := c.ensureCapacity(size); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("entry of %d bytes exceeds cache limit %d", size, c.maxBytes)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	var previous int64
	if info, statErr := os.Stat(path); statErr == nil {
		previous = info.Size()
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	c.bytes.Add(size - previous)
	return nil
}

func (c *Cache) delete(path string) (bool, error) {
	info, statErr := os.Stat(path)
	if statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return false, nil
		}
		return false, statErr
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	c.bytes.Add(-info.Size())
	return true, nil
}

func (c *Cache) ensureCapacity(need int64) (bool, error) {
	if c.maxBytes <= 0 {
		return true, nil
	}
	if need > c.maxBytes {
		return false, nil
	}
	if c.SizeBytes()+need <= c.maxBytes {
		return true, nil
	}
	if _, err := c.Prune(c.maxBytes - need); err != nil {
		return false, err
	}
	return c.SizeBytes()+need <= c.maxBytes, nil
}

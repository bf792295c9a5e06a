// Package badger provides a cache backed by an embedded BadgerDB.
//
// It is an alternative to the disk cache for hosts that hold many small
// assets, where one file per entry becomes expensive. Entries are keyed by
// fingerprint exactly like the disk cache, so the two are interchangeable.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/meigma/picload/cache"
)

// Cache implements cache.Cache on top of BadgerDB.
type Cache struct {
	db       *badgerdb.DB
	inMemory bool
	logger   *slog.Logger
	metrics  cache.Metrics
}

var _ cache.Cache = (*Cache)(nil)

// Option configures a Badger cache.
type Option func(*Cache)

// WithInMemory keeps the database in memory only. The dir passed to New
// is ignored.
func WithInMemory() Option {
	return func(c *Cache) {
		c.inMemory = true
	}
}

// WithLogger sets the logger used to report swallowed storage failures.
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

// New opens (or creates) a Badger cache stored under dir.
func New(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	if dir == "" && !c.inMemory {
		return nil, errors.New("cache dir is empty")
	}

	dbOpts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if c.inMemory {
		dbOpts = badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger: %w", err)
	}
	c.db = db
	return c, nil
}

// Close releases the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Contains reports whether an entry exists for key.
func (c *Cache) Contains(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	name, err := cache.Name(key)
	if err != nil {
		return false, err
	}
	err = c.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(name))
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		cache.ObserveLookup(c.metrics, false)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: lookup %s: %w", name, err)
	}
	cache.ObserveLookup(c.metrics, true)
	return true, nil
}

// Get returns the bytes stored for key, or cache.ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := cache.Name(key)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		cache.ObserveLookup(c.metrics, false)
		return nil, fmt.Errorf("%w: %s", cache.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", name, err)
	}
	cache.ObserveLookup(c.metrics, true)
	return data, nil
}

// Write stores data for key. Storage failures are logged and swallowed.
func (c *Cache) Write(ctx context.Context, data []byte, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := cache.Name(key)
	if err != nil {
		return err
	}
	err = c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(name), data)
	})
	if err != nil {
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
	name, err := cache.Name(key)
	if err != nil {
		return err
	}
	err = c.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(name))
	})
	if err != nil {
		c.logger.Warn("cache remove failed", "key", key, "error", err)
		cache.ObserveError(c.metrics, "remove")
		return nil
	}
	cache.ObserveRemove(c.metrics)
	return nil
}

// Clear drops every entry. Storage failures are logged and swallowed.
func (c *Cache) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.db.DropAll(); err != nil {
		c.logger.Warn("cache clear failed", "error", err)
		cache.ObserveError(c.metrics, "clear")
	}
	return nil
}

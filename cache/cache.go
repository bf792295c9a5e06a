// Package cache provides content-addressed storage for fetched assets.
//
// Entries are addressed by the fingerprint of their original key (usually
// a URL). Stores never see the original key, and an entry carries no
// metadata: existence implies validity.
//
// The cache is an optimization rather than a correctness dependency.
// Write, Remove and Clear therefore log and swallow storage failures; a
// failed write simply means the next request fetches again.
package cache

import (
	"context"
	"errors"

	"github.com/meigma/picload/fingerprint"
)

// Sentinel errors for cache operations.
var (
	// ErrNotFound is returned by Get when no entry exists for the key.
	ErrNotFound = errors.New("cache: not found")

	// ErrEmptyKey is returned when an operation is called with an empty key.
	ErrEmptyKey = errors.New("cache: empty key")
)

// Cache stores raw asset bytes keyed by an opaque string.
//
// Every operation checks ctx before touching storage and returns ctx.Err()
// if it is already done. Implementations must be safe for concurrent use;
// concurrent writes to the same key are last-write-wins.
type Cache interface {
	// Contains reports whether an entry exists for key.
	Contains(ctx context.Context, key string) (bool, error)

	// Get returns the bytes stored for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Write stores data for key, replacing any previous entry.
	Write(ctx context.Context, data []byte, key string) error

	// Remove deletes the entry for key. Missing entries are not an error.
	Remove(ctx context.Context, key string) error

	// Clear deletes every entry. Clearing an empty cache is not an error.
	Clear(ctx context.Context) error
}

// Name returns the storage name for key.
func Name(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	return fingerprint.Of(key), nil
}

// Metrics receives cache observations. A nil Metrics disables collection.
type Metrics interface {
	// ObserveLookup records a Contains or Get result.
	ObserveLookup(hit bool)

	// ObserveWrite records a completed write of n bytes.
	ObserveWrite(n int)

	// ObserveRemove records a removed entry.
	ObserveRemove()

	// ObserveError records a swallowed storage failure for op.
	ObserveError(op string)
}

// ObserveLookup forwards to m if it is non-nil.
func ObserveLookup(m Metrics, hit bool) {
	if m != nil {
		m.ObserveLookup(hit)
	}
}

// ObserveWrite forwards to m if it is non-nil.
func ObserveWrite(m Metrics, n int) {
	if m != nil {
		m.ObserveWrite(n)
	}
}

// ObserveRemove forwards to m if it is non-nil.
func ObserveRemove(m Metrics) {
	if m != nil {
		m.ObserveRemove()
	}
}

// ObserveError forwards to m if it is non-nil.
func ObserveError(m Metrics, op string) {
	if m != nil {
		m.ObserveError(op)
	}
}

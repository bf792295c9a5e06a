package picload

import (
	"errors"

	"github.com/meigma/picload/cache"
	"github.com/meigma/picload/http"
	"github.com/meigma/picload/preload"
)

// ErrClosed is returned by operations on a closed Loader.
var ErrClosed = errors.New("picload: loader closed")

// Errors re-exported from the cache.
var (
	// ErrNotFound is returned when a cache entry does not exist.
	ErrNotFound = cache.ErrNotFound

	// ErrEmptyKey is returned when a cache operation gets an empty key.
	ErrEmptyKey = cache.ErrEmptyKey
)

// Errors re-exported from the scheduler.
var (
	// ErrEmptyURL is returned for an empty asset URL.
	ErrEmptyURL = preload.ErrEmptyURL

	// ErrEmptyPayload is returned when a download yields no bytes.
	ErrEmptyPayload = preload.ErrEmptyPayload
)

// Errors re-exported from the HTTP fetcher.
var (
	// ErrTransient marks failures that were retried.
	ErrTransient = http.ErrTransient

	// ErrGatewayTimeout is returned when every attempt got a 504.
	ErrGatewayTimeout = http.ErrGatewayTimeout

	// ErrAttemptTimeout is returned when every attempt hit its deadline.
	ErrAttemptTimeout = http.ErrAttemptTimeout
)

// StatusError reports a non-success HTTP status.
type StatusError = http.StatusError

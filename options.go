package picload

import (
	"context"
	"errors"
	"log/slog"
	nethttp "net/http"
	"time"

	"github.com/meigma/picload/cache"
	"github.com/meigma/picload/cache/disk"
	"github.com/meigma/picload/http"
	"github.com/meigma/picload/preload"
)

// DefaultCacheDirName is the directory created under the user cache
// directory when no cache is configured.
const DefaultCacheDirName = "picload"

// Metrics receives observations from every layer of a Loader.
// [github.com/meigma/picload/metrics/prometheus.Metrics] implements it.
type Metrics interface {
	cache.Metrics
	http.Metrics
	preload.Metrics
}

// Option configures a Loader.
type Option func(*settings) error

type settings struct {
	ctx    context.Context
	logger *slog.Logger

	cache         cache.Cache
	cacheDir      string
	cacheMaxBytes int64
	shardPrefix   int

	fetcher   preload.Fetcher
	fetchOpts []http.Option

	maxParallel int
	progress    preload.ProgressFunc
	metrics     Metrics
}

// --- Cache Options ---

// WithCacheDir stores cached assets as files in dir.
func WithCacheDir(dir string) Option {
	return func(s *settings) error {
		if dir == "" {
			return errors.New("cache dir must not be empty")
		}
		s.cacheDir = dir
		return nil
	}
}

// WithCacheMaxBytes bounds the size of the disk cache. When a write would
// exceed the limit the least recently used entries are removed. Zero
// disables the limit.
func WithCacheMaxBytes(n int64) Option {
	return func(s *settings) error {
		if n < 0 {
			return errors.New("cache max bytes must be non-negative")
		}
		s.cacheMaxBytes = n
		return nil
	}
}

// WithCacheShardPrefix spreads disk cache files over subdirectories named
// by the first n characters of their fingerprint.
func WithCacheShardPrefix(n int) Option {
	return func(s *settings) error {
		if n < 0 {
			return errors.New("cache shard prefix must be non-negative")
		}
		s.shardPrefix = n
		return nil
	}
}

// WithCache sets a custom cache implementation. It takes precedence over
// the disk cache options.
func WithCache(c cache.Cache) Option {
	return func(s *settings) error {
		if c == nil {
			return preload.ErrNilCache
		}
		s.cache = c
		return nil
	}
}

// --- Fetch Options ---

// WithFetcher sets a custom fetcher. The HTTP fetch options are then ignored.
func WithFetcher(f preload.Fetcher) Option {
	return func(s *settings) error {
		if f == nil {
			return preload.ErrNilFetcher
		}
		s.fetcher = f
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for downloads.
func WithHTTPClient(client *nethttp.Client) Option {
	return func(s *settings) error {
		s.fetchOpts = append(s.fetchOpts, http.WithClient(client))
		return nil
	}
}

// WithHeader adds a request header to every download.
func WithHeader(key, value string) Option {
	return func(s *settings) error {
		s.fetchOpts = append(s.fetchOpts, http.WithHeader(key, value))
		return nil
	}
}

// WithUserAgent sets the User-Agent header for downloads.
func WithUserAgent(ua string) Option {
	return WithHeader("User-Agent", ua)
}

// WithTimeout sets the per-attempt download timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) error {
		if d <= 0 {
			return errors.New("timeout must be positive")
		}
		s.fetchOpts = append(s.fetchOpts, http.WithTimeout(d))
		return nil
	}
}

// WithAttempts sets how many times a download is attempted.
func WithAttempts(n int) Option {
	return func(s *settings) error {
		if n < 1 {
			return errors.New("attempts must be at least 1")
		}
		s.fetchOpts = append(s.fetchOpts, http.WithAttempts(n))
		return nil
	}
}

// WithRetryDelay sets the initial delay between download attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(s *settings) error {
		if d < 0 {
			return errors.New("retry delay must be non-negative")
		}
		s.fetchOpts = append(s.fetchOpts, http.WithRetryDelay(d))
		return nil
	}
}

// --- Scheduling Options ---

// WithMaxParallel caps concurrent downloads during Preload. Zero and
// negative values mean unbounded.
func WithMaxParallel(n int) Option {
	return func(s *settings) error {
		s.maxParallel = n
		return nil
	}
}

// WithProgress sets a callback for Preload progress.
func WithProgress(fn ProgressFunc) Option {
	return func(s *settings) error {
		s.progress = fn
		return nil
	}
}

// --- Ambient Options ---

// WithLogger sets the logger shared by every layer.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithMetrics sets the metrics sink shared by every layer.
func WithMetrics(m Metrics) Option {
	return func(s *settings) error {
		s.metrics = m
		return nil
	}
}

// WithContext sets the context processes derive from. Cancelling it stops
// every running process.
func WithContext(ctx context.Context) Option {
	return func(s *settings) error {
		if ctx == nil {
			return errors.New("context must not be nil")
		}
		s.ctx = ctx
		return nil
	}
}

func (s *settings) buildCache() (cache.Cache, error) {
	if s.cache != nil {
		return s.cache, nil
	}
	dir := s.cacheDir
	if dir == "" {
		var err error
		if dir, err = defaultCacheDir(); err != nil {
			return nil, err
		}
	}
	opts := []disk.Option{
		disk.WithLogger(s.logger),
		disk.WithMaxBytes(s.cacheMaxBytes),
		disk.WithShardPrefixLen(s.shardPrefix),
	}
	if s.metrics != nil {
		opts = append(opts, disk.WithMetrics(s.metrics))
	}
	return disk.New(dir, opts...)
}

func (s *settings) buildFetcher() preload.Fetcher {
	if s.fetcher != nil {
		return s.fetcher
	}
	opts := []http.Option{http.WithLogger(s.logger)}
	if s.metrics != nil {
		opts = append(opts, http.WithMetrics(s.metrics))
	}
	return http.New(append(opts, s.fetchOpts...)...)
}

// Package preload schedules asset downloads into a cache.
//
// A Scheduler sits between callers and a [Fetcher]. Preload warms the cache
// for a batch of URLs with bounded parallelism, and Get serves a single
// asset from the cache or the network. Concurrent requests for the same
// URL share one download.
package preload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/meigma/picload/cache"
	"github.com/meigma/picload/internal/telemetry"
)

// Unbounded is the stored parallelism limit when no cap applies.
const Unbounded = -1

// Sentinel errors.
var (
	// ErrNilCache is returned by New when the cache is nil.
	ErrNilCache = errors.New("preload: nil cache")

	// ErrNilFetcher is returned by New when the fetcher is nil.
	ErrNilFetcher = errors.New("preload: nil fetcher")

	// ErrEmptyURL is returned by Get for an empty URL.
	ErrEmptyURL = errors.New("preload: empty url")

	// ErrEmptyPayload is returned when a download yields zero bytes.
	// Empty payloads are never cached.
	ErrEmptyPayload = errors.New("preload: empty payload")
)

// Fetcher downloads the bytes at a URL.
//
// Download returns (nil, nil) when ctx is cancelled mid-flight.
// [github.com/meigma/picload/http.Fetcher] satisfies this interface.
type Fetcher interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// Metrics receives scheduler observations. A nil Metrics disables collection.
type Metrics interface {
	// ObserveInFlight adds delta to the number of running fetches.
	ObserveInFlight(delta int)

	// ObserveShared records a caller that joined an existing fetch.
	ObserveShared()

	// ObservePreload records the outcome of one URL in a Preload batch.
	ObservePreload(outcome string)
}

// Scheduler fetches assets into a cache with in-flight de-duplication.
type Scheduler struct {
	cache       cache.Cache
	fetcher     Fetcher
	maxParallel int
	logger      *slog.Logger
	metrics     Metrics
	progress    ProgressFunc

	mu       sync.Mutex
	flights  map[flightKey]*flight
	draining map[flightKey]*flight
	known    map[string]struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMaxParallel caps the number of concurrent downloads started by
// Preload. Zero and negative values mean unbounded.
func WithMaxParallel(n int) Option {
	return func(s *Scheduler) {
		s.maxParallel = normalizeParallel(n)
	}
}

// WithLogger sets the logger. By default logs are discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithProgress sets a callback that receives one event per URL in each
// Preload batch.
func WithProgress(fn ProgressFunc) Option {
	return func(s *Scheduler) {
		s.progress = fn
	}
}

// New creates a Scheduler that stores assets in c and downloads them with f.
func New(c cache.Cache, f Fetcher, opts ...Option) (*Scheduler, error) {
	if c == nil {
		return nil, ErrNilCache
	}
	if f == nil {
		return nil, ErrNilFetcher
	}
	s := &Scheduler{
		cache:       c,
		fetcher:     f,
		maxParallel: Unbounded,
		logger:      slog.New(slog.DiscardHandler),
		flights:     make(map[flightKey]*flight),
		draining:    make(map[flightKey]*flight),
		known:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func normalizeParallel(n int) int {
	if n <= 0 {
		return Unbounded
	}
	return n
}

// MaxParallel returns the parallelism cap, or [Unbounded].
func (s *Scheduler) MaxParallel() int {
	return s.maxParallel
}

// Cache returns the underlying cache.
func (s *Scheduler) Cache() cache.Cache {
	return s.cache
}

// Preload downloads every uncached URL in urls into the cache.
//
// URLs are dispatched in order. When the parallelism cap is reached the
// call blocks until a running download finishes. Individual failures are
// logged and skipped. Preload returns nil once every started download has
// settled, or ctx.Err() as soon as ctx is done; downloads still running
// at that point are abandoned and nothing further is written.
func (s *Scheduler) Preload(ctx context.Context, urls []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := telemetry.Start(ctx, telemetry.SpanPreload,
		attribute.Int(telemetry.AttrURLCount, len(urls)))
	defer span.End()

	var sem *semaphore.Weighted
	if s.maxParallel > 0 {
		sem = semaphore.NewWeighted(int64(s.maxParallel))
	}

	var (
		g       errgroup.Group
		settled atomic.Int64
	)
	total := len(urls)
	report := func(url string, outcome Outcome, err error) {
		s.observePreload(outcome)
		if s.progress != nil {
			s.progress(ProgressEvent{
				URL:     url,
				Outcome: outcome,
				Err:     err,
				Done:    int(settled.Add(1)),
				Total:   total,
			})
		}
	}

	for _, url := range urls {
		if err := ctx.Err(); err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		if url == "" {
			s.logger.Warn("skipping empty url")
			report(url, OutcomeInvalid, ErrEmptyURL)
			continue
		}
		s.track(url)

		ok, err := s.cache.Contains(ctx, url)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("cache lookup failed", slog.String("url", url), slog.Any("error", err))
		}
		if ok {
			report(url, OutcomeCached, nil)
			continue
		}

		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				telemetry.RecordError(span, err)
				return err
			}
		}
		g.Go(func() error {
			if sem != nil {
				defer sem.Release(1)
			}
			if _, err := s.join(ctx, flightKey{url: url, cached: true}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("preload failed", slog.String("url", url), slog.Any("error", err))
				report(url, OutcomeFailed, err)
				return nil
			}
			s.logger.Debug("preloaded", slog.String("url", url))
			report(url, OutcomeFetched, nil)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait() //nolint:errcheck // workers never return errors
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		telemetry.RecordError(span, ctx.Err())
		return ctx.Err()
	}
}

// Get returns the bytes for url.
//
// With preload set, a cached entry is returned directly; otherwise the
// asset is downloaded and written to the cache. Without preload the asset
// is always downloaded and the cache is neither read nor written. In both
// modes concurrent callers for the same URL share one download.
//
// Get returns ctx.Err() if ctx is done before the asset is available, and
// [ErrEmptyPayload] if the download yields no bytes.
func (s *Scheduler) Get(ctx context.Context, url string, preload bool) (data []byte, err error) {
	if url == "" {
		return nil, ErrEmptyURL
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, span := telemetry.Start(ctx, telemetry.SpanGet,
		attribute.String(telemetry.AttrURL, url),
		attribute.Bool(telemetry.AttrCached, preload))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if preload {
		s.track(url)
		if data, ok := s.lookup(ctx, url); ok {
			span.SetAttributes(attribute.Bool(telemetry.AttrCacheHit, true))
			return data, nil
		}
		span.SetAttributes(attribute.Bool(telemetry.AttrCacheHit, false))
	}

	data, err = s.join(ctx, flightKey{url: url, cached: preload})
	if err != nil {
		if ctx.Err() == nil {
			err = fmt.Errorf("preload: get %s: %w", url, err)
		}
		return nil, err
	}
	span.SetAttributes(attribute.Int(telemetry.AttrBytes, len(data)))
	return data, nil
}

// Unload removes the cache entries for urls. Removal is best-effort;
// only cancellation is reported.
func (s *Scheduler) Unload(ctx context.Context, urls []string) error {
	for _, url := range urls {
		if err := ctx.Err(); err != nil {
			return err
		}
		if url == "" {
			continue
		}
		if err := s.cache.Remove(ctx, url); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("unload failed", slog.String("url", url), slog.Any("error", err))
		}
		s.untrack(url)
	}
	return nil
}

// UnloadAll removes every URL this scheduler has preloaded or cached.
func (s *Scheduler) UnloadAll(ctx context.Context) error {
	return s.Unload(ctx, s.Known())
}

// Clear removes every entry from the cache, including entries this
// scheduler did not write.
func (s *Scheduler) Clear(ctx context.Context) error {
	if err := s.cache.Clear(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	clear(s.known)
	s.mu.Unlock()
	return nil
}

// Known returns the URLs tracked for UnloadAll, in no particular order.
func (s *Scheduler) Known() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	urls := make([]string, 0, len(s.known))
	for url := range s.known {
		urls = append(urls, url)
	}
	return urls
}

// InFlight returns the number of fetches currently shared by callers.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.flights)
}

func (s *Scheduler) track(url string) {
	s.mu.Lock()
	s.known[url] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) untrack(url string) {
	s.mu.Lock()
	delete(s.known, url)
	s.mu.Unlock()
}

func (s *Scheduler) observeInFlight(delta int) {
	if s.metrics != nil {
		s.metrics.ObserveInFlight(delta)
	}
}

func (s *Scheduler) observeShared() {
	if s.metrics != nil {
		s.metrics.ObserveShared()
	}
}

func (s *Scheduler) observePreload(outcome Outcome) {
	if s.metrics != nil {
		s.metrics.ObservePreload(outcome.String())
	}
}

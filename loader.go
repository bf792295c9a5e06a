package picload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/meigma/picload/cache"
	"github.com/meigma/picload/preload"
	"github.com/meigma/picload/process"
)

// Loader fetches, caches and displays remote assets of type T.
//
// Loader is safe for concurrent use.
type Loader[T any] struct {
	cache     cache.Cache
	scheduler *preload.Scheduler
	registry  *process.Registry[T]
	logger    *slog.Logger

	mu     sync.Mutex
	heads  map[string]*process.Process[T]
	closed bool
}

// New creates a Loader whose processes deliver raw bytes.
//
// Without [WithCache] or [WithCacheDir] assets are cached under
// [DefaultCacheDirName] in the user cache directory.
func New(opts ...Option) (*Loader[[]byte], error) {
	return NewDecoding(process.Bytes, opts...)
}

// NewDecoding creates a Loader whose processes decode fetched bytes with
// decode before delivering them.
func NewDecoding[T any](decode process.Decoder[T], opts ...Option) (*Loader[T], error) {
	s := &settings{
		ctx:    context.Background(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	c, err := s.buildCache()
	if err != nil {
		return nil, fmt.Errorf("picload: cache: %w", err)
	}

	schedOpts := []preload.Option{
		preload.WithMaxParallel(s.maxParallel),
		preload.WithLogger(s.logger),
		preload.WithProgress(s.progress),
	}
	if s.metrics != nil {
		schedOpts = append(schedOpts, preload.WithMetrics(s.metrics))
	}
	scheduler, err := preload.New(c, s.buildFetcher(), schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("picload: %w", err)
	}

	registry, err := process.NewRegistry(scheduler, decode,
		process.WithLogger(s.logger),
		process.WithContext(s.ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("picload: %w", err)
	}

	return &Loader[T]{
		cache:     c,
		scheduler: scheduler,
		registry:  registry,
		logger:    s.logger,
		heads:     make(map[string]*process.Process[T]),
	}, nil
}

func defaultCacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, DefaultCacheDirName), nil
}

// Process returns a process that displays url.
//
// If a live process for url already exists, a new layer on it is returned
// and the cached flag of the existing process applies. Otherwise a new head
// process is created; it is forgotten once it completes or is disposed.
func (l *Loader[T]) Process(url string, cached bool) *process.Process[T] {
	l.mu.Lock()
	defer l.mu.Unlock()

	if head, ok := l.heads[url]; ok && !head.State().Terminal() {
		return head.GetLayer(true)
	}

	head := l.registry.New(url, cached)
	head.OnDispose(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.heads[url] == head {
			delete(l.heads, url)
		}
	})
	if !l.closed {
		l.heads[url] = head
	}
	return head
}

// Preload downloads every uncached URL in urls into the cache.
// See [preload.Scheduler.Preload].
func (l *Loader[T]) Preload(ctx context.Context, urls []string) error {
	if l.isClosed() {
		return ErrClosed
	}
	return l.scheduler.Preload(ctx, urls)
}

// Get returns the bytes for url, through the cache when cached is set.
// See [preload.Scheduler.Get].
func (l *Loader[T]) Get(ctx context.Context, url string, cached bool) ([]byte, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}
	return l.scheduler.Get(ctx, url, cached)
}

// Unload removes the cache entries for urls.
func (l *Loader[T]) Unload(ctx context.Context, urls []string) error {
	if l.isClosed() {
		return ErrClosed
	}
	return l.scheduler.Unload(ctx, urls)
}

// UnloadAll removes every entry this Loader has cached.
func (l *Loader[T]) UnloadAll(ctx context.Context) error {
	if l.isClosed() {
		return ErrClosed
	}
	return l.scheduler.UnloadAll(ctx)
}

// Clear removes every entry from the cache.
func (l *Loader[T]) Clear(ctx context.Context) error {
	if l.isClosed() {
		return ErrClosed
	}
	return l.scheduler.Clear(ctx)
}

// Cache returns the underlying cache.
func (l *Loader[T]) Cache() cache.Cache {
	return l.cache
}

// Scheduler returns the underlying scheduler.
func (l *Loader[T]) Scheduler() *preload.Scheduler {
	return l.scheduler
}

// Registry returns the process registry.
func (l *Loader[T]) Registry() *process.Registry[T] {
	return l.registry
}

// Close disposes every live process and closes the cache if it holds
// resources. Close is idempotent.
func (l *Loader[T]) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.registry.Close()

	if closer, ok := l.cache.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("picload: close cache: %w", err)
		}
	}
	l.logger.Debug("loader closed")
	return nil
}

func (l *Loader[T]) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

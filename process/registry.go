// Package process drives the display of one remote asset into targets.
//
// A head [Process] fetches an asset once and delivers it to every target
// registered on it. Layers attach to a head: they carry their own targets
// and callbacks, reuse the head's result when it has one, and can be
// disposed without touching the head. Disposing a head disposes its layers.
//
// Processes live in a [Registry], which owns them by [ID]. Layers refer to
// their head by ID and share only its outcome, so neither side keeps the
// other alive.
package process

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrNilGetter is returned by NewRegistry when get is nil.
var ErrNilGetter = errors.New("process: nil getter")

// ErrNilDecoder is returned by NewRegistry when decode is nil.
var ErrNilDecoder = errors.New("process: nil decoder")

// ID identifies a process within its registry.
type ID = uuid.UUID

// Getter fetches asset bytes. [github.com/meigma/picload/preload.Scheduler]
// satisfies it.
type Getter interface {
	Get(ctx context.Context, url string, cached bool) ([]byte, error)
}

// GetterFunc adapts a function to [Getter].
type GetterFunc func(ctx context.Context, url string, cached bool) ([]byte, error)

// Get calls fn.
func (fn GetterFunc) Get(ctx context.Context, url string, cached bool) ([]byte, error) {
	return fn(ctx, url, cached)
}

// Decoder turns fetched bytes into a displayable asset.
type Decoder[T any] func(data []byte) (T, error)

// Bytes is the identity decoder.
func Bytes(data []byte) ([]byte, error) {
	return data, nil
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	logger *slog.Logger
	ctx    context.Context
}

// WithLogger sets the registry logger. By default logs are discarded.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithContext sets the base context every process derives its own from.
// Cancelling it cancels all running fetches.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

// Registry creates and owns processes.
type Registry[T any] struct {
	get    Getter
	decode Decoder[T]
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	procs map[ID]*Process[T]
}

// NewRegistry creates a registry whose processes fetch with get and decode
// with decode.
func NewRegistry[T any](get Getter, decode Decoder[T], opts ...Option) (*Registry[T], error) {
	if get == nil {
		return nil, ErrNilGetter
	}
	if decode == nil {
		return nil, ErrNilDecoder
	}
	o := options{
		logger: slog.New(slog.DiscardHandler),
		ctx:    context.Background(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(o.ctx)
	return &Registry[T]{
		get:    get,
		decode: decode,
		logger: o.logger,
		ctx:    ctx,
		cancel: cancel,
		procs:  make(map[ID]*Process[T]),
	}, nil
}

// New creates a head process for url. cached selects whether the fetch
// reads and writes the cache.
func (r *Registry[T]) New(url string, cached bool) *Process[T] {
	p := r.newProcess(url, cached, uuid.Nil, newOutcome[T]())
	r.logger.Debug("process created", slog.String("id", p.id.String()), slog.String("url", url))
	return p
}

func (r *Registry[T]) newProcess(url string, cached bool, head ID, out *outcome[T]) *Process[T] {
	ctx, cancel := context.WithCancel(r.ctx)
	p := &Process[T]{
		id:      uuid.New(),
		reg:     r,
		url:     url,
		cached:  cached,
		head:    head,
		outcome: out,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	r.mu.Lock()
	r.procs[p.id] = p
	r.mu.Unlock()
	return p
}

// Lookup returns the live process with id.
func (r *Registry[T]) Lookup(id ID) (*Process[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	return p, ok
}

// Len returns the number of live processes.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Close disposes every live process and cancels the base context.
func (r *Registry[T]) Close() {
	r.mu.Lock()
	procs := make([]*Process[T], 0, len(r.procs))
	for _, p := range r.procs {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	// Heads first so their layers go through the cascade.
	for _, p := range procs {
		if p.IsHead() {
			p.Dispose()
		}
	}
	for _, p := range procs {
		p.Dispose()
	}
	r.cancel()
}

func (r *Registry[T]) release(id ID) {
	r.mu.Lock()
	delete(r.procs, id)
	r.mu.Unlock()
}

// outcome is the result of a head, shared with its layers.
type outcome[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	ok    bool
}

func newOutcome[T any]() *outcome[T] {
	return &outcome[T]{done: make(chan struct{})}
}

// settle records the head's result. Only the first call has effect.
func (o *outcome[T]) settle(value T, ok bool) {
	o.once.Do(func() {
		o.value, o.ok = value, ok
		close(o.done)
	})
}

func (o *outcome[T]) result() (T, bool) {
	return o.value, o.ok
}

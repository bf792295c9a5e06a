package preload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meigma/picload/cache"
)

// flightKey separates cached and uncached fetches of the same URL: an
// uncached Get must never observe or populate the cache.
type flightKey struct {
	url    string
	cached bool
}

// flight is one shared fetch. Waiters hold references; when the last
// waiter leaves before the fetch settles, the fetch is cancelled.
type flight struct {
	done    chan struct{}
	cancel  context.CancelFunc
	waiters int

	// after, when non-nil, is the done channel of the most recent abandoned
	// flight for the same key. A flight never closes done before its own
	// after has closed, so the chain covers every earlier abandoned flight
	// and a key never has two Fetcher calls running.
	after <-chan struct{}

	data []byte
	err  error
}

func (f *flight) settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// join attaches the caller to the flight for key, starting one if none is
// running, and waits for its result or ctx.
func (s *Scheduler) join(ctx context.Context, key flightKey) ([]byte, error) {
	s.mu.Lock()
	f, shared := s.flights[key]
	if !shared {
		// The fetch outlives any single waiter; it keeps ctx values for
		// tracing but not its cancellation.
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{done: make(chan struct{}), cancel: cancel}
		if old, ok := s.draining[key]; ok {
			f.after = old.done
		}
		s.flights[key] = f
		go s.fly(fctx, key, f)
	}
	f.waiters++
	s.mu.Unlock()

	if shared {
		s.observeShared()
		s.logger.Debug("joined in-flight fetch", slog.String("url", key.url), slog.Bool("cached", key.cached))
	}

	select {
	case <-f.done:
		s.leave(key, f)
		return f.data, f.err
	case <-ctx.Done():
		s.leave(key, f)
		return nil, ctx.Err()
	}
}

// leave drops one reference to f and cancels it if nobody is left waiting.
func (s *Scheduler) leave(key flightKey, f *flight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.waiters--
	if f.waiters > 0 || f.settled() {
		return
	}
	if s.flights[key] == f {
		delete(s.flights, key)
		s.draining[key] = f
	}
	f.cancel()
}

// fly runs the fetch for f and publishes its result.
func (s *Scheduler) fly(ctx context.Context, key flightKey, f *flight) {
	defer f.cancel()
	s.observeInFlight(1)

	if f.after != nil {
		<-f.after
	}

	data, err := s.fetch(ctx, key)
	s.observeInFlight(-1)

	s.mu.Lock()
	f.data, f.err = data, err
	if s.flights[key] == f {
		delete(s.flights, key)
	}
	if s.draining[key] == f {
		delete(s.draining, key)
	}
	s.mu.Unlock()
	close(f.done)
}

// fetch downloads key.url and, for cached keys, writes the payload.
func (s *Scheduler) fetch(ctx context.Context, key flightKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key.cached {
		// Another flight may have cached the entry since the caller's lookup.
		if data, ok := s.lookup(ctx, key.url); ok {
			return data, nil
		}
	}

	data, err := s.fetcher.Download(ctx, key.url)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyPayload, key.url)
	}
	if key.cached {
		if err := s.cache.Write(ctx, data, key.url); err != nil {
			s.logger.Warn("cache write failed", slog.String("url", key.url), slog.Any("error", err))
		}
	}
	return data, nil
}

// lookup reads url from the cache. Read failures other than a miss are
// logged and treated as a miss.
func (s *Scheduler) lookup(ctx context.Context, url string) ([]byte, bool) {
	data, err := s.cache.Get(ctx, url)
	switch {
	case err == nil:
		return data, true
	case errors.Is(err, cache.ErrNotFound), ctx.Err() != nil:
		return nil, false
	default:
		s.logger.Warn("cache read failed", slog.String("url", url), slog.Any("error", err))
		return nil, false
	}
}

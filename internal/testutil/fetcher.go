package testutil

import (
	"context"
	"sync"
	"sync/atomic"
)

// StubFetcher serves canned payloads and records call statistics.
//
// Respond decides what each call returns; by default every URL yields
// "payload:" + url. If Gate is non-nil, calls block until it is closed or
// ctx is done, which lets tests hold fetches in flight.
type StubFetcher struct {
	Respond func(url string) ([]byte, error)
	Gate    chan struct{}
	// Started receives the URL of each call as it begins, when non-nil.
	Started chan string

	calls     atomic.Int64
	active    atomic.Int64
	highWater atomic.Int64

	mu     sync.Mutex
	perURL map[string]int
}

// NewStubFetcher returns a StubFetcher with the default responder.
func NewStubFetcher() *StubFetcher {
	return &StubFetcher{perURL: make(map[string]int)}
}

// Download implements the fetcher contract: cancellation yields (nil, nil).
func (f *StubFetcher) Download(ctx context.Context, url string) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, nil
	}
	f.calls.Add(1)
	f.mu.Lock()
	if f.perURL == nil {
		f.perURL = make(map[string]int)
	}
	f.perURL[url]++
	f.mu.Unlock()

	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		hw := f.highWater.Load()
		if n <= hw || f.highWater.CompareAndSwap(hw, n) {
			break
		}
	}

	if f.Started != nil {
		select {
		case f.Started <- url:
		case <-ctx.Done():
			return nil, nil
		}
	}
	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return nil, nil
		}
	}
	if ctx.Err() != nil {
		return nil, nil
	}
	if f.Respond != nil {
		return f.Respond(url)
	}
	return []byte("payload:" + url), nil
}

// Calls returns the total number of Download calls.
func (f *StubFetcher) Calls() int64 {
	return f.calls.Load()
}

// CallsFor returns the number of Download calls for url.
func (f *StubFetcher) CallsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.perURL[url]
}

// HighWater returns the maximum number of concurrent calls observed.
func (f *StubFetcher) HighWater() int64 {
	return f.highWater.Load()
}

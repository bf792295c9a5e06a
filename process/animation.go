package process

import (
	"context"
	"sync"
	"time"
)

// Animation is played while a process waits for its asset.
//
// Play must not block; it starts the animation and returns. Stop ends it
// and restores whatever it changed. Stop may be called without a prior
// Play and more than once.
type Animation interface {
	Play(ctx context.Context)
	Stop()
}

// DefaultFrameInterval is the Ticker interval used when none is given.
const DefaultFrameInterval = time.Second / 60

// Ticker is a cooperative frame loop. It calls step once per interval
// until stopped or until the context passed to Play is done, then calls
// restore once.
type Ticker struct {
	interval time.Duration
	step     func(frame int)
	restore  func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTicker returns a Ticker. A non-positive interval uses
// [DefaultFrameInterval]; step and restore may be nil.
func NewTicker(interval time.Duration, step func(frame int), restore func()) *Ticker {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &Ticker{interval: interval, step: step, restore: restore}
}

// Play starts the loop. Playing a running Ticker does nothing.
func (t *Ticker) Play(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.loop(ctx, t.done)
}

// Stop ends the loop and waits for restore to return. Stop must not be
// called from step or restore.
func (t *Ticker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()
	if done == nil {
		return
	}
	cancel()
	<-done
}

func (t *Ticker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	tick := time.NewTicker(t.interval)
	defer tick.Stop()
	for frame := 0; ; frame++ {
		select {
		case <-ctx.Done():
			if t.restore != nil {
				t.restore()
			}
			return
		case <-tick.C:
			if t.step != nil {
				t.step(frame)
			}
		}
	}
}

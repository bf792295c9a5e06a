package process

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// State is the lifecycle position of a process.
type State uint8

// Process states. Completed and Disposed are terminal.
const (
	StateCreated State = iota
	StateRunning
	StateCompleted
	StateDisposed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is Completed or Disposed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDisposed
}

// Process delivers one asset into its targets.
//
// Configure a process with the builder methods, then call Run once. Every
// builder method is additive and returns the process for chaining;
// callbacks fire in registration order. Methods are safe for concurrent
// use. Callbacks run without internal locks held and must not block.
type Process[T any] struct {
	id      ID
	reg     *Registry[T]
	url     string
	cached  bool
	head    ID // uuid.Nil for heads
	outcome *outcome[T]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	state       State
	err         error
	targets     []func(T)
	placeholder T
	hasWait     bool
	errAsset    T
	hasErrAsset bool
	animations  []Animation
	onComplete  []func()
	onDispose   []func()
	onError     []func(error)
	layers      []ID
}

// ID returns the process identifier.
func (p *Process[T]) ID() ID { return p.id }

// URL returns the asset URL.
func (p *Process[T]) URL() string { return p.url }

// Cached reports whether the fetch goes through the cache.
func (p *Process[T]) Cached() bool { return p.cached }

// IsHead reports whether p is a head process.
func (p *Process[T]) IsHead() bool { return p.head == ID{} }

// Head returns the ID of the head p belongs to; a head returns its own ID.
func (p *Process[T]) Head() ID {
	if p.IsHead() {
		return p.id
	}
	return p.head
}

// State returns the current state.
func (p *Process[T]) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the failure that completed p, if any.
func (p *Process[T]) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed once p reaches a terminal state and every callback has run.
func (p *Process[T]) Done() <-chan struct{} {
	return p.done
}

// SetTarget adds a sink that receives the placeholder and the result.
func (p *Process[T]) SetTarget(fn func(T)) *Process[T] {
	if fn == nil {
		return p
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Terminal() {
		p.targets = append(p.targets, fn)
	}
	return p
}

// SetWaitAsset sets the placeholder delivered to targets when Run starts.
// The last call wins.
func (p *Process[T]) SetWaitAsset(asset T) *Process[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Terminal() {
		p.placeholder, p.hasWait = asset, true
	}
	return p
}

// SetErrorAsset sets the asset delivered to targets when fetching or
// decoding fails. The last call wins.
func (p *Process[T]) SetErrorAsset(asset T) *Process[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Terminal() {
		p.errAsset, p.hasErrAsset = asset, true
	}
	return p
}

// AddAnimation adds an animation played while the asset loads.
func (p *Process[T]) AddAnimation(a Animation) *Process[T] {
	if a == nil {
		return p
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Terminal() {
		p.animations = append(p.animations, a)
	}
	return p
}

// OnComplete adds a callback fired after the result is delivered, or after
// a failure.
func (p *Process[T]) OnComplete(fn func()) *Process[T] {
	return p.addFunc(&p.onComplete, fn)
}

// OnDispose adds a callback fired when p is released, whether it completed
// or was disposed.
func (p *Process[T]) OnDispose(fn func()) *Process[T] {
	return p.addFunc(&p.onDispose, fn)
}

// OnError adds a callback fired when fetching or decoding fails.
func (p *Process[T]) OnError(fn func(error)) *Process[T] {
	if fn == nil {
		return p
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Terminal() {
		p.onError = append(p.onError, fn)
	}
	return p
}

func (p *Process[T]) addFunc(list *[]func(), fn func()) *Process[T] {
	if fn == nil {
		return p
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Terminal() {
		*list = append(*list, fn)
	}
	return p
}

// GetLayer returns a layer attached to p's head.
//
// On a head it returns the head itself unless forcibly is set. On a layer
// it always creates a new layer on the same head. A layer attached while
// its head is live runs when the head finishes if Run has not been called
// on it by then.
func (p *Process[T]) GetLayer(forcibly bool) *Process[T] {
	if p.IsHead() && !forcibly {
		return p
	}
	head := p.Head()
	layer := p.reg.newProcess(p.url, p.cached, head, p.outcome)
	if h, ok := p.reg.Lookup(head); ok {
		h.attach(layer.id)
	}
	p.reg.logger.Debug("layer created",
		slog.String("id", layer.id.String()),
		slog.String("head", head.String()),
		slog.String("url", p.url))
	return layer
}

func (p *Process[T]) attach(layer ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Terminal() {
		p.layers = append(p.layers, layer)
	}
}

// Run starts the process. Calls after the first are no-ops.
//
// The placeholder is delivered to every target and animations are started
// before Run returns. The fetch then continues in the background.
func (p *Process[T]) Run() {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return
	}
	p.state = StateRunning
	targets := slices.Clone(p.targets)
	placeholder, hasWait := p.placeholder, p.hasWait
	animations := slices.Clone(p.animations)
	p.mu.Unlock()

	if hasWait {
		for _, fn := range targets {
			fn(placeholder)
		}
	}
	for _, a := range animations {
		a.Play(p.ctx)
	}

	if p.IsHead() {
		go p.fetch()
	} else {
		go p.await()
	}
}

// await waits for the head's outcome and reuses its result when present.
func (p *Process[T]) await() {
	select {
	case <-p.outcome.done:
	case <-p.ctx.Done():
		p.Dispose()
		return
	}
	if value, ok := p.outcome.result(); ok {
		p.complete(value)
		return
	}
	p.fetch()
}

func (p *Process[T]) fetch() {
	data, err := p.reg.get.Get(p.ctx, p.url, p.cached)
	if p.ctx.Err() != nil {
		p.Dispose()
		return
	}
	var value T
	if err == nil {
		value, err = p.reg.decode(data)
	}
	if err != nil {
		p.fail(err)
		return
	}
	p.complete(value)
}

func (p *Process[T]) complete(value T) {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.state = StateCompleted
	targets, animations, onComplete, onDispose := p.drain()
	layers := p.detach()
	p.mu.Unlock()

	if p.IsHead() {
		p.outcome.settle(value, true)
	}
	stopAll(animations)
	for _, fn := range targets {
		fn(value)
	}
	fireAll(onComplete)
	fireAll(onDispose)
	p.release()
	p.runLayers(layers)
	p.reg.logger.Debug("process completed", slog.String("id", p.id.String()), slog.String("url", p.url))
}

func (p *Process[T]) fail(err error) {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.state = StateCompleted
	p.err = err
	onError := p.onError
	errAsset, hasErrAsset := p.errAsset, p.hasErrAsset
	targets, animations, onComplete, onDispose := p.drain()
	layers := p.detach()
	p.mu.Unlock()

	if p.IsHead() {
		var zero T
		p.outcome.settle(zero, false)
	}
	stopAll(animations)
	if hasErrAsset {
		for _, fn := range targets {
			fn(errAsset)
		}
	}
	for _, fn := range onError {
		fn(err)
	}
	fireAll(onComplete)
	fireAll(onDispose)
	p.release()
	p.runLayers(layers)
	p.reg.logger.Warn("process failed",
		slog.String("id", p.id.String()),
		slog.String("url", p.url),
		slog.Any("error", err))
}

// Dispose cancels p and releases it.
//
// Disposing a head also disposes every layer attached to it. Disposing a
// layer affects only that layer. Disposing a completed or disposed process
// does nothing.
func (p *Process[T]) Dispose() {
	p.mu.Lock()
	if p.state.Terminal() {
		p.mu.Unlock()
		return
	}
	p.state = StateDisposed
	_, animations, _, onDispose := p.drain()
	layers := p.detach()
	p.mu.Unlock()

	p.cancel()
	stopAll(animations)
	fireAll(onDispose)
	if p.IsHead() {
		for _, id := range layers {
			if layer, ok := p.reg.Lookup(id); ok {
				layer.Dispose()
			}
		}
		var zero T
		p.outcome.settle(zero, false)
	}
	p.release()
	p.reg.logger.Debug("process disposed", slog.String("id", p.id.String()), slog.String("url", p.url))
}

// drain empties the callback lists and returns them. Callers hold p.mu.
func (p *Process[T]) drain() ([]func(T), []Animation, []func(), []func()) {
	targets, animations, onComplete, onDispose := p.targets, p.animations, p.onComplete, p.onDispose
	var zero T
	p.targets, p.animations, p.onComplete, p.onDispose, p.onError = nil, nil, nil, nil, nil
	p.placeholder, p.hasWait = zero, false
	p.errAsset, p.hasErrAsset = zero, false
	return targets, animations, onComplete, onDispose
}

// detach empties the layer list and returns it. Callers hold p.mu.
func (p *Process[T]) detach() []ID {
	layers := p.layers
	p.layers = nil
	return layers
}

// runLayers starts every attached layer that was never run. A layer that
// is already running or terminal is left alone.
func (p *Process[T]) runLayers(layers []ID) {
	for _, id := range layers {
		if layer, ok := p.reg.Lookup(id); ok {
			layer.Run()
		}
	}
}

func (p *Process[T]) release() {
	p.cancel()
	p.reg.release(p.id)
	close(p.done)
}

func stopAll(animations []Animation) {
	for _, a := range animations {
		a.Stop()
	}
}

func fireAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

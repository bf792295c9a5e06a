package process

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type gateGetter struct {
	gate  chan struct{}
	calls atomic.Int32
	fail  func(call int32) error

	cancelled atomic.Int32
}

func newGateGetter() *gateGetter {
	return &gateGetter{gate: make(chan struct{})}
}

func (g *gateGetter) Get(ctx context.Context, url string, _ bool) ([]byte, error) {
	n := g.calls.Add(1)
	select {
	case <-g.gate:
	case <-ctx.Done():
		g.cancelled.Add(1)
		return nil, ctx.Err()
	}
	if g.fail != nil {
		if err := g.fail(n); err != nil {
			return nil, err
		}
	}
	return []byte("payload:" + url), nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeAnimation struct {
	played  atomic.Int32
	stopped atomic.Int32
}

func (a *fakeAnimation) Play(context.Context) { a.played.Add(1) }
func (a *fakeAnimation) Stop()                { a.stopped.Add(1) }

func newRegistry(t *testing.T, g Getter) *Registry[string] {
	t.Helper()
	reg, err := NewRegistry(g, func(data []byte) (string, error) {
		return string(data), nil
	})
	require.NoError(t, err)
	t.Cleanup(reg.Close)
	return reg
}

// instrument attaches a target, placeholder and callbacks that log into rec.
func instrument(p *Process[string], rec *recorder, name string) *Process[string] {
	return p.
		SetTarget(func(v string) { rec.add("%s:target:%s", name, v) }).
		SetWaitAsset("wait").
		OnComplete(func() { rec.add("%s:complete", name) }).
		OnError(func(error) { rec.add("%s:error", name) }).
		OnDispose(func() { rec.add("%s:dispose", name) })
}

func waitDone[T any](t *testing.T, p *Process[T]) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(waitFor):
		t.Fatalf("process %s did not finish", p.ID())
	}
}

func TestNewRegistryRejectsNil(t *testing.T) {
	t.Parallel()

	_, err := NewRegistry[[]byte](nil, Bytes)
	require.ErrorIs(t, err, ErrNilGetter)

	_, err = NewRegistry[[]byte](newGateGetter(), nil)
	require.ErrorIs(t, err, ErrNilDecoder)
}

func TestHeadRunOrdering(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	reg := newRegistry(t, g)
	rec := &recorder{}
	anim := &fakeAnimation{}

	p := instrument(reg.New("https://example.com/a.png", true), rec, "head").
		SetTarget(func(v string) { rec.add("second:%s", v) }).
		OnComplete(func() { rec.add("head:complete2") }).
		AddAnimation(anim)
	require.Equal(t, StateCreated, p.State())
	assert.True(t, p.IsHead())
	assert.Equal(t, p.ID(), p.Head())

	p.Run()
	assert.Equal(t, StateRunning, p.State())
	assert.Equal(t, []string{"head:target:wait", "second:wait"}, rec.snapshot())
	assert.Equal(t, int32(1), anim.played.Load())

	close(g.gate)
	waitDone(t, p)

	assert.Equal(t, []string{
		"head:target:wait",
		"second:wait",
		"head:target:payload:https://example.com/a.png",
		"second:payload:https://example.com/a.png",
		"head:complete",
		"head:complete2",
		"head:dispose",
	}, rec.snapshot())
	assert.Equal(t, StateCompleted, p.State())
	assert.NoError(t, p.Err())
	assert.Equal(t, int32(1), anim.stopped.Load())
	assert.Equal(t, 0, reg.Len())
}

func TestRunTwiceIsNoop(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	close(g.gate)
	reg := newRegistry(t, g)
	rec := &recorder{}

	p := instrument(reg.New("https://example.com/a.png", true), rec, "head")
	p.Run()
	p.Run()
	waitDone(t, p)
	p.Run()

	assert.Equal(t, int32(1), g.calls.Load())
	assert.Equal(t, []string{
		"head:target:wait",
		"head:target:payload:https://example.com/a.png",
		"head:complete",
		"head:dispose",
	}, rec.snapshot())
}

func TestHeadFetchFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	g := newGateGetter()
	g.fail = func(int32) error { return boom }
	close(g.gate)
	reg := newRegistry(t, g)
	rec := &recorder{}
	anim := &fakeAnimation{}

	p := instrument(reg.New("https://example.com/a.png", true), rec, "head").AddAnimation(anim)
	p.Run()
	waitDone(t, p)

	assert.Equal(t, []string{"head:target:wait", "head:error", "head:complete", "head:dispose"}, rec.snapshot())
	assert.Equal(t, StateCompleted, p.State())
	require.ErrorIs(t, p.Err(), boom)
	assert.Equal(t, int32(1), anim.stopped.Load())
}

func TestDecodeFailure(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	close(g.gate)
	bad := errors.New("not an image")
	reg, err := NewRegistry(g, func([]byte) (int, error) { return 0, bad })
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	var delivered atomic.Int32
	var got error
	p := reg.New("https://example.com/a.png", false).
		SetTarget(func(int) { delivered.Add(1) }).
		OnError(func(err error) { got = err })
	p.Run()
	waitDone(t, p)

	require.ErrorIs(t, got, bad)
	assert.Equal(t, int32(0), delivered.Load())
}

func TestBytesDecoder(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	close(g.gate)
	reg, err := NewRegistry(g, Bytes)
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	var got []byte
	p := reg.New("u", true).SetTarget(func(b []byte) { got = b })
	p.Run()
	waitDone(t, p)
	assert.Equal(t, []byte("payload:u"), got)
}

func TestHeadDisposeCascadesToLayers(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	reg := newRegistry(t, g)
	rec := &recorder{}
	headAnim, layerAnim := &fakeAnimation{}, &fakeAnimation{}

	head := instrument(reg.New("https://example.com/a.png", true), rec, "head").AddAnimation(headAnim)
	head.Run()
	l1 := instrument(head.GetLayer(true), rec, "l1").AddAnimation(layerAnim)
	l1.Run()
	l2 := instrument(l1.GetLayer(false), rec, "l2")
	require.Equal(t, 3, reg.Len())

	head.Dispose()
	waitDone(t, head)
	waitDone(t, l1)
	waitDone(t, l2)

	for _, p := range []*Process[string]{head, l1, l2} {
		assert.Equal(t, StateDisposed, p.State())
	}
	events := rec.snapshot()
	assert.Equal(t, []string{"head:target:wait", "l1:target:wait", "head:dispose", "l1:dispose", "l2:dispose"}, events)
	assert.Equal(t, int32(1), headAnim.stopped.Load())
	assert.Equal(t, int32(1), layerAnim.stopped.Load())
	assert.Equal(t, 0, reg.Len())

	require.Eventually(t, func() bool { return g.cancelled.Load() == 1 }, waitFor, time.Millisecond)
}

func TestLayerDisposeLeavesHeadRunning(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	reg := newRegistry(t, g)
	rec := &recorder{}

	head := instrument(reg.New("https://example.com/a.png", true), rec, "head")
	head.Run()
	layer := instrument(head.GetLayer(true), rec, "layer")
	layer.Run()

	layer.Dispose()
	waitDone(t, layer)
	assert.Equal(t, StateDisposed, layer.State())
	assert.Equal(t, StateRunning, head.State())

	close(g.gate)
	waitDone(t, head)

	assert.Equal(t, []string{
		"head:target:wait",
		"layer:target:wait",
		"layer:dispose",
		"head:target:payload:https://example.com/a.png",
		"head:complete",
		"head:dispose",
	}, rec.snapshot())
}

func TestLayerWaitsForHeadResult(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	reg := newRegistry(t, g)
	rec := &recorder{}

	head := reg.New("https://example.com/a.png", true)
	head.Run()
	layer := instrument(head.GetLayer(true), rec, "layer")
	layer.Run()
	assert.Equal(t, []string{"layer:target:wait"}, rec.snapshot())

	close(g.gate)
	waitDone(t, head)
	waitDone(t, layer)

	assert.Equal(t, []string{
		"layer:target:wait",
		"layer:target:payload:https://example.com/a.png",
		"layer:complete",
		"layer:dispose",
	}, rec.snapshot())
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestLayerAfterHeadCompletedReusesResult(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	close(g.gate)
	reg := newRegistry(t, g)

	head := reg.New("https://example.com/a.png", true)
	head.Run()
	waitDone(t, head)

	rec := &recorder{}
	layer := head.GetLayer(true).
		SetTarget(func(v string) { rec.add("target:%s", v) }).
		OnComplete(func() { rec.add("complete") })
	assert.False(t, layer.IsHead())
	assert.Equal(t, head.ID(), layer.Head())
	layer.Run()
	waitDone(t, layer)

	assert.Equal(t, []string{"target:payload:https://example.com/a.png", "complete"}, rec.snapshot())
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestLayerFetchesWhenHeadFailed(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	g.fail = func(call int32) error {
		if call == 1 {
			return errors.New("first call fails")
		}
		return nil
	}
	reg := newRegistry(t, g)
	rec := &recorder{}

	head := instrument(reg.New("https://example.com/a.png", true), rec, "head")
	head.Run()
	layer := instrument(head.GetLayer(true), rec, "layer")
	layer.Run()

	close(g.gate)
	waitDone(t, head)
	waitDone(t, layer)

	events := rec.snapshot()
	assert.Contains(t, events, "head:error")
	assert.Contains(t, events, "layer:target:payload:https://example.com/a.png")
	assert.NotContains(t, events, "head:target:payload:https://example.com/a.png")
	assert.Equal(t, int32(2), g.calls.Load())
}

func TestGetLayer(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, newGateGetter())
	head := reg.New("https://example.com/a.png", false)

	assert.Same(t, head, head.GetLayer(false))

	layer := head.GetLayer(true)
	assert.NotSame(t, head, layer)
	assert.Equal(t, head.URL(), layer.URL())
	assert.False(t, layer.Cached())

	other := layer.GetLayer(false)
	assert.NotSame(t, layer, other)
	assert.Equal(t, head.ID(), other.Head())

	got, ok := reg.Lookup(other.ID())
	require.True(t, ok)
	assert.Same(t, other, got)
}

func TestDisposeAfterCompletionIsNoop(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	close(g.gate)
	reg := newRegistry(t, g)
	var disposed atomic.Int32

	p := reg.New("https://example.com/a.png", true).OnDispose(func() { disposed.Add(1) })
	p.Run()
	waitDone(t, p)
	p.Dispose()
	p.Dispose()

	assert.Equal(t, StateCompleted, p.State())
	assert.Equal(t, int32(1), disposed.Load())
}

func TestDisposeBeforeRun(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	reg := newRegistry(t, g)
	rec := &recorder{}

	p := instrument(reg.New("https://example.com/a.png", true), rec, "head")
	p.Dispose()
	p.Run()
	waitDone(t, p)

	assert.Equal(t, StateDisposed, p.State())
	assert.Equal(t, []string{"head:dispose"}, rec.snapshot())
	assert.Equal(t, int32(0), g.calls.Load())
}

func TestBuilderIgnoredAfterTerminal(t *testing.T) {
	t.Parallel()

	reg := newRegistry(t, newGateGetter())
	var fired atomic.Int32

	p := reg.New("https://example.com/a.png", true)
	p.Dispose()
	p.OnDispose(func() { fired.Add(1) }).
		OnComplete(func() { fired.Add(1) }).
		SetTarget(func(string) { fired.Add(1) })
	p.Dispose()

	assert.Equal(t, int32(0), fired.Load())
}

func TestRegistryClose(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	reg, err := NewRegistry(g, Bytes)
	require.NoError(t, err)

	head := reg.New("https://example.com/a.png", true)
	head.Run()
	layer := head.GetLayer(true)
	layer.Run()
	solo := reg.New("https://example.com/b.png", false)

	reg.Close()
	for _, p := range []*Process[[]byte]{head, layer, solo} {
		waitDone(t, p)
		assert.Equal(t, StateDisposed, p.State())
	}
	assert.Equal(t, 0, reg.Len())
}

func TestBaseContextCancelDisposesProcesses(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	base, cancel := context.WithCancel(context.Background())
	reg, err := NewRegistry(g, Bytes, WithContext(base))
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	var disposed atomic.Int32
	head := reg.New("https://example.com/a.png", true).OnDispose(func() { disposed.Add(1) })
	head.Run()
	layer := head.GetLayer(true).OnDispose(func() { disposed.Add(1) })
	layer.Run()
	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, waitFor, time.Millisecond)

	cancel()
	waitDone(t, head)
	waitDone(t, layer)

	assert.Equal(t, StateDisposed, head.State())
	assert.Equal(t, StateDisposed, layer.State())
	assert.Equal(t, int32(2), disposed.Load())
	assert.Equal(t, 0, reg.Len())
}

func TestAttachedLayerRunsWhenHeadCompletes(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	reg := newRegistry(t, g)
	rec := &recorder{}

	head := reg.New("https://example.com/a.png", true)
	head.Run()
	layer := head.GetLayer(true).
		SetTarget(func(v string) { rec.add("target:%s", v) }).
		OnComplete(func() { rec.add("complete") })
	assert.Equal(t, StateCreated, layer.State())

	close(g.gate)
	waitDone(t, head)
	waitDone(t, layer)

	assert.Equal(t, StateCompleted, layer.State())
	assert.Equal(t, []string{"target:payload:https://example.com/a.png", "complete"}, rec.snapshot())
	assert.Equal(t, int32(1), g.calls.Load())
}

func TestErrorAssetDeliveredBeforeOnError(t *testing.T) {
	t.Parallel()

	g := newGateGetter()
	g.fail = func(int32) error { return errors.New("boom") }
	close(g.gate)
	reg := newRegistry(t, g)
	rec := &recorder{}

	p := instrument(reg.New("https://example.com/a.png", true), rec, "head").
		SetErrorAsset("broken")
	p.Run()
	waitDone(t, p)

	assert.Equal(t, []string{
		"head:target:wait",
		"head:target:broken",
		"head:error",
		"head:complete",
		"head:dispose",
	}, rec.snapshot())
}

func TestGetterFunc(t *testing.T) {
	t.Parallel()

	var seen bool
	fn := GetterFunc(func(_ context.Context, url string, cached bool) ([]byte, error) {
		seen = cached
		return []byte(url), nil
	})
	data, err := fn.Get(context.Background(), "x", true)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
	assert.True(t, seen)
}

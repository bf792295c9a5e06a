package disk

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/picload/cache"
	"github.com/meigma/picload/fingerprint"
)

const testURL = "https://example.com/images/cat.png"

func TestCacheWriteGet(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	content := []byte("hello")
	if err := c.Write(ctx, content, testURL); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := c.Get(ctx, testURL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("Get() content = %q, want %q", got, content)
	}

	path := filepath.Join(dir, fingerprint.Of(testURL))
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected cache file at %s: %v", path, err)
	}
}

func TestCacheWriteIdempotent(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	content := []byte("cached twice")

	for range 2 {
		require.NoError(t, c.Write(ctx, content, testURL))

		ok, err := c.Contains(ctx, testURL)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := c.Get(ctx, testURL)
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}
	assert.Equal(t, int64(len(content)), c.SizeBytes())
}

func TestCacheShardPrefix(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithShardPrefixLen(2))
	require.NoError(t, err)
	require.NoError(t, c.Write(context.Background(), []byte("sharded"), testURL))

	name := fingerprint.Of(testURL)
	path := filepath.Join(dir, name[:2], name)
	_, err = os.Stat(path)
	require.NoError(t, err, "expected cache file at %s", path)
}

func TestCacheGetMissing(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := c.Contains(ctx, testURL)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = c.Get(ctx, testURL)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestCacheRemove(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, []byte("gone soon"), testURL))
	require.NoError(t, c.Remove(ctx, testURL))

	ok, err := c.Contains(ctx, testURL)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c.SizeBytes())

	// Removing an absent key is not an error.
	require.NoError(t, c.Remove(ctx, testURL))
}

func TestCacheClear(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithShardPrefixLen(1))
	require.NoError(t, err)
	ctx := context.Background()

	urls := []string{"https://a.test/1.png", "https://a.test/2.png", "https://a.test/3.png"}
	for _, u := range urls {
		require.NoError(t, c.Write(ctx, []byte(u), u))
	}
	require.NoError(t, c.Clear(ctx))

	for _, u := range urls {
		ok, err := c.Contains(ctx, u)
		require.NoError(t, err)
		assert.False(t, ok, "%s should be cleared", u)
	}
	assert.Zero(t, c.SizeBytes())
	_, err = os.Stat(dir)
	require.NoError(t, err, "cache root should survive Clear")

	// Clearing an empty cache is not an error.
	require.NoError(t, c.Clear(ctx))
}

func TestCacheCancelledContext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = c.Write(ctx, []byte("never"), testURL)
	require.ErrorIs(t, err, context.Canceled)

	_, err = c.Contains(ctx, testURL)
	require.ErrorIs(t, err, context.Canceled)
	_, err = c.Get(ctx, testURL)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, c.Remove(ctx, testURL), context.Canceled)
	require.ErrorIs(t, c.Clear(ctx), context.Canceled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "cancelled write must not touch storage")
}

func TestCacheEmptyKey(t *testing.T) {
	t.Parallel()

	c, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Write(ctx, []byte("x"), ""), cache.ErrEmptyKey)
	_, err = c.Get(ctx, "")
	assert.ErrorIs(t, err, cache.ErrEmptyKey)
	_, err = c.Contains(ctx, "")
	assert.ErrorIs(t, err, cache.ErrEmptyKey)
}

func TestCacheWriteFailureSwallowed(t *testing.T) {
	t.Parallel()

	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	dir := t.TempDir()
	m := &recordingMetrics{}
	c, err := New(dir, WithMetrics(m))
	require.NoError(t, err)

	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	err = c.Write(context.Background(), []byte("denied"), testURL)
	require.NoError(t, err, "storage failures must not propagate")
	assert.Equal(t, 1, m.errors)

	_, err = c.Get(context.Background(), testURL)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestNewEmptyDir(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Fatal("New() error = nil, want error")
	}
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	t.Parallel()

	_, err := New(t.TempDir(), WithShardPrefixLen(-1))
	require.Error(t, err)
	_, err = New(t.TempDir(), WithMaxBytes(-1))
	require.Error(t, err)
}

func TestNewCountsExistingEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, c.Write(context.Background(), []byte("12345"), testURL))

	reopened, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(5), reopened.SizeBytes())
}

func TestCacheMaxBytesPrunesOldest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, err := New(dir, WithMaxBytes(10))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, []byte("aaaaaa"), "old"))
	old := filepath.Join(dir, fingerprint.Of("old"))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	require.NoError(t, c.Write(ctx, []byte("bbbbbb"), "new"))

	ok, err := c.Contains(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok, "oldest entry should be pruned")

	got, err := c.Get(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, []byte("bbbbbb"), got)
	assert.LessOrEqual(t, c.SizeBytes(), c.MaxBytes())
}

func TestCacheEntryLargerThanLimit(t *testing.T) {
	t.Parallel()

	m := &recordingMetrics{}
	c, err := New(t.TempDir(), WithMaxBytes(4), WithMetrics(m))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, []byte("too large"), testURL))
	_, err = c.Get(ctx, testURL)
	assert.True(t, errors.Is(err, cache.ErrNotFound))
	assert.Equal(t, 1, m.errors)
}

type recordingMetrics struct {
	hits, misses, writes, removes, errors int
}

func (m *recordingMetrics) ObserveLookup(hit bool) {
	if hit {
		m.hits++
	} else {
		m.misses++
	}
}
func (m *recordingMetrics) ObserveWrite(int)    { m.writes++ }
func (m *recordingMetrics) ObserveRemove()       { m.removes++ }
func (m *recordingMetrics) ObserveError(string) { m.errors++ }

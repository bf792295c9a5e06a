package prometheus

import (
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/picload/cache/disk"
)

func TestObservations(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveLookup(true)
	m.ObserveLookup(false)
	m.ObserveLookup(false)
	m.ObserveWrite(10)
	m.ObserveWrite(5)
	m.ObserveRemove()
	m.ObserveError("write")
	m.ObserveAttempt("gateway_timeout")
	m.ObserveAttempt("ok")
	m.ObserveDownload(true, 2048, 20*time.Millisecond)
	m.ObserveDownload(false, 0, time.Second)
	m.ObserveInFlight(1)
	m.ObserveInFlight(1)
	m.ObserveInFlight(-1)
	m.ObserveShared()
	m.ObservePreload("fetched")

	assert.InDelta(t, 1, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.cacheWrites), 0)
	assert.InDelta(t, 15, testutil.ToFloat64(m.cacheBytes), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.cacheRemoves), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.cacheErrors.WithLabelValues("write")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.fetchAttempts.WithLabelValues("gateway_timeout")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.fetchDownloads.WithLabelValues("true")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.fetchDownloads.WithLabelValues("false")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.inFlight), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.sharedFetches), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.preloadResults.WithLabelValues("fetched")), 0)
}

func TestDiskCacheReportsToCollectors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	c, err := disk.New(t.TempDir(), disk.WithMetrics(m))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.Write(ctx, []byte("abc"), "https://example.com/a.png"))
	_, err = c.Get(ctx, "https://example.com/a.png")
	require.NoError(t, err)
	_, err = c.Get(ctx, "https://example.com/missing.png")
	require.Error(t, err)

	assert.InDelta(t, 1, testutil.ToFloat64(m.cacheWrites), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(m.cacheBytes), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")), 0)
}

func TestHandler(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ObserveShared()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := nethttp.Get(srv.URL) //nolint:noctx // test server
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "picload_preload_shared_total 1")
}

// Package prometheus exports cache, fetch and preload metrics to Prometheus.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meigma/picload/cache"
	"github.com/meigma/picload/http"
	"github.com/meigma/picload/preload"
)

// Namespace prefixes every metric name.
const Namespace = "picload"

// Metrics implements the cache, fetcher and scheduler metrics interfaces.
type Metrics struct {
	cacheLookups *prometheus.CounterVec
	cacheWrites  prometheus.Counter
	cacheBytes   prometheus.Counter
	cacheRemoves prometheus.Counter
	cacheErrors  *prometheus.CounterVec

	fetchAttempts  *prometheus.CounterVec
	fetchDownloads *prometheus.CounterVec
	fetchBytes     prometheus.Histogram
	fetchDuration  *prometheus.HistogramVec

	inFlight       prometheus.Gauge
	sharedFetches  prometheus.Counter
	preloadResults *prometheus.CounterVec
}

var (
	_ cache.Metrics   = (*Metrics)(nil)
	_ http.Metrics    = (*Metrics)(nil)
	_ preload.Metrics = (*Metrics)(nil)
)

// New registers the collectors with reg and returns them.
// A nil reg uses prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Cache lookups by result",
			},
			[]string{"result"}, // "hit", "miss"
		),
		cacheWrites: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Completed cache writes",
		}),
		cacheBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "written_bytes_total",
			Help:      "Bytes written to the cache",
		}),
		cacheRemoves: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "removes_total",
			Help:      "Entries removed from the cache",
		}),
		cacheErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "cache",
				Name:      "errors_total",
				Help:      "Swallowed cache storage failures by operation",
			},
			[]string{"op"},
		),
		fetchAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "fetch",
				Name:      "attempts_total",
				Help:      "Download attempts by outcome",
			},
			[]string{"outcome"},
		),
		fetchDownloads: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "fetch",
				Name:      "downloads_total",
				Help:      "Finished downloads by success",
			},
			[]string{"ok"},
		),
		fetchBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "fetch",
			Name:      "download_bytes",
			Help:      "Size of successful downloads",
			Buckets: []float64{
				4096,     // 4KB - icons
				32768,    // 32KB
				131072,   // 128KB
				524288,   // 512KB
				1048576,  // 1MB
				4194304,  // 4MB - large photos
				16777216, // 16MB
			},
		}),
		fetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "fetch",
				Name:      "download_duration_seconds",
				Help:      "Download duration including retries",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
			},
			[]string{"ok"},
		),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "preload",
			Name:      "in_flight",
			Help:      "Downloads currently running in the scheduler",
		}),
		sharedFetches: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "preload",
			Name:      "shared_total",
			Help:      "Requests that joined a download already in flight",
		}),
		preloadResults: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "preload",
				Name:      "urls_total",
				Help:      "Preload batch URLs by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// ObserveLookup implements cache.Metrics.
func (m *Metrics) ObserveLookup(hit bool) {
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// ObserveWrite implements cache.Metrics.
func (m *Metrics) ObserveWrite(n int) {
	m.cacheWrites.Inc()
	m.cacheBytes.Add(float64(n))
}

// ObserveRemove implements cache.Metrics.
func (m *Metrics) ObserveRemove() {
	m.cacheRemoves.Inc()
}

// ObserveError implements cache.Metrics.
func (m *Metrics) ObserveError(op string) {
	m.cacheErrors.WithLabelValues(op).Inc()
}

// ObserveAttempt implements http.Metrics.
func (m *Metrics) ObserveAttempt(outcome string) {
	m.fetchAttempts.WithLabelValues(outcome).Inc()
}

// ObserveDownload implements http.Metrics.
func (m *Metrics) ObserveDownload(ok bool, n int, d time.Duration) {
	label := strconv.FormatBool(ok)
	m.fetchDownloads.WithLabelValues(label).Inc()
	m.fetchDuration.WithLabelValues(label).Observe(d.Seconds())
	if ok {
		m.fetchBytes.Observe(float64(n))
	}
}

// ObserveInFlight implements preload.Metrics.
func (m *Metrics) ObserveInFlight(delta int) {
	m.inFlight.Add(float64(delta))
}

// ObserveShared implements preload.Metrics.
func (m *Metrics) ObserveShared() {
	m.sharedFetches.Inc()
}

// ObservePreload implements preload.Metrics.
func (m *Metrics) ObservePreload(outcome string) {
	m.preloadResults.WithLabelValues(outcome).Inc()
}

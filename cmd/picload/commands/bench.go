package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/felixge/fgprof"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/picload"
)

type benchConfig struct {
	images     int
	size       int
	latency    time.Duration
	rate       string
	warm       bool
	seed       uint64
	cpuProfile string
	memProfile string
	traceFile  string
	fgProfile  string
}

type benchStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

func (s benchStats) String() string {
	secs := s.elapsed.Seconds()
	if secs == 0 {
		secs = 1e-9
	}
	return fmt.Sprintf("ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s",
		s.ops, s.bytes, s.elapsed.Round(time.Microsecond), float64(s.bytes)/(1024*1024)/secs)
}

func newBenchCmd(g *globals) *cobra.Command {
	var bc benchConfig
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Profile preload and cached reads against a local server",
		Long: `Serve synthetic images from a local HTTP server, preload them into the
configured cache, then read every one back through the cache.

The cold phase measures downloads under the configured parallelism; the
warm phase measures cache hits. Use --latency and --rate to simulate a
slow network, and the profile flags to capture CPU, heap, trace or
wall-clock (fgprof) profiles of both phases.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBench(cmd, g, bc)
		},
	}
	f := cmd.Flags()
	f.IntVar(&bc.images, "images", 100, "number of images to serve")
	f.IntVar(&bc.size, "size", 64<<10, "size of each image in bytes")
	f.DurationVar(&bc.latency, "latency", 0, "added latency per request")
	f.StringVar(&bc.rate, "rate", "", "per-response read rate, e.g. 512k or 2MB/s")
	f.BoolVar(&bc.warm, "warm", false, "keep existing cache entries instead of clearing first")
	f.Uint64Var(&bc.seed, "seed", 1, "seed for image contents")
	f.StringVar(&bc.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	f.StringVar(&bc.memProfile, "memprofile", "", "write heap profile to file")
	f.StringVar(&bc.traceFile, "trace", "", "write execution trace to file")
	f.StringVar(&bc.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	return cmd
}

func runBench(cmd *cobra.Command, g *globals, bc benchConfig) error {
	if bc.images <= 0 || bc.size <= 0 {
		return errors.New("images and size must be positive")
	}
	var rate int64
	if bc.rate != "" {
		var err error
		if rate, err = parseBytesPerSecond(bc.rate); err != nil {
			return err
		}
	}

	payload := make([]byte, bc.size)
	rng := rand.New(rand.NewPCG(bc.seed, bc.seed)) //nolint:gosec // reproducible synthetic data
	for i := range payload {
		payload[i] = byte(rng.UintN(256))
	}
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	urls := make([]string, bc.images)
	for i := range urls {
		urls[i] = fmt.Sprintf("%s/img/%06d.png", srv.URL, i)
	}

	ctx := cmd.Context()
	s, err := g.open(ctx, picload.WithHTTPClient(newHTTPClient(bc.latency, rate)))
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck // best-effort on exit

	if !bc.warm {
		if err := s.loader.Clear(ctx); err != nil {
			return err
		}
	}

	stop, err := startProfiles(bc)
	if err != nil {
		return err
	}
	cold, warm, runErr := benchPhases(ctx, s.loader, urls, int64(bc.size))
	if err := stop(); err != nil && runErr == nil {
		runErr = err
	}
	if runErr != nil {
		return runErr
	}

	if bc.memProfile != "" {
		if err := writeHeapProfile(bc.memProfile); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "phase=cold %s\n", cold)
	fmt.Fprintf(out, "phase=warm %s\n", warm)
	return nil
}

func benchPhases(ctx context.Context, l *picload.Loader[[]byte], urls []string, size int64) (cold, warm benchStats, err error) {
	start := time.Now()
	if err := l.Preload(ctx, urls); err != nil {
		return cold, warm, err
	}
	cold = benchStats{ops: len(urls), bytes: size * int64(len(urls)), elapsed: time.Since(start)}

	var read atomic.Int64
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	start = time.Now()
	for _, url := range urls {
		eg.Go(func() error {
			data, err := l.Get(egCtx, url, true)
			if err != nil {
				return err
			}
			read.Add(int64(len(data)))
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return cold, warm, err
	}
	warm = benchStats{ops: len(urls), bytes: read.Load(), elapsed: time.Since(start)}
	return cold, warm, nil
}

// startProfiles starts every requested profile and returns a func that
// stops them in reverse order.
func startProfiles(bc benchConfig) (func() error, error) {
	var stops []func() error
	stopAll := func() error {
		var errs []error
		for i := len(stops) - 1; i >= 0; i-- {
			errs = append(errs, stops[i]())
		}
		return errors.Join(errs...)
	}

	start := func(path string, begin func(io.Writer) (func() error, error)) error {
		if path == "" {
			return nil
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		end, err := begin(f)
		if err != nil {
			_ = f.Close()
			return err
		}
		stops = append(stops, func() error {
			return errors.Join(end(), f.Close())
		})
		return nil
	}

	steps := []struct {
		path  string
		begin func(io.Writer) (func() error, error)
	}{
		{bc.fgProfile, func(w io.Writer) (func() error, error) {
			return fgprof.Start(w, fgprof.FormatPprof), nil
		}},
		{bc.cpuProfile, func(w io.Writer) (func() error, error) {
			if err := pprof.StartCPUProfile(w); err != nil {
				return nil, err
			}
			return func() error { pprof.StopCPUProfile(); return nil }, nil
		}},
		{bc.traceFile, func(w io.Writer) (func() error, error) {
			if err := trace.Start(w); err != nil {
				return nil, err
			}
			return func() error { trace.Stop(); return nil }, nil
		}},
	}
	for _, step := range steps {
		if err := start(step.path, step.begin); err != nil {
			_ = stopAll()
			return nil, err
		}
	}
	return stopAll, nil
}

func writeHeapProfile(path string) error {
	runtime.GC()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.WriteHeapProfile(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

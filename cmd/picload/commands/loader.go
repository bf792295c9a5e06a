package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	nethttp "net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/picload"
	"github.com/meigma/picload/cache/badger"
	"github.com/meigma/picload/config"
	"github.com/meigma/picload/metrics/prometheus"
)

// session is a Loader plus the resources that live as long as one command.
type session struct {
	loader  *picload.Loader[[]byte]
	metrics *nethttp.Server
	logger  *slog.Logger
	g       errgroup.Group
}

// open builds a Loader from the resolved configuration. Extra options are
// applied last.
func (g *globals) open(ctx context.Context, extra ...picload.Option) (*session, error) {
	cfg := g.cfg
	s := &session{logger: g.logger}

	opts := []picload.Option{
		picload.WithContext(ctx),
		picload.WithLogger(g.logger),
		picload.WithMaxParallel(cfg.Preload.MaxParallel),
		picload.WithTimeout(cfg.Fetch.Timeout),
		picload.WithAttempts(cfg.Fetch.Attempts),
		picload.WithRetryDelay(cfg.Fetch.RetryDelay),
	}
	if cfg.Fetch.UserAgent != "" {
		opts = append(opts, picload.WithUserAgent(cfg.Fetch.UserAgent))
	}

	var db *badger.Cache
	switch cfg.Cache.Backend {
	case config.BackendBadger:
		var err error
		if db, err = badger.New(cfg.Cache.Dir, badger.WithLogger(g.logger)); err != nil {
			return nil, err
		}
		opts = append(opts, picload.WithCache(db))
	default:
		opts = append(opts,
			picload.WithCacheDir(cfg.Cache.Dir),
			picload.WithCacheMaxBytes(cfg.Cache.MaxBytes),
			picload.WithCacheShardPrefix(cfg.Cache.ShardPrefix),
		)
	}

	if cfg.Metrics.Addr != "" {
		reg := promclient.NewRegistry()
		opts = append(opts, picload.WithMetrics(prometheus.New(reg)))
		if err := s.serveMetrics(cfg.Metrics.Addr, reg); err != nil {
			if db != nil {
				_ = db.Close() //nolint:errcheck // already failing
			}
			return nil, err
		}
	}

	l, err := picload.New(append(opts, extra...)...)
	if err != nil {
		_ = s.stopMetrics() //nolint:errcheck // already failing
		if db != nil {
			_ = db.Close() //nolint:errcheck // already failing
		}
		return nil, err
	}
	s.loader = l
	return s, nil
}

func (s *session) serveMetrics(addr string, reg *promclient.Registry) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := nethttp.NewServeMux()
	mux.Handle("/metrics", prometheus.Handler(reg))
	s.metrics = &nethttp.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	s.logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	s.g.Go(func() error {
		if err := s.metrics.Serve(ln); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	})
	return nil
}

func (s *session) stopMetrics() error {
	if s.metrics == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.metrics.Shutdown(ctx); err != nil {
		return err
	}
	return s.g.Wait()
}

// Close releases the Loader and stops the metrics endpoint.
func (s *session) Close() error {
	var err error
	if s.loader != nil {
		err = s.loader.Close()
	}
	return errors.Join(err, s.stopMetrics())
}

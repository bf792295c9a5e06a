// Package http downloads assets over HTTP(S).
//
// A Fetcher performs a plain GET, bounding each attempt by a timeout and
// retrying only when an attempt ends in a gateway timeout (504) or runs out
// of time. Every other failure aborts immediately.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/meigma/picload/internal/telemetry"
)

// Default download settings.
const (
	DefaultTimeout  = 30 * time.Second
	DefaultAttempts = 3
)

// Metrics receives fetch observations. A nil Metrics disables collection.
type Metrics interface {
	// ObserveAttempt records the outcome of one request attempt
	// ("ok", "gateway_timeout", "timeout", "error", "cancelled").
	ObserveAttempt(outcome string)

	// ObserveDownload records a finished download of n bytes.
	ObserveDownload(ok bool, n int, d time.Duration)
}

// Fetcher downloads asset bytes.
type Fetcher struct {
	client     *nethttp.Client
	headers    nethttp.Header
	timeout    time.Duration
	attempts   int
	retryDelay time.Duration
	logger     *slog.Logger
	metrics    Metrics
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(f *Fetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *Fetcher) {
		if f.headers == nil {
			f.headers = make(nethttp.Header)
		}
		f.headers.Set(key, value)
	}
}

// WithTimeout bounds each attempt. Values <= 0 keep the default.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithAttempts sets the maximum number of attempts. Values < 1 keep the default.
func WithAttempts(n int) Option {
	return func(f *Fetcher) {
		if n >= 1 {
			f.attempts = n
		}
	}
}

// WithRetryDelay sets the initial delay between attempts, doubling after
// each retry. Zero retries immediately.
func WithRetryDelay(d time.Duration) Option {
	return func(f *Fetcher) {
		f.retryDelay = d
	}
}

// WithLogger sets the logger for download events.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithMetrics sets the metrics sink for downloads.
func WithMetrics(m Metrics) Option {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   nethttp.DefaultClient,
		timeout:  DefaultTimeout,
		attempts: DefaultAttempts,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = nethttp.DefaultClient
	}
	if f.logger == nil {
		f.logger = slog.New(slog.DiscardHandler)
	}
	return f
}

// Timeout returns the per-attempt timeout.
func (f *Fetcher) Timeout() time.Duration {
	return f.timeout
}

// Attempts returns the maximum number of attempts.
func (f *Fetcher) Attempts() int {
	return f.attempts
}

// Download returns the body of url.
//
// If ctx is cancelled before or during the download, Download aborts the
// live request and returns (nil, nil). Callers tell a cancelled download
// from an empty body by checking ctx.Err().
func (f *Fetcher) Download(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, ErrEmptyURL
	}
	if ctx.Err() != nil {
		return nil, nil
	}

	ctx, span := telemetry.Start(ctx, telemetry.SpanDownload,
		attribute.String(telemetry.AttrURL, url),
		attribute.Int(telemetry.AttrAttempts, f.attempts))
	defer span.End()

	start := time.Now()
	attempt := 0
	var data []byte
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		body, err := f.attempt(ctx, url, attempt)
		if err == nil {
			data = body
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		if errors.Is(err, ErrTransient) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		f.logger.Debug("retrying download",
			slog.String("url", url),
			slog.Int("attempt", attempt),
			slog.Duration("delay", next),
			slog.Any("error", err))
	}

	err := backoff.RetryNotify(op, f.policy(ctx), notify)
	if ctx.Err() != nil {
		f.observe(false, 0, start)
		f.logger.Debug("download cancelled", slog.String("url", url))
		return nil, nil
	}
	if err != nil {
		telemetry.RecordError(span, err)
		f.observe(false, 0, start)
		f.logger.Warn("download failed",
			slog.String("url", url),
			slog.Int("attempts", attempt),
			slog.Any("error", err))
		return nil, err
	}

	span.SetAttributes(attribute.Int(telemetry.AttrBytes, len(data)))
	f.observe(true, len(data), start)
	f.logger.Debug("download complete",
		slog.String("url", url),
		slog.Int("attempts", attempt),
		slog.Int("bytes", len(data)))
	return data, nil
}

func (f *Fetcher) policy(ctx context.Context) backoff.BackOffContext {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if f.retryDelay > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = f.retryDelay
		exp.MaxElapsedTime = 0
		b = exp
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(f.attempts-1)), ctx) //nolint:gosec // attempts >= 1
}

// attempt performs a single bounded request.
func (f *Fetcher) attempt(ctx context.Context, url string, n int) ([]byte, error) {
	ctx, span := telemetry.Start(ctx, telemetry.SpanAttempt, attribute.Int(telemetry.AttrAttempt, n))
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := f.newRequest(attemptCtx, url)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		err = f.classify(ctx, attemptCtx, url, n, err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	span.SetAttributes(attribute.Int(telemetry.AttrStatusCode, resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
		if resp.StatusCode == nethttp.StatusGatewayTimeout {
			f.observeAttempt("gateway_timeout")
		} else {
			f.observeAttempt("error")
		}
		telemetry.RecordError(span, statusErr)
		return nil, statusErr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		err = f.classify(ctx, attemptCtx, url, n, err)
		telemetry.RecordError(span, err)
		return nil, err
	}
	f.observeAttempt("ok")
	return body, nil
}

// classify maps a transport error to a cancellation, an attempt timeout,
// or a permanent failure.
func (f *Fetcher) classify(parent, attemptCtx context.Context, url string, n int, err error) error {
	switch {
	case parent.Err() != nil:
		f.observeAttempt("cancelled")
		return parent.Err()
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		f.observeAttempt("timeout")
		return fmt.Errorf("%w: %s attempt %d after %s", ErrAttemptTimeout, url, n, f.timeout)
	default:
		f.observeAttempt("error")
		return fmt.Errorf("http: %s: %w", url, err)
	}
}

func (f *Fetcher) newRequest(ctx context.Context, url string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("http: %s: %w", url, err)
	}
	for key, values := range f.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	return req, nil
}

func (f *Fetcher) observeAttempt(outcome string) {
	if f.metrics != nil {
		f.metrics.ObserveAttempt(outcome)
	}
}

func (f *Fetcher) observe(ok bool, n int, start time.Time) {
	if f.metrics != nil {
		f.metrics.ObserveDownload(ok, n, time.Since(start))
	}
}

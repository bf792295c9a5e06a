package commands

import (
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"
)

// newHTTPClient returns a client that adds latency to each request and
// caps the body read rate. Zero values disable either limit.
func newHTTPClient(latency time.Duration, bytesPerSecond int64) *nethttp.Client {
	transport := nethttp.DefaultTransport
	if base, ok := transport.(*nethttp.Transport); ok {
		transport = base.Clone()
	}
	if latency > 0 || bytesPerSecond > 0 {
		transport = &throttleRoundTripper{
			base:           transport,
			latency:        latency,
			bytesPerSecond: bytesPerSecond,
		}
	}
	return &nethttp.Client{Transport: transport}
}

type throttleRoundTripper struct {
	base           nethttp.RoundTripper
	latency        time.Duration
	bytesPerSecond int64
}

func (rt *throttleRoundTripper) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	if rt.latency > 0 {
		timer := time.NewTimer(rt.latency)
		select {
		case <-timer.C:
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		}
	}
	resp, err := rt.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if rt.bytesPerSecond > 0 && resp.Body != nil {
		resp.Body = &throttleReadCloser{
			rc:             resp.Body,
			bytesPerSecond: rt.bytesPerSecond,
			start:          time.Now(),
		}
	}
	return resp, nil
}

type throttleReadCloser struct {
	rc             io.ReadCloser
	bytesPerSecond int64
	start          time.Time
	readBytes      int64
}

func (tr *throttleReadCloser) Read(p []byte) (int, error) {
	n, err := tr.rc.Read(p)
	if n > 0 {
		tr.readBytes += int64(n)
		expected := time.Duration(float64(tr.readBytes) / float64(tr.bytesPerSecond) * float64(time.Second))
		elapsed := time.Since(tr.start)
		if expected > elapsed {
			time.Sleep(expected - elapsed)
		}
	}
	return n, err
}

func (tr *throttleReadCloser) Close() error {
	return tr.rc.Close()
}

// parseBytesPerSecond parses rates like "512k", "2MB/s" or "100".
// Suffixes are binary multiples.
func parseBytesPerSecond(value string) (int64, error) {
	text := strings.TrimSpace(value)
	text = strings.TrimSuffix(text, "/s")
	text = strings.TrimSpace(text)

	lower := strings.ToLower(text)
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{
		{"kb", 1 << 10}, {"k", 1 << 10},
		{"mb", 1 << 20}, {"m", 1 << 20},
		{"gb", 1 << 30}, {"g", 1 << 30},
		{"b", 1},
	} {
		if strings.HasSuffix(lower, unit.suffix) {
			multiplier = unit.mult
			text = text[:len(text)-len(unit.suffix)]
			break
		}
	}

	raw, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil || raw <= 0 {
		return 0, fmt.Errorf("invalid bytes-per-second %q", value)
	}
	return raw * multiplier, nil
}

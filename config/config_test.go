package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, BackendDisk, cfg.Cache.Backend)
	assert.Equal(t, -1, cfg.Preload.MaxParallel)
	assert.Equal(t, 30*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 3, cfg.Fetch.Attempts)
	assert.Equal(t, filepath.Base(DefaultCacheDir()), "picload")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
cache:
  dir: /srv/picload
  backend: badger
  max_bytes: 1048576
preload:
  max_parallel: 4
fetch:
  timeout: 5s
  attempts: 5
  retry_delay: 250ms
  user_agent: picload-test
log:
  level: debug
  format: json
metrics:
  addr: 127.0.0.1:9090
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/picload", cfg.Cache.Dir)
	assert.Equal(t, BackendBadger, cfg.Cache.Backend)
	assert.Equal(t, int64(1048576), cfg.Cache.MaxBytes)
	assert.Equal(t, 4, cfg.Preload.MaxParallel)
	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout)
	assert.Equal(t, 5, cfg.Fetch.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Fetch.RetryDelay)
	assert.Equal(t, "picload-test", cfg.Fetch.UserAgent)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.Addr)
}

// Not parallel: mutates the process environment.
func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, "fetch:\n  attempts: 2\n")
	t.Setenv("PICLOAD_FETCH_ATTEMPTS", "7")
	t.Setenv("PICLOAD_CACHE_DIR", "/tmp/from-env")
	t.Setenv("PICLOAD_PRELOAD_MAX_PARALLEL", "0")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Fetch.Attempts)
	assert.Equal(t, "/tmp/from-env", cfg.Cache.Dir)
	assert.Equal(t, 0, cfg.Preload.MaxParallel)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{name: "unknown backend", body: "cache:\n  backend: redis\n", field: "Backend"},
		{name: "zero attempts", body: "fetch:\n  attempts: 0\n", field: "Attempts"},
		{name: "negative timeout", body: "fetch:\n  timeout: -1s\n", field: "Timeout"},
		{name: "negative max bytes", body: "cache:\n  max_bytes: -5\n", field: "MaxBytes"},
		{name: "bad log level", body: "log:\n  level: loud\n", field: "Level"},
		{name: "bad log format", body: "log:\n  format: xml\n", field: "Format"},
		{name: "bad metrics addr", body: "metrics:\n  addr: not-an-addr\n", field: "Addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestLoadMalformedFile(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "cache: [unterminated\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "url", "https://example.com/a.png")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"url":"https://example.com/a.png"`)

	buf.Reset()
	LogConfig{Level: "DEBUG", Format: "text"}.NewLogger(&buf).Debug("dbg")
	assert.Contains(t, buf.String(), "msg=dbg")
}

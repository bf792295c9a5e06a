// Package config loads picload settings from a file, the environment and
// defaults.
//
// Precedence, highest first:
//  1. Environment variables (PICLOAD_*, e.g. PICLOAD_FETCH_TIMEOUT=10s)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variable overrides.
const EnvPrefix = "PICLOAD"

// Cache backends.
const (
	BackendDisk   = "disk"
	BackendBadger = "badger"
)

// Config is the full picload configuration.
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Preload PreloadConfig `mapstructure:"preload" yaml:"preload"`
	Fetch   FetchConfig   `mapstructure:"fetch" yaml:"fetch"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// CacheConfig selects and sizes the cache.
type CacheConfig struct {
	// Dir is the cache root. For the badger backend it holds the database.
	Dir string `mapstructure:"dir" validate:"required" yaml:"dir"`

	// Backend is "disk" (one file per asset) or "badger".
	Backend string `mapstructure:"backend" validate:"required,oneof=disk badger" yaml:"backend"`

	// MaxBytes bounds the disk cache; 0 means unbounded.
	MaxBytes int64 `mapstructure:"max_bytes" validate:"gte=0" yaml:"max_bytes"`

	// ShardPrefix spreads disk cache files over subdirectories.
	ShardPrefix int `mapstructure:"shard_prefix" validate:"gte=0,lte=64" yaml:"shard_prefix"`
}

// PreloadConfig controls batch downloads.
type PreloadConfig struct {
	// MaxParallel caps concurrent downloads; zero or negative is unbounded.
	MaxParallel int `mapstructure:"max_parallel" yaml:"max_parallel"`
}

// FetchConfig controls HTTP downloads.
type FetchConfig struct {
	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0" yaml:"timeout"`
	Attempts   int           `mapstructure:"attempts" validate:"gte=1" yaml:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gte=0" yaml:"retry_delay"`
	UserAgent  string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// LogConfig controls log output.
type LogConfig struct {
	// Level is debug, info, warn or error (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port" yaml:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:     DefaultCacheDir(),
			Backend: BackendDisk,
		},
		Preload: PreloadConfig{MaxParallel: -1},
		Fetch: FetchConfig{
			Timeout:  30 * time.Second,
			Attempts: 3,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultCacheDir returns the picload directory under the user cache
// directory, or under the temp directory if there is none.
func DefaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "picload")
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/picload/config.yaml or its
// platform equivalent.
func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(base, "picload", "config.yaml")
}

// Load reads configuration from path, the environment and defaults.
// An empty path looks for the file at DefaultConfigPath; a missing file is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	setupViper(v, path)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks cfg against its struct constraints.
func Validate(cfg *Config) error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(cfg)
}

// setDefaults registers every key so environment overrides apply even when
// the file omits it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.max_bytes", d.Cache.MaxBytes)
	v.SetDefault("cache.shard_prefix", d.Cache.ShardPrefix)
	v.SetDefault("preload.max_parallel", d.Preload.MaxParallel)
	v.SetDefault("fetch.timeout", d.Fetch.Timeout)
	v.SetDefault("fetch.attempts", d.Fetch.Attempts)
	v.SetDefault("fetch.retry_delay", d.Fetch.RetryDelay)
	v.SetDefault("fetch.user_agent", d.Fetch.UserAgent)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

func setupViper(v *viper.Viper, path string) {
	// PICLOAD_CACHE_DIR overrides cache.dir.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		return
	}
	v.SetConfigFile(DefaultConfigPath())
	v.SetConfigType("yaml")
}

// readConfigFile reads the configured file. A missing file is not an error.
func readConfigFile(v *viper.Viper) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to read config file: %w", err)
}

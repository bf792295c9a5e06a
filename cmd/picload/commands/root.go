// Package commands implements the picload CLI.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meigma/picload/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// globals holds the persistent flags and the configuration they resolve to.
type globals struct {
	cfgFile     string
	cacheDir    string
	backend     string
	maxParallel int
	logLevel    string

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "picload",
		Short: "Fetch and cache remote images",
		Long: `picload downloads remote images into a content-addressed cache.

Assets are stored under the fingerprint of their URL. Batches are fetched
with bounded parallelism and concurrent requests for one URL share a
single download.

Use "picload [command] --help" for more information about a command.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.load(cmd)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/picload/config.yaml)")
	pf.StringVar(&g.cacheDir, "cache-dir", "", "cache directory (overrides config)")
	pf.StringVar(&g.backend, "backend", "", "cache backend: disk or badger (overrides config)")
	pf.IntVar(&g.maxParallel, "max-parallel", -1, "max concurrent downloads, <= 0 for unbounded (overrides config)")
	pf.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newPreloadCmd(g))
	rootCmd.AddCommand(newGetCmd(g))
	rootCmd.AddCommand(newUnloadCmd(g))
	rootCmd.AddCommand(newClearCmd(g))
	rootCmd.AddCommand(newBenchCmd(g))

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	return rootCmd
}

// Execute runs the CLI. It is called by main.main().
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return NewRootCmd().ExecuteContext(ctx)
}

// load resolves the configuration and applies flag overrides.
func (g *globals) load(cmd *cobra.Command) error {
	cfg, err := config.Load(g.cfgFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("cache-dir") {
		cfg.Cache.Dir = g.cacheDir
	}
	if flags.Changed("backend") {
		cfg.Cache.Backend = g.backend
	}
	if flags.Changed("max-parallel") {
		cfg.Preload.MaxParallel = g.maxParallel
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = g.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	g.cfg = cfg
	g.logger = cfg.Log.NewLogger(cmd.ErrOrStderr())
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "picload %s (commit %s, built %s)\n", Version, Commit, Date)
		},
	}
}

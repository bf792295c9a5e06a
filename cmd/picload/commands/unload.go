package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUnloadCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "unload <url>...",
		Short: "Remove assets from the cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close() //nolint:errcheck // best-effort on exit

			if err := s.loader.Unload(cmd.Context(), args); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unloaded %d urls\n", len(args))
			return nil
		},
	}
}

func newClearCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached asset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close() //nolint:errcheck // best-effort on exit

			if err := s.loader.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", g.cfg.Cache.Dir)
			return nil
		},
	}
}

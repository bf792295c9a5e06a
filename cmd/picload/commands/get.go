package commands

import (
	"os"

	"github.com/spf13/cobra"
)

func newGetCmd(g *globals) *cobra.Command {
	var (
		output  string
		noCache bool
	)
	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Fetch one asset, from the cache when possible",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close() //nolint:errcheck // best-effort on exit

			data, err := s.loader.Get(cmd.Context(), args[0], !noCache)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644) //nolint:gosec // user-requested output file
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the cache entirely")
	return cmd
}

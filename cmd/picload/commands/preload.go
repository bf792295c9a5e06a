package commands

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/meigma/picload"
)

func newPreloadCmd(g *globals) *cobra.Command {
	var (
		listFile string
		quiet    bool
	)
	cmd := &cobra.Command{
		Use:   "preload [url...]",
		Short: "Download assets into the cache",
		Long: `Download every uncached URL into the cache.

URLs come from the arguments and, with --file, from a file with one URL
per line ("-" reads stdin). Blank lines and lines starting with # are
ignored. Failed downloads are reported and skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := append([]string(nil), args...)
			if listFile != "" {
				more, err := readURLList(cmd.InOrStdin(), listFile)
				if err != nil {
					return err
				}
				urls = append(urls, more...)
			}
			if len(urls) == 0 {
				return errors.New("no urls given")
			}

			var (
				mu     sync.Mutex
				failed int
			)
			out := cmd.OutOrStdout()
			progress := func(ev picload.ProgressEvent) {
				mu.Lock()
				defer mu.Unlock()
				if ev.Outcome == picload.OutcomeFailed || ev.Outcome == picload.OutcomeInvalid {
					failed++
				}
				if quiet {
					return
				}
				line := fmt.Sprintf("[%d/%d] %-7s %s", ev.Done, ev.Total, ev.Outcome, ev.URL)
				if ev.Err != nil {
					line += ": " + ev.Err.Error()
				}
				fmt.Fprintln(out, line)
			}

			s, err := g.open(cmd.Context(), picload.WithProgress(progress))
			if err != nil {
				return err
			}
			defer s.Close() //nolint:errcheck // best-effort on exit

			start := time.Now()
			if err := s.loader.Preload(cmd.Context(), urls); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(out, "preloaded %d urls in %s (%d failed)\n",
				len(urls)-failed, time.Since(start).Round(time.Millisecond), failed)
			if failed > 0 {
				return fmt.Errorf("%d of %d urls failed", failed, len(urls))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&listFile, "file", "f", "", "read URLs from file, one per line (- for stdin)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only print the summary")
	return cmd
}

func readURLList(stdin io.Reader, path string) ([]string, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return urls, nil
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/archive"
)

func newSearchCmd(root *rootOptions) *cobra.Command {
	var (
		limit      int
		path       string
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Search the text of recorded pages",
		Example: `  tapedeck search goroutine leak
  tapedeck search "effective go" --limit 5 --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("archive") {
				path = root.cfg.Archive.Path
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive, got %d", limit)
			}
			return runSearch(cmd.Context(), cmd.OutOrStdout(), path, strings.Join(args, " "), limit, outputJSON)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of results")
	cmd.Flags().StringVar(&path, "archive", "tapedeck.db", "archive file")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")

	return cmd
}

func runSearch(ctx context.Context, out io.Writer, path, query string, limit int, outputJSON bool) error {
	a, err := archive.Open(ctx, path)
	if err != nil && a == nil {
		return err
	}
	defer a.Close()

	results, err := a.Search(ctx, query, limit)
	if err != nil {
		return err
	}

	if outputJSON {
		if results == nil {
			results = []archive.SearchResult{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "no matches")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(out, "%2d. %s\n    %s\n    %s\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return nil
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/config"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/events"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/scrape"
)

func newCrawlCmd(root *rootOptions) *cobra.Command {
	var (
		roots      []string
		firstPage  string
		ppm        float64
		burst      int
		selector   string
		dryRun     bool
		robots     bool
		archive    string
		browser    string
		outputJSON bool
		eventsPath string
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a site into the archive",
		Long: `Crawls every page reachable from the first page whose URL starts with
one of the roots, at most --ppm pages per minute. Pages are recorded into a
new collection unless --dry-run replays them from the archive instead.

Interrupting the crawl stops it after the page being loaded.`,
		Example: `  tapedeck crawl --root https://go.dev/doc/
  tapedeck crawl --root https://go.dev/doc/ --first-page https://go.dev/doc/effective_go --ppm 30
  tapedeck crawl --root https://go.dev/doc/ --dry-run --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if cmd.Flags().Changed("archive") {
				cfg.Archive.Path = archive
			}
			if cmd.Flags().Changed("browser") {
				cfg.Browser.Kind = browser
			}
			if cmd.Flags().Changed("burst") {
				cfg.Scrape.Burst = burst
			}
			if cmd.Flags().Changed("robots") {
				cfg.Scrape.RespectRobots = robots
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			sc := scrape.Config{
				FirstPage:    firstPage,
				RootURLs:     roots,
				LinkSelector: selector,
				PPMLimit:     ppm,
				DryRun:       dryRun,
			}
			return runCrawl(cmd.Context(), cmd.OutOrStdout(), cfg, sc, outputJSON, eventsPath)
		},
	}

	cmd.Flags().StringSliceVar(&roots, "root", nil, "URL prefix the crawl stays within (repeatable)")
	cmd.Flags().StringVar(&firstPage, "first-page", "", "page to start from (default: the first root)")
	cmd.Flags().Float64Var(&ppm, "ppm", 0, "pages per minute (default: scrape.ppm_limit)")
	cmd.Flags().IntVar(&burst, "burst", 1, "pages that may load back to back")
	cmd.Flags().StringVar(&selector, "selector", "", "CSS selector for links to follow (default: scrape.link_selector)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "replay from the archive instead of recording")
	cmd.Flags().BoolVar(&robots, "robots", true, "skip links disallowed by robots.txt")
	cmd.Flags().StringVar(&archive, "archive", "tapedeck.db", "archive file")
	cmd.Flags().StringVar(&browser, "browser", config.BrowserHTTP, "browsing surface (http, chrome)")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "print status as JSON lines")
	cmd.Flags().StringVar(&eventsPath, "events", "", "append every capture and status event to this file as JSON lines")
	cmd.MarkFlagRequired("root")

	return cmd
}

func runCrawl(ctx context.Context, out io.Writer, cfg config.Config, sc scrape.Config, outputJSON bool, eventsPath string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := appOptions{surface: true}
	if eventsPath != "" {
		f, err := os.OpenFile(eventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening event log: %w", err)
		}
		defer f.Close()
		opts.publishers = append(opts.publishers, events.NewRecorder(f))
	}

	a, err := openApp(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	var mu sync.Mutex
	enc := json.NewEncoder(out)
	r, err := a.newRunner(sc, func(_ *scrape.Runner, s scrape.Status) {
		mu.Lock()
		defer mu.Unlock()
		if outputJSON {
			enc.Encode(s)
			return
		}
		printStatus(out, s)
	})
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			r.Stop()
		case <-r.Done():
		}
	}()

	if err := r.Run(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if s := r.Status(); s.Error != "" {
		return fmt.Errorf("crawl ended: %s", s.Error)
	}
	return nil
}

func printStatus(w io.Writer, s scrape.Status) {
	fmt.Fprintf(w, "[%-11s] visited=%d remaining=%d ppm=%.1f/%g\n",
		s.State, s.PagesVisited, s.PagesRemaining, s.PPM, s.PPMLimit)
}

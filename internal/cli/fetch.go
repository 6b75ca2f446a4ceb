package cli

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/config"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/network"
)

func newFetchCmd(root *rootOptions) *cobra.Command {
	var (
		mode     string
		method   string
		include  bool
		archive  string
		readOnly bool
	)

	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Fetch one URL through the network adapter",
		Long: `Fetches a URL the way a browsing surface would and writes the body to
stdout. In replay mode (the default) the answer comes from the archive and
no network is used. In record mode the exchange is stored in a new
collection.`,
		Example: `  tapedeck fetch https://go.dev/
  tapedeck fetch https://go.dev/ --mode record --include
  tapedeck fetch https://go.dev/ --mode passthrough`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if cmd.Flags().Changed("archive") {
				cfg.Archive.Path = archive
			}
			if cmd.Flags().Changed("allow-read-only") {
				cfg.Archive.AllowReadOnly = readOnly
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runFetch(cmd.Context(), cmd.OutOrStdout(), cfg, fetchRequest{
				url:     args[0],
				method:  strings.ToUpper(method),
				mode:    network.Mode(strings.ToUpper(mode)),
				include: include,
			})
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "replay", "adapter mode (replay, passthrough, record)")
	cmd.Flags().StringVar(&method, "method", http.MethodGet, "request method")
	cmd.Flags().BoolVarP(&include, "include", "i", false, "print the status line and headers")
	cmd.Flags().StringVar(&archive, "archive", "tapedeck.db", "archive file")
	cmd.Flags().BoolVar(&readOnly, "allow-read-only", false, "replay from an archive with an unknown schema history")

	return cmd
}

type fetchRequest struct {
	url     string
	method  string
	mode    network.Mode
	include bool
}

func runFetch(ctx context.Context, out io.Writer, cfg config.Config, fr fetchRequest) (err error) {
	a, err := openApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	switch fr.mode {
	case network.ModeReplay:
	case network.ModePassthrough:
		err = a.adapter.SetPassthroughMode(ctx)
	case network.ModeRecord:
		err = a.adapter.StartRecordingSession(ctx)
	default:
		return fmt.Errorf("unknown mode %q, must be one of: replay, passthrough, record", fr.mode)
	}
	if err != nil {
		return err
	}

	resp, err := a.adapter.Request(ctx, &network.Request{
		URL:    fr.url,
		Method: fr.method,
		Header: http.Header{},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if fr.include {
		fmt.Fprintf(out, "%d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
		keys := make([]string, 0, len(resp.Header))
		for k := range resp.Header {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			for _, v := range resp.Header[k] {
				fmt.Fprintf(out, "%s: %s\n", k, v)
			}
		}
		fmt.Fprintln(out)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		return err
	}
	return nil
}

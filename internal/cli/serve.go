package cli

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/config"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/events"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/scrape"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/server"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		addr     string
		archive  string
		readOnly bool
		browser  string
		registry registryFlags
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the control API",
		Long: `Starts the network adapter and exposes it over HTTP.

Endpoints:
  GET    /health            Health check and current mode
  GET    /api/mode          Current mode
  PUT    /api/mode          Switch to {"mode":"REPLAY"} or {"mode":"PASSTHROUGH"}
  POST   /api/recording     Start a recording session
  DELETE /api/recording     Finish the recording session
  GET    /fetch?url=        Fetch a URL through the adapter
  POST   /api/scrape        Start a crawl
  DELETE /api/scrape        Stop the crawl
  GET    /api/scrape        Crawl status
  GET    /api/search?q=     Full-text search over recorded pages
  GET    /api/pages         Pages of a collection (?collection=ID)
  GET    /api/collections   Recorded collections
  GET    /dashboard/        Live status page
  WS     /ws                Live mode and crawl events`,
		Example: `  tapedeck serve
  tapedeck serve --addr :9090 --archive crawl.db
  tapedeck serve --browser chrome --registry redis --redis-host localhost:6379`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("archive") {
				cfg.Archive.Path = archive
			}
			if cmd.Flags().Changed("allow-read-only") {
				cfg.Archive.AllowReadOnly = readOnly
			}
			if cmd.Flags().Changed("browser") {
				cfg.Browser.Kind = browser
			}
			if err := registry.overlay(cmd, &cfg.Registry); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&archive, "archive", "tapedeck.db", "archive file")
	cmd.Flags().BoolVar(&readOnly, "allow-read-only", false, "replay from an archive with an unknown schema history")
	cmd.Flags().StringVar(&browser, "browser", config.BrowserHTTP, "browsing surface (http, chrome)")
	registry.register(cmd)

	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub()
	a, err := openApp(ctx, cfg, appOptions{
		publishers: []events.Publisher{hub},
		exempt:     selfPrefixes(cfg.Server.Addr),
		surface:    true,
		registry:   true,
	})
	if err != nil {
		return err
	}

	srv := server.New(cfg.Server.Addr, server.Options{
		Adapter:   a.adapter,
		Archive:   a.archive,
		Registry:  a.registry,
		SurfaceID: a.surface.ID(),
		NewRunner: func(sc scrape.Config) (*scrape.Runner, error) {
			return a.newRunner(sc, nil)
		},
		Hub: hub,
	})

	slog.Info("dashboard available.", slog.String("url", "http://localhost"+portSuffix(cfg.Server.Addr)+"/dashboard/"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
		slog.Info("shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down server.", slog.String("err", err.Error()))
	}
	if err := a.close(shutdownCtx); err != nil {
		slog.Error("failed to close cleanly.", slog.String("err", err.Error()))
	}
	return serveErr
}

// selfPrefixes returns the URL prefixes the control API answers on, so
// requests to it never get recorded or replayed.
func selfPrefixes(addr string) []string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	hosts := []string{host}
	if host == "" || host == "0.0.0.0" || host == "::" {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, "http://"+net.JoinHostPort(h, port)+"/")
	}
	return out
}

func portSuffix(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	return ":" + port
}

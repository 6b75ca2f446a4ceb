package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/archive"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/clock"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/config"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/events"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/network"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/persister"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/scrape"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/storage"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/surface"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/telemetry"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/transport"
)

// appOptions select the parts a command needs.
type appOptions struct {
	// publishers receive events next to the configured Kafka topic.
	publishers []events.Publisher
	// exempt extends server.exempt.
	exempt   []string
	surface  bool
	registry bool
}

// app is the wired mediator: archive, adapter and, on request, a browsing
// surface and crawl registry.
type app struct {
	cfg       config.Config
	metrics   *telemetry.Metrics
	events    events.Publisher
	archive   *archive.Archive
	persister *persister.ArchivePersister
	adapter   *network.Adapter
	surface   surface.Surface
	robots    *scrape.Robots
	store     storage.Storage
	registry  *scrape.Registry
}

func openApp(ctx context.Context, cfg config.Config, o appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	if a.metrics, err = telemetry.Setup(ctx, cfg.Telemetry); err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}
	kafka, err := events.New(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("setting up events: %w", err)
	}
	a.events = append(events.Multi{kafka}, o.publishers...)

	a.archive, err = archive.Open(ctx, cfg.Archive.Path)
	if errors.Is(err, archive.ErrIncompatible) {
		if !cfg.Archive.AllowReadOnly {
			return nil, fmt.Errorf("opening %s: %w (use --allow-read-only to replay from it)", cfg.Archive.Path, err)
		}
		slog.Warn("archive opened read-only, recording is disabled.", slog.String("path", cfg.Archive.Path))
		err = nil
	}
	if err != nil {
		return nil, err
	}

	a.persister = persister.NewArchivePersister(a.archive, persister.Options{
		Events:  a.events,
		Metrics: a.metrics,
	})
	live := transport.NewHTTP(cfg.Transport)
	a.adapter = network.NewAdapter(map[string]network.Transport{
		"http":  live,
		"https": live,
	}, a.persister, network.Options{
		Exempt:  append(append([]string(nil), cfg.Server.Exempt...), o.exempt...),
		Metrics: a.metrics,
		Events:  a.events,
	})

	if o.surface {
		s, err := newSurface(ctx, cfg, a.adapter)
		if err != nil {
			return nil, err
		}
		a.surface = surface.Track(s, a.archive, a.persister)
		if cfg.Scrape.RespectRobots {
			a.robots = scrape.NewRobots(a.adapter, cfg.Transport.UserAgent)
		}
	}

	if o.registry {
		if a.store, err = storage.New(cfg.Registry.Storage(), clock.NewRealClock()); err != nil {
			return nil, fmt.Errorf("opening crawl registry: %w", err)
		}
		a.registry = scrape.NewRegistry(a.store, cfg.Registry.LeaseTTL)
	}
	return a, nil
}

func newSurface(ctx context.Context, cfg config.Config, f surface.Fetcher) (surface.Surface, error) {
	id := uuid.NewString()
	switch cfg.Browser.Kind {
	case config.BrowserChrome:
		chromeCfg := cfg.Browser.Chrome
		if chromeCfg.UserAgent == "" {
			chromeCfg.UserAgent = cfg.Transport.UserAgent
		}
		return surface.NewChrome(ctx, id, f, chromeCfg)
	default:
		return surface.NewHTTP(id, f), nil
	}
}

// newRunner builds a crawl on the app's surface, filling what sc leaves out
// from the scrape defaults. A crawl without a first page starts at its
// first root.
func (a *app) newRunner(sc scrape.Config, extra scrape.Reporter) (*scrape.Runner, error) {
	if sc.PPMLimit == 0 {
		sc.PPMLimit = a.cfg.Scrape.PPMLimit
	}
	if sc.LinkSelector == "" {
		sc.LinkSelector = a.cfg.Scrape.LinkSelector
	}
	if sc.FirstPage == "" && len(sc.RootURLs) > 0 {
		sc.FirstPage = sc.RootURLs[0]
	}
	return scrape.NewRunner(sc, a.surface, a.adapter, scrape.Options{
		Burst:          a.cfg.Scrape.Burst,
		Reporter:       scrape.Reporters(scrape.PublishStatus(a.events), extra),
		ReportInterval: a.cfg.Scrape.ReportInterval,
		Robots:         a.robots,
		Metrics:        a.metrics,
	})
}

// close stops crawls, finishes any open recording and releases everything
// in reverse order of opening.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.registry != nil {
		errs = append(errs, a.registry.Close(ctx))
	}
	if a.adapter != nil && a.adapter.IsRecording() {
		errs = append(errs, a.adapter.FinishRecordingSession(ctx))
	}
	if a.persister != nil {
		a.persister.Wait()
	}
	if a.surface != nil {
		errs = append(errs, a.surface.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.archive != nil {
		errs = append(errs, a.archive.Close())
	}
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.metrics != nil {
		a.metrics.Close()
	}
	return errors.Join(errs...)
}

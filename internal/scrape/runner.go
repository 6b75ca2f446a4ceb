package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/clock"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/limiter"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/surface"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/telemetry"
)

var (
	// ErrNoSurface is returned when a crawl is started without a surface.
	ErrNoSurface = errors.New("no active browsing surface")
	// ErrAlreadyRunning is returned when a runner or surface is already crawling.
	ErrAlreadyRunning = errors.New("crawl already running")
)

// DefaultReportInterval is how often status is reported while a page loads.
const DefaultReportInterval = time.Second

// Network is the part of the adapter the runner switches modes on.
type Network interface {
	IsRecording() bool
	StartRecordingSession(ctx context.Context) error
	FinishRecordingSession(ctx context.Context) error
	SetReplayMode(ctx context.Context) error
}

// Options configures a Runner. Zero values get defaults.
type Options struct {
	Clock          clock.Clock
	Limiter        limiter.Limiter
	Burst          int
	Reporter       Reporter
	ReportInterval time.Duration
	// Robots, when set, skips links disallowed by robots.txt.
	Robots  *Robots
	Metrics *telemetry.Metrics
}

// Runner drives one crawl. Pages are visited one at a time: wait for the
// surface to settle, collect links, then load the next queued page once the
// limiter admits it.
type Runner struct {
	id       string
	cfg      Config
	roots    []string
	surf     surface.Surface
	net      Network
	bucket   limiter.Limiter
	clock    clock.Clock
	reporter Reporter
	interval time.Duration
	robots   *Robots
	metrics  *telemetry.Metrics

	mu               sync.Mutex
	status           Status
	queue            []string
	known            map[string]struct{}
	stopping         bool
	startedRecording bool

	done chan struct{}
}

// NewRunner validates cfg and creates a runner for surf. surf may be nil, in
// which case Run fails with ErrNoSurface.
func NewRunner(cfg Config, surf surface.Surface, net Network, opts Options) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	if opts.Clock == nil {
		opts.Clock = clock.NewRealClock()
	}
	if opts.Limiter == nil {
		opts.Limiter = limiter.NewPerMinute(cfg.PPMLimit, opts.Burst, opts.Clock)
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = DefaultReportInterval
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.Nop()
	}

	roots := make([]string, len(cfg.RootURLs))
	for i, root := range cfg.RootURLs {
		roots[i] = normalize(root)
	}

	return &Runner{
		id:       uuid.NewString(),
		cfg:      cfg,
		roots:    roots,
		surf:     surf,
		net:      net,
		bucket:   opts.Limiter,
		clock:    opts.Clock,
		reporter: opts.Reporter,
		interval: opts.ReportInterval,
		robots:   opts.Robots,
		metrics:  opts.Metrics,
		status: Status{
			State:          StateInitialized,
			PagesRemaining: 1,
			PPMLimit:       cfg.PPMLimit,
		},
		known: make(map[string]struct{}),
		done:  make(chan struct{}),
	}, nil
}

// ID identifies the crawl in events.
func (r *Runner) ID() string { return r.id }

// Config returns the crawl configuration.
func (r *Runner) Config() Config { return r.cfg }

// Status returns the current progress.
func (r *Runner) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *Runner) statusLocked() Status {
	s := r.status
	s.PPM = r.bucket.AverageRate() * 60
	return s
}

// Stop asks the crawl to end. The page being loaded is allowed to settle;
// no further page is requested.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()
}

// Done is closed when Run returns.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Wait blocks until Run has returned.
func (r *Runner) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run performs the crawl and returns once it finished or was stopped.
func (r *Runner) Run(ctx context.Context) error {
	if r.surf == nil {
		return ErrNoSurface
	}
	r.mu.Lock()
	if r.status.State != StateInitialized {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.status.State = StateRunning
	r.mu.Unlock()
	defer close(r.done)

	slog.Info("crawl started.",
		slog.String("id", r.id),
		slog.String("surface", r.surf.ID()),
		slog.String("roots", strings.Join(r.cfg.RootURLs, ",")),
		slog.Bool("dry_run", r.cfg.DryRun))
	r.report()

	if err := r.prepare(ctx); err != nil {
		r.end(StateCanceled, err)
		return err
	}
	if r.cfg.FirstPage != "" {
		if err := r.surf.Navigate(ctx, r.cfg.FirstPage); err != nil {
			r.end(StateCanceled, err)
			return fmt.Errorf("loading first page: %w", err)
		}
	}

	if err := r.loop(ctx); err != nil {
		r.end(StateCanceled, err)
		return err
	}
	return nil
}

// prepare puts the adapter in the mode the crawl needs.
func (r *Runner) prepare(ctx context.Context) error {
	if r.net == nil {
		return nil
	}
	if r.cfg.DryRun {
		if r.net.IsRecording() {
			if err := r.net.FinishRecordingSession(ctx); err != nil {
				return fmt.Errorf("finishing recording for dry run: %w", err)
			}
		}
		return r.net.SetReplayMode(ctx)
	}
	if r.net.IsRecording() {
		return nil
	}
	if err := r.net.StartRecordingSession(ctx); err != nil {
		return fmt.Errorf("starting recording: %w", err)
	}
	r.mu.Lock()
	r.startedRecording = true
	r.mu.Unlock()
	return nil
}

func (r *Runner) loop(ctx context.Context) error {
	for {
		// A stop lets the in-flight page settle first.
		if err := r.waitSettled(ctx); err != nil {
			return err
		}
		if r.stopRequested() {
			r.end(StateCanceled, nil)
			return nil
		}
		r.examine(ctx)

		next, ok := r.dequeue()
		if !ok {
			return r.complete(ctx)
		}
		if err := r.bucket.Wait(ctx, 1); err != nil {
			return err
		}
		if r.stopRequested() {
			r.end(StateCanceled, nil)
			return nil
		}
		r.report()

		slog.Debug("crawl navigating.", slog.String("id", r.id), slog.String("url", next))
		if err := r.surf.Navigate(ctx, next); err != nil {
			slog.Warn("navigation failed.", slog.String("url", next), slog.String("err", err.Error()))
		}
	}
}

// waitSettled waits for the surface, reporting on every interval so the
// observed rate decays during long loads.
func (r *Runner) waitSettled(ctx context.Context) error {
	settled := make(chan error, 1)
	go func() { settled <- r.surf.WaitSettled(ctx) }()

	for {
		select {
		case err := <-settled:
			return err
		case <-r.clock.After(r.interval):
			r.report()
		}
	}
}

func (r *Runner) examine(ctx context.Context) {
	snap, err := r.surf.Snapshot(ctx)

	r.mu.Lock()
	r.status.PagesVisited++
	r.mu.Unlock()
	r.metrics.PagesVisited(1)
	r.report()

	if err != nil {
		slog.Warn("failed to read page.", slog.String("id", r.id), slog.String("err", err.Error()))
		return
	}
	if snap.Err != nil {
		slog.Info("page failed to load.", slog.String("url", snap.URL), slog.String("err", snap.Err.Error()))
		return
	}

	pageURL := normalize(snap.URL)
	if !r.underRoot(pageURL) {
		return
	}

	var fresh []string
	r.mu.Lock()
	// Redirects can land on a page that was never queued.
	r.known[pageURL] = struct{}{}
	for _, link := range extractLinks(snap.HTML, snap.URL, r.cfg.LinkSelector) {
		if _, ok := r.known[link]; ok || !r.underRoot(link) {
			continue
		}
		r.known[link] = struct{}{}
		fresh = append(fresh, link)
	}
	r.mu.Unlock()

	for _, link := range fresh {
		if r.robots != nil && !r.robots.Allowed(ctx, link) {
			slog.Debug("robots.txt disallows link.", slog.String("url", link))
			continue
		}
		r.mu.Lock()
		r.queue = append(r.queue, link)
		r.mu.Unlock()
	}
}

func (r *Runner) dequeue() (string, bool) {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.status.PagesRemaining = 0
		r.mu.Unlock()
		return "", false
	}
	next := r.queue[0]
	r.queue = r.queue[1:]
	r.status.PagesRemaining = len(r.queue)
	r.mu.Unlock()

	r.report()
	return next, true
}

func (r *Runner) underRoot(u string) bool {
	for _, root := range r.roots {
		if strings.HasPrefix(u, root) {
			return true
		}
	}
	return false
}

func (r *Runner) stopRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopping
}

// complete ends a crawl whose queue ran dry.
func (r *Runner) complete(ctx context.Context) error {
	r.mu.Lock()
	started := r.startedRecording
	r.mu.Unlock()

	if started && r.net != nil {
		if err := r.net.FinishRecordingSession(ctx); err != nil {
			return fmt.Errorf("finishing recording: %w", err)
		}
	}
	r.end(StateFinished, nil)
	return nil
}

func (r *Runner) end(state State, err error) {
	r.mu.Lock()
	r.status.State = state
	if err != nil {
		r.status.Error = err.Error()
	}
	visited := r.status.PagesVisited
	r.mu.Unlock()

	slog.Info("crawl ended.", slog.String("id", r.id), slog.String("state", string(state)), slog.Int("visited", visited))
	r.report()
}

func (r *Runner) report() {
	if r.reporter == nil {
		return
	}
	r.reporter(r, r.Status())
}

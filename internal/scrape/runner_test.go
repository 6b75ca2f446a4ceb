package scrape

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/clock"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/neterr"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/network"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/storage"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/surface"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx   = context.Background()
)

// fakeSurface serves canned HTML and settles immediately unless hold is set.
type fakeSurface struct {
	id    string
	pages map[string]string
	hold  chan struct{}

	mu      sync.Mutex
	current string
	visits  []string
}

func newFakeSurface(pages map[string]string) *fakeSurface {
	return &fakeSurface{id: "tab-1", pages: pages}
}

func (s *fakeSurface) ID() string { return s.id }

func (s *fakeSurface) Navigate(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = url
	s.visits = append(s.visits, url)
	return nil
}

func (s *fakeSurface) WaitSettled(ctx context.Context) error {
	if s.hold == nil {
		return nil
	}
	select {
	case <-s.hold:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeSurface) Snapshot(context.Context) (*surface.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		return nil, surface.ErrNotNavigated
	}
	html, ok := s.pages[s.current]
	if !ok {
		return &surface.Snapshot{URL: s.current, Err: neterr.New(neterr.ErrNetworkIOSuspended, "not recorded")}, nil
	}
	return &surface.Snapshot{URL: s.current, HTML: html}, nil
}

func (s *fakeSurface) Close() error { return nil }

func (s *fakeSurface) Visits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.visits...)
}

type fakeNet struct {
	mu        sync.Mutex
	recording bool
	starts    int
	finishes  int
	replays   int
}

func (n *fakeNet) IsRecording() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.recording
}

func (n *fakeNet) StartRecordingSession(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recording = true
	n.starts++
	return nil
}

func (n *fakeNet) FinishRecordingSession(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recording = false
	n.finishes++
	return nil
}

func (n *fakeNet) SetReplayMode(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replays++
	return nil
}

var site = map[string]string{
	"https://example.com/":  `<a href="/a">A</a> <a href="b#top">B</a> <a href="https://other.com/x">elsewhere</a> <a>no href</a>`,
	"https://example.com/a": `<a href="/">home</a> <a href="/b">B</a>`,
	"https://example.com/b": `<p>leaf</p>`,
}

func testConfig() Config {
	return Config{
		FirstPage: "https://example.com/",
		RootURLs:  []string{"https://example.com/"},
		PPMLimit:  6000,
	}
}

func TestRunner_CrawlsToCompletion(t *testing.T) {
	surf := newFakeSurface(site)
	net := &fakeNet{}

	var mu sync.Mutex
	var reports []Status
	r, err := NewRunner(testConfig(), surf, net, Options{
		Burst: 10,
		Reporter: func(_ *Runner, s Status) {
			mu.Lock()
			reports = append(reports, s)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	s := r.Status()
	if s.State != StateFinished || s.PagesVisited != 3 || s.PagesRemaining != 0 {
		t.Errorf("status = %+v, want finished with 3 visited and 0 remaining", s)
	}
	want := []string{"https://example.com/", "https://example.com/a", "https://example.com/b"}
	if got := surf.Visits(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("visits = %v, want %v", got, want)
	}
	if net.starts != 1 || net.finishes != 1 {
		t.Errorf("recording starts/finishes = %d/%d, want 1/1", net.starts, net.finishes)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reports) == 0 || reports[0].State != StateRunning || reports[len(reports)-1].State != StateFinished {
		t.Errorf("reports should go from running to finished, got %+v", reports)
	}
	if err := r.Wait(ctx); err != nil {
		t.Errorf("Wait() after Run = %v", err)
	}
}

func TestRunner_StopIsGraceful(t *testing.T) {
	surf := newFakeSurface(site)
	net := &fakeNet{}

	r, _ := NewRunner(testConfig(), surf, net, Options{
		Burst: 10,
		Reporter: func(r *Runner, s Status) {
			if s.PagesVisited == 1 {
				r.Stop()
			}
		},
	})
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}

	s := r.Status()
	if s.State != StateCanceled || s.PagesVisited != 1 {
		t.Errorf("status = %+v, want canceled after 1 page", s)
	}
	if visits := surf.Visits(); len(visits) != 1 {
		t.Errorf("visits = %v, want no page requested after Stop", visits)
	}
	// A stopped crawl leaves the session open for the caller.
	if net.finishes != 0 {
		t.Errorf("finishes = %d, want 0", net.finishes)
	}
}

func TestRunner_DryRunReplays(t *testing.T) {
	net := &fakeNet{recording: true}
	cfg := testConfig()
	cfg.DryRun = true

	r, _ := NewRunner(cfg, newFakeSurface(site), net, Options{Burst: 10})
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if net.finishes != 1 || net.replays != 1 || net.starts != 0 {
		t.Errorf("finishes/replays/starts = %d/%d/%d, want 1/1/0", net.finishes, net.replays, net.starts)
	}
	if s := r.Status(); s.State != StateFinished || s.PagesVisited != 3 {
		t.Errorf("status = %+v, want finished with 3 visited", s)
	}
}

func TestRunner_KeepsExistingRecording(t *testing.T) {
	net := &fakeNet{recording: true}

	r, _ := NewRunner(testConfig(), newFakeSurface(site), net, Options{Burst: 10})
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if net.starts != 0 || net.finishes != 0 || !net.recording {
		t.Errorf("starts/finishes = %d/%d, want the caller's session left alone", net.starts, net.finishes)
	}
}

func TestRunner_UnloadablePagesAreVisited(t *testing.T) {
	pages := map[string]string{
		"https://example.com/": `<a href="/gone">gone</a>`,
	}
	r, _ := NewRunner(testConfig(), newFakeSurface(pages), &fakeNet{}, Options{Burst: 10})
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if s := r.Status(); s.State != StateFinished || s.PagesVisited != 2 {
		t.Errorf("status = %+v, want finished with 2 visited", s)
	}
}

func TestRunner_Errors(t *testing.T) {
	r, _ := NewRunner(testConfig(), nil, &fakeNet{}, Options{})
	if err := r.Run(ctx); !errors.Is(err, ErrNoSurface) {
		t.Errorf("Run() without surface = %v, want ErrNoSurface", err)
	}

	r, _ = NewRunner(testConfig(), newFakeSurface(site), &fakeNet{}, Options{Burst: 10})
	r.Run(ctx)
	if err := r.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run() = %v, want ErrAlreadyRunning", err)
	}

	if _, err := NewRunner(Config{PPMLimit: 10}, nil, nil, Options{}); err == nil {
		t.Error("NewRunner without roots should fail")
	}
	if _, err := NewRunner(Config{RootURLs: []string{"https://example.com/"}}, nil, nil, Options{}); err == nil {
		t.Error("NewRunner without a ppm limit should fail")
	}
}

func TestRunner_RateLimited(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	r, _ := NewRunner(Config{
		FirstPage: "https://example.com/",
		RootURLs:  []string{"https://example.com/"},
		PPMLimit:  60,
	}, newFakeSurface(site), &fakeNet{}, Options{Clock: vc})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for finished := false; !finished; {
		select {
		case err := <-done:
			if err != nil {
				t.Fatal(err)
			}
			finished = true
		case <-deadline:
			t.Fatal("crawl did not finish")
		default:
			vc.Advance(100 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}

	// Three pages at one per second need at least one refill.
	if elapsed := vc.Since(epoch); elapsed < time.Second {
		t.Errorf("crawl took %v of virtual time, want at least 1s", elapsed)
	}
	if s := r.Status(); s.PagesVisited != 3 || s.PPMLimit != 60 {
		t.Errorf("status = %+v, want 3 visited with limit 60", s)
	}
}

type robotsSite map[string]string

func (s robotsSite) Request(_ context.Context, req *network.Request) (*network.Response, error) {
	body, ok := s[req.URL]
	if !ok {
		return &network.Response{StatusCode: 404, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	return &network.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestRunner_RespectsRobots(t *testing.T) {
	pages := map[string]string{
		"https://example.com/":          `<a href="/private/x">p</a> <a href="/public">q</a>`,
		"https://example.com/public":    `<p>ok</p>`,
		"https://example.com/private/x": `<p>secret</p>`,
	}
	robots := NewRobots(robotsSite{
		"https://example.com/robots.txt": "User-agent: *\nDisallow: /private\n",
	}, "tapedeck")
	surf := newFakeSurface(pages)

	r, _ := NewRunner(testConfig(), surf, &fakeNet{}, Options{Burst: 10, Robots: robots})
	if err := r.Run(ctx); err != nil {
		t.Fatal(err)
	}
	for _, v := range surf.Visits() {
		if strings.Contains(v, "private") {
			t.Errorf("visited disallowed %s", v)
		}
	}
	if s := r.Status(); s.PagesVisited != 2 {
		t.Errorf("PagesVisited = %d, want 2", s.PagesVisited)
	}
}

func TestRobots_MissingFileAllows(t *testing.T) {
	robots := NewRobots(robotsSite{}, "tapedeck")
	if !robots.Allowed(ctx, "https://example.com/anything") {
		t.Error("a missing robots.txt should allow everything")
	}
	if robots.Allowed(ctx, "/relative") {
		t.Error("relative URLs should not be allowed")
	}
}

func TestExtractLinks(t *testing.T) {
	html := `<html><head><base href="https://example.com/docs/"></head><body>
		<a class="nav" href="intro#part-2">Intro</a>
		<a class="nav" href="HTTPS://Example.COM:443/docs/api">API</a>
		<a class="nav" href="mailto:someone@example.com">Mail</a>
		<a class="nav">No href</a>
		<a href="/ignored">Not nav</a>
		<span class="nav" href="/span">Span</span>
	</body></html>`

	got := extractLinks(html, "https://example.com/", ".nav")
	want := []string{
		"https://example.com/docs/intro",
		"https://example.com/docs/api",
		"https://example.com/span",
	}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("extractLinks() = %v, want %v", got, want)
	}

	if links := extractLinks(html, "https://example.com/", "a[[["); len(links) != 0 {
		t.Errorf("invalid selector found %v, want none", links)
	}
}

func TestRegistry_OneCrawlPerSurface(t *testing.T) {
	store := storage.NewMemoryStorage(clock.NewRealClock())
	g := NewRegistry(store, time.Minute)

	surf := newFakeSurface(site)
	surf.hold = make(chan struct{})

	first, _ := NewRunner(testConfig(), surf, &fakeNet{}, Options{Burst: 10})
	if err := g.Start(ctx, first); err != nil {
		t.Fatal(err)
	}
	second, _ := NewRunner(testConfig(), surf, &fakeNet{}, Options{Burst: 10})
	if err := g.Start(ctx, second); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start() = %v, want ErrAlreadyRunning", err)
	}
	if got, _ := g.Runner(surf.ID()); got != first {
		t.Error("Runner() should return the first crawl")
	}

	close(surf.hold)
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.Close(wctx); err != nil {
		t.Fatal(err)
	}
	if s := first.Status(); s.State != StateFinished && s.State != StateCanceled {
		t.Errorf("first crawl state = %s, want it ended", s.State)
	}
	if err := g.Stop(surf.ID()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() after end = %v, want ErrNotRunning", err)
	}

	third, _ := NewRunner(testConfig(), newFakeSurface(site), &fakeNet{}, Options{Burst: 10})
	if err := g.Start(ctx, third); err != nil {
		t.Errorf("Start() after release = %v, want nil", err)
	}
	g.Close(wctx)
}

func TestRegistry_LeaseOutlivesTTLWhileRunning(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	store := storage.NewMemoryStorage(vc)
	g := NewRegistry(store, time.Minute, WithLeaseClock(vc))

	surf := newFakeSurface(site)
	surf.hold = make(chan struct{})

	first, _ := NewRunner(testConfig(), surf, &fakeNet{}, Options{Burst: 10})
	if err := g.Start(ctx, first); err != nil {
		t.Fatal(err)
	}

	// Two full TTLs pass while the crawl is still parked on its first page.
	for i := 0; i < 4; i++ {
		vc.BlockUntil(1)
		vc.Advance(30 * time.Second)
	}
	vc.BlockUntil(1)

	other := NewRegistry(store, time.Minute, WithLeaseClock(vc))
	second, _ := NewRunner(testConfig(), surf, &fakeNet{}, Options{Burst: 10})
	if err := other.Start(ctx, second); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Start() from another registry = %v, want ErrAlreadyRunning", err)
	}
	if err := g.Start(ctx, second); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Start() on the same registry = %v, want ErrAlreadyRunning", err)
	}

	// Someone else now owns the key; ending the first crawl must leave it.
	key := leaseKey(surf.ID())
	if err := store.Set(ctx, key, []byte("intruder"), 0); err != nil {
		t.Fatal(err)
	}
	close(surf.hold)
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.Close(wctx); err != nil {
		t.Fatal(err)
	}
	if val, _ := store.Get(ctx, key); string(val) != "intruder" {
		t.Errorf("lease after the crawl ended = %q, want intruder", val)
	}
}

func TestRegistry_ReleasesOwnLease(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	store := storage.NewMemoryStorage(vc)
	g := NewRegistry(store, time.Minute, WithLeaseClock(vc))

	surf := newFakeSurface(site)
	r, _ := NewRunner(testConfig(), surf, &fakeNet{}, Options{Burst: 10})
	if err := g.Start(ctx, r); err != nil {
		t.Fatal(err)
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := g.Close(wctx); err != nil {
		t.Fatal(err)
	}
	if val, _ := store.Get(ctx, leaseKey(surf.ID())); val != nil {
		t.Errorf("lease after the crawl ended = %q, want released", val)
	}
}

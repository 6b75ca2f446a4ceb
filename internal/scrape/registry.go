package scrape

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/clock"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/storage"
)

// ErrNotRunning is returned when stopping a surface that is not crawling.
var ErrNotRunning = errors.New("no crawl running")

// DefaultLeaseTTL bounds how long a crashed process can hold a surface.
const DefaultLeaseTTL = time.Hour

// Registry allows one crawl per surface. The lease lives in a Storage so
// processes sharing a Redis backend also exclude each other. A lease holds
// the runner ID and is renewed every ttl/2 while the crawl runs.
type Registry struct {
	store storage.Storage
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	runners map[string]*Runner
	wg      sync.WaitGroup
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLeaseClock sets the clock that paces lease renewal.
func WithLeaseClock(c clock.Clock) RegistryOption {
	return func(g *Registry) { g.clock = c }
}

// NewRegistry creates a registry on store. ttl <= 0 uses DefaultLeaseTTL.
func NewRegistry(store storage.Storage, ttl time.Duration, opts ...RegistryOption) *Registry {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	g := &Registry{
		store:   store,
		ttl:     ttl,
		clock:   clock.NewRealClock(),
		runners: make(map[string]*Runner),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func leaseKey(surfaceID string) string {
	return "scrape:lease:" + surfaceID
}

// Start runs r in the background against its surface. It fails with
// ErrAlreadyRunning while another crawl holds the surface.
func (g *Registry) Start(ctx context.Context, r *Runner) error {
	if r.surf == nil {
		return ErrNoSurface
	}
	id := r.surf.ID()
	key := leaseKey(id)
	token := []byte(r.ID())

	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.runners[id]; ok && !cur.Status().State.Done() {
		return ErrAlreadyRunning
	}

	ok, err := g.store.SetNX(ctx, key, token, g.ttl)
	if err != nil {
		return fmt.Errorf("acquiring crawl lease: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	g.runners[id] = r

	ended := make(chan struct{})
	bg := context.WithoutCancel(ctx)
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.renew(bg, id, token, ended)
	}()
	go func() {
		defer g.wg.Done()
		if err := r.Run(bg); err != nil {
			slog.Warn("crawl failed.", slog.String("id", r.ID()), slog.String("err", err.Error()))
		}
		close(ended)
		released, err := g.store.CompareAndDelete(bg, key, token)
		switch {
		case err != nil:
			slog.Error("failed to release crawl lease.", slog.String("surface", id), slog.String("err", err.Error()))
		case !released:
			slog.Warn("crawl lease was no longer ours at release.", slog.String("surface", id), slog.String("id", r.ID()))
		}
	}()
	return nil
}

// renew extends the lease until ended is closed.
func (g *Registry) renew(ctx context.Context, surfaceID string, token []byte, ended <-chan struct{}) {
	key := leaseKey(surfaceID)
	for {
		select {
		case <-ended:
			return
		case <-g.clock.After(g.ttl / 2):
		}
		ok, err := g.store.CompareAndExpire(ctx, key, token, g.ttl)
		switch {
		case err != nil:
			slog.Warn("failed to renew crawl lease.", slog.String("surface", surfaceID), slog.String("err", err.Error()))
		case !ok:
			slog.Error("crawl lease lost.", slog.String("surface", surfaceID), slog.String("id", string(token)))
			return
		}
	}
}

// Runner returns the latest crawl started on a surface, running or not.
func (g *Registry) Runner(surfaceID string) (*Runner, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.runners[surfaceID]
	return r, ok
}

// Stop asks the crawl on a surface to end.
func (g *Registry) Stop(surfaceID string) error {
	r, ok := g.Runner(surfaceID)
	if !ok || r.Status().State.Done() {
		return ErrNotRunning
	}
	r.Stop()
	return nil
}

// Close stops every crawl and waits for them to return.
func (g *Registry) Close(ctx context.Context) error {
	g.mu.Lock()
	for _, r := range g.runners {
		r.Stop()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

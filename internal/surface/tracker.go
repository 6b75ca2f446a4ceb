package surface

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/archive"
)

// PageStore receives the pages a tracked surface settles on.
type PageStore interface {
	UpsertPage(ctx context.Context, p archive.PageUpsert) (int64, error)
	SetPageTitle(ctx context.Context, url, title string) error
	SetPageFullText(ctx context.Context, url, text string) error
}

// CollectionSource reports the collection being recorded, if any.
type CollectionSource interface {
	ActiveCollection() (int64, bool)
}

// Tracked wraps a surface so every settled page read while a collection is
// recording is stored as a Page.
type Tracked struct {
	Surface
	store       PageStore
	collections CollectionSource
}

// NavigationSource is a surface that reports navigations as the page makes
// them rather than only when it settles.
type NavigationSource interface {
	RecordNavigations(store PageStore, collections CollectionSource)
}

// Track wraps s.
func Track(s Surface, store PageStore, collections CollectionSource) *Tracked {
	if ns, ok := s.(NavigationSource); ok {
		ns.RecordNavigations(store, collections)
	}
	return &Tracked{Surface: s, store: store, collections: collections}
}

func (t *Tracked) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap, err := t.Surface.Snapshot(ctx)
	if err != nil || snap.Err != nil || snap.HTML == "" {
		return snap, err
	}
	collection, ok := t.collections.ActiveCollection()
	if !ok {
		return snap, nil
	}

	p := archive.PageUpsert{CollectionID: collection, URL: snap.URL, Title: &snap.Title}
	if snap.OriginalURL != "" {
		p.OriginalURL = &snap.OriginalURL
	}
	if _, err := t.store.UpsertPage(ctx, p); err != nil {
		slog.Error("failed to store page.", slog.String("url", snap.URL), slog.String("err", err.Error()))
		return snap, nil
	}
	if err := t.store.SetPageFullText(ctx, snap.URL, snap.Text); err != nil {
		slog.Error("failed to index page.", slog.String("url", snap.URL), slog.String("err", err.Error()))
	}
	return snap, nil
}

// navEvent is one navigation or title change seen on a live page. original
// is set for in-document navigations.
type navEvent struct {
	url       string
	original  string
	title     string
	titleOnly bool
}

// navRecorder writes navigation events to a PageStore in arrival order.
type navRecorder struct {
	store       PageStore
	collections CollectionSource
	events      chan navEvent
}

func newNavRecorder(store PageStore, collections CollectionSource) *navRecorder {
	return &navRecorder{store: store, collections: collections, events: make(chan navEvent, 256)}
}

// push queues ev without blocking the caller.
func (r *navRecorder) push(ev navEvent) {
	select {
	case r.events <- ev:
	default:
		slog.Warn("dropping navigation event.", slog.String("url", ev.url))
	}
}

func (r *navRecorder) run(ctx context.Context) {
	for {
		select {
		case ev := <-r.events:
			r.record(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (r *navRecorder) record(ctx context.Context, ev navEvent) {
	if !strings.HasPrefix(ev.url, "http://") && !strings.HasPrefix(ev.url, "https://") {
		return
	}
	collection, ok := r.collections.ActiveCollection()
	if !ok {
		return
	}

	if ev.titleOnly {
		err := r.store.SetPageTitle(ctx, ev.url, ev.title)
		if err != nil && !errors.Is(err, archive.ErrNotFound) {
			slog.Error("failed to store page title.", slog.String("url", ev.url), slog.String("err", err.Error()))
		}
		return
	}

	p := archive.PageUpsert{CollectionID: collection, URL: ev.url}
	if ev.original != "" {
		p.OriginalURL = &ev.original
	}
	if ev.title != "" {
		p.Title = &ev.title
	}
	if _, err := r.store.UpsertPage(ctx, p); err != nil {
		slog.Error("failed to store page.", slog.String("url", ev.url), slog.String("err", err.Error()))
	}
}

package surface

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/network"
)

const maxRedirects = 10

// HTTP is a surface without a renderer: a navigation fetches the document
// through the adapter, following redirects, and parses it with goquery.
// Subresources are not loaded.
type HTTP struct {
	id      string
	fetcher Fetcher

	mu      sync.Mutex
	current *load
}

type load struct {
	done chan struct{}
	snap *Snapshot
}

// NewHTTP creates an HTTP surface fetching through f.
func NewHTTP(id string, f Fetcher) *HTTP {
	return &HTTP{id: id, fetcher: f}
}

func (h *HTTP) ID() string { return h.id }

func (h *HTTP) Navigate(ctx context.Context, target string) error {
	l := &load{done: make(chan struct{})}
	h.mu.Lock()
	h.current = l
	h.mu.Unlock()

	go func() {
		defer close(l.done)
		l.snap = h.fetch(context.WithoutCancel(ctx), target)
	}()
	return nil
}

func (h *HTTP) WaitSettled(ctx context.Context) error {
	h.mu.Lock()
	l := h.current
	h.mu.Unlock()
	if l == nil {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *HTTP) Snapshot(ctx context.Context) (*Snapshot, error) {
	h.mu.Lock()
	l := h.current
	h.mu.Unlock()
	if l == nil {
		return nil, ErrNotNavigated
	}
	if err := h.WaitSettled(ctx); err != nil {
		return nil, err
	}
	snap := *l.snap
	return &snap, nil
}

func (h *HTTP) Close() error { return nil }

func (h *HTTP) fetch(ctx context.Context, target string) *Snapshot {
	for i := 0; ; i++ {
		resp, err := h.fetcher.Request(ctx, &network.Request{
			URL:    target,
			Method: http.MethodGet,
			Header: http.Header{"Accept": {"text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"}},
		})
		if err != nil {
			return &Snapshot{URL: target, Err: err}
		}

		loc := resp.Header.Get("Location")
		if resp.StatusCode >= 300 && resp.StatusCode < 400 && loc != "" {
			resp.Body.Close()
			if i == maxRedirects {
				return &Snapshot{URL: target, Err: fmt.Errorf("stopped after %d redirects", maxRedirects)}
			}
			next, err := resolve(target, loc)
			if err != nil {
				return &Snapshot{URL: target, Err: err}
			}
			target = next
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return &Snapshot{URL: target, Err: err}
		}
		snap := &Snapshot{URL: target}
		if isHTML(resp.Header.Get("Content-Type")) {
			snap.HTML = string(body)
			snap.Title, snap.Text = parseDocument(snap.HTML)
		}
		return snap
	}
}

func resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml" || strings.HasSuffix(mt, "+html")
}

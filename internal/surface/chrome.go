package surface

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	cdpnetwork "github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/neterr"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/network"
)

// ChromeConfig configures the headless Chrome surface.
type ChromeConfig struct {
	Headless    bool          `mapstructure:"headless"`
	ExecPath    string        `mapstructure:"exec_path"`
	UserAgent   string        `mapstructure:"user_agent"`
	SettleDelay time.Duration `mapstructure:"settle_delay"`
}

// Chrome drives a headless browser. Every request the page makes is paused
// by the Fetch domain and answered through the Fetcher. Once
// RecordNavigations is called, top-level navigations and title changes are
// stored as they happen.
type Chrome struct {
	id      string
	fetcher Fetcher
	settle  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	current   *chromeLoad
	target    target.ID
	mainFrame cdp.FrameID
	root      string
	original  string
	nav       *navRecorder
}

type chromeLoad struct {
	done chan struct{}
	err  error
}

// NewChrome starts a browser whose traffic goes through f.
func NewChrome(ctx context.Context, id string, f Fetcher, cfg ChromeConfig) (*Chrome, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	c := &Chrome{
		id:      id,
		fetcher: f,
		settle:  cfg.SettleDelay,
		ctx:     browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
	}

	chromedp.ListenTarget(browserCtx, c.onEvent)
	chromedp.ListenBrowser(browserCtx, c.onBrowserEvent)
	enable := fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}})
	if err := chromedp.Run(browserCtx, enable); err != nil {
		c.cancel()
		return nil, fmt.Errorf("starting chrome: %w", err)
	}
	c.mu.Lock()
	c.target = chromedp.FromContext(browserCtx).Target.TargetID
	c.mu.Unlock()
	return c, nil
}

// RecordNavigations stores every page the browser lands on in the active
// collection, including in-document navigations, and keeps titles current.
func (c *Chrome) RecordNavigations(store PageStore, collections CollectionSource) {
	r := newNavRecorder(store, collections)
	c.mu.Lock()
	c.nav = r
	c.mu.Unlock()
	go r.run(c.ctx)
}

func (c *Chrome) ID() string { return c.id }

func (c *Chrome) Navigate(_ context.Context, target string) error {
	l := &chromeLoad{done: make(chan struct{})}
	c.mu.Lock()
	c.current = l
	c.mu.Unlock()

	go func() {
		defer close(l.done)
		l.err = chromedp.Run(c.ctx,
			chromedp.Navigate(target),
			waitForDocumentReady(),
		)
		if l.err == nil && c.settle > 0 {
			l.err = chromedp.Run(c.ctx, chromedp.Sleep(c.settle))
		}
	}()
	return nil
}

func (c *Chrome) WaitSettled(ctx context.Context) error {
	c.mu.Lock()
	l := c.current
	c.mu.Unlock()
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

func (c *Chrome) Snapshot(ctx context.Context) (*Snapshot, error) {
	c.mu.Lock()
	l := c.current
	c.mu.Unlock()
	if l == nil {
		return nil, ErrNotNavigated
	}
	if err := c.WaitSettled(ctx); err != nil {
		return nil, err
	}

	snap := &Snapshot{Err: l.err}
	err := chromedp.Run(c.ctx,
		chromedp.Location(&snap.URL),
		chromedp.Title(&snap.Title),
		chromedp.OuterHTML("html", &snap.HTML, chromedp.ByQuery),
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &snap.Text),
	)
	if err != nil {
		return nil, fmt.Errorf("reading page: %w", err)
	}
	snap.Text = strings.Join(strings.Fields(snap.Text), " ")

	c.mu.Lock()
	if c.original != "" && c.original != snap.URL {
		snap.OriginalURL = c.original
	}
	c.mu.Unlock()
	return snap, nil
}

// Close shuts the browser down.
func (c *Chrome) Close() error {
	err := chromedp.Cancel(c.ctx)
	c.cancel()
	return err
}

func (c *Chrome) onEvent(ev any) {
	switch e := ev.(type) {
	case *fetch.EventRequestPaused:
		go c.fulfill(e)
	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		c.mu.Lock()
		c.mainFrame = e.Frame.ID
		c.root = e.Frame.URL
		c.original = ""
		c.pushNav(navEvent{url: e.Frame.URL})
		c.mu.Unlock()
	case *page.EventNavigatedWithinDocument:
		c.mu.Lock()
		if e.FrameID == c.mainFrame && e.URL != c.root {
			c.original = c.root
			c.pushNav(navEvent{url: e.URL, original: c.root})
		}
		c.mu.Unlock()
	}
}

func (c *Chrome) onBrowserEvent(ev any) {
	e, ok := ev.(*target.EventTargetInfoChanged)
	if !ok || e.TargetInfo == nil {
		return
	}
	info := e.TargetInfo
	c.mu.Lock()
	if info.TargetID == c.target && info.Title != "" {
		c.pushNav(navEvent{url: info.URL, title: info.Title, titleOnly: true})
	}
	c.mu.Unlock()
}

// pushNav requires c.mu.
func (c *Chrome) pushNav(ev navEvent) {
	if c.nav != nil {
		c.nav.push(ev)
	}
}

func (c *Chrome) fulfill(ev *fetch.EventRequestPaused) {
	ctx := cdp.WithExecutor(c.ctx, chromedp.FromContext(c.ctx).Target)

	req, err := requestFromPaused(ev)
	var resp *network.Response
	if err == nil {
		resp, err = c.fetcher.Request(ctx, req)
	}
	var body []byte
	if err == nil {
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
	}
	if err != nil {
		if ferr := fetch.FailRequest(ev.RequestID, errorReason(err)).Do(ctx); ferr != nil {
			slog.Debug("failed to fail paused request.", slog.String("url", ev.Request.URL), slog.String("err", ferr.Error()))
		}
		return
	}

	ferr := fetch.FulfillRequest(ev.RequestID, int64(resp.StatusCode)).
		WithResponseHeaders(headerEntries(resp.Header)).
		WithBody(base64.StdEncoding.EncodeToString(body)).
		Do(ctx)
	if ferr != nil {
		slog.Debug("failed to fulfill paused request.", slog.String("url", ev.Request.URL), slog.String("err", ferr.Error()))
	}
}

func requestFromPaused(ev *fetch.EventRequestPaused) (*network.Request, error) {
	r := ev.Request
	req := &network.Request{
		URL:    r.URL,
		Method: r.Method,
		Header: http.Header{},
	}
	for k, v := range r.Headers {
		req.Header.Set(k, fmt.Sprint(v))
	}
	if !r.HasPostData {
		return req, nil
	}

	var buf strings.Builder
	for _, entry := range r.PostDataEntries {
		b, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			return nil, neterr.Wrap(neterr.ErrInvalidArgument, fmt.Errorf("decoding upload: %w", err))
		}
		buf.Write(b)
	}
	req.Body = io.NopCloser(strings.NewReader(buf.String()))
	return req, nil
}

func headerEntries(h http.Header) []*fetch.HeaderEntry {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]*fetch.HeaderEntry, 0, len(keys))
	for _, k := range keys {
		for _, v := range h[k] {
			entries = append(entries, &fetch.HeaderEntry{Name: k, Value: v})
		}
	}
	return entries
}

func errorReason(err error) cdpnetwork.ErrorReason {
	switch neterr.CodeOf(err) {
	case neterr.ErrAborted:
		return cdpnetwork.ErrorReasonAborted
	case neterr.ErrTimedOut, neterr.ErrConnectionTimedOut:
		return cdpnetwork.ErrorReasonTimedOut
	case neterr.ErrConnectionReset:
		return cdpnetwork.ErrorReasonConnectionReset
	case neterr.ErrConnectionRefused:
		return cdpnetwork.ErrorReasonConnectionRefused
	case neterr.ErrNameNotResolved:
		return cdpnetwork.ErrorReasonNameNotResolved
	case neterr.ErrInternetDisconnected, neterr.ErrNetworkIOSuspended:
		return cdpnetwork.ErrorReasonInternetDisconnected
	}
	return cdpnetwork.ErrorReasonFailed
}

func waitForDocumentReady() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			var readyState string
			if err := chromedp.Evaluate(`document.readyState`, &readyState).Do(ctx); err != nil {
				return err
			}
			if readyState == "complete" {
				return nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

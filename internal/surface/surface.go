// Package surface provides the browsing surfaces a crawl drives: a plain
// HTTP surface and a headless Chrome surface. Both fetch every resource
// through the network adapter so they are recorded and replayed alike.
package surface

import (
	"context"
	"errors"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/network"
)

// ErrNotNavigated is returned by Snapshot before the first navigation.
var ErrNotNavigated = errors.New("surface has not navigated")

// Fetcher executes requests. *network.Adapter implements it.
type Fetcher interface {
	Request(ctx context.Context, req *network.Request) (*network.Response, error)
}

// Snapshot is the state of a settled page. OriginalURL is set when URL was
// reached by in-page navigation from a different document.
type Snapshot struct {
	URL         string
	OriginalURL string
	Title       string
	HTML        string
	Text        string
	// Err is the failure that ended the load, if any.
	Err error
}

// Surface is a page the crawler can navigate and read.
type Surface interface {
	ID() string
	// Navigate starts loading url. It does not wait for the load to settle.
	Navigate(ctx context.Context, url string) error
	// WaitSettled blocks until the current load finished.
	WaitSettled(ctx context.Context) error
	// Snapshot reads the settled page.
	Snapshot(ctx context.Context) (*Snapshot, error)
	Close() error
}

// parseDocument extracts the title and visible text of an HTML document.
func parseDocument(html string) (title, text string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", ""
	}
	doc.Find("script, style, noscript, template").Remove()
	title = strings.TrimSpace(doc.Find("title").First().Text())
	text = strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	return title, text
}

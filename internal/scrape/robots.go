package scrape

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/temoto/robotstxt"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/network"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/surface"
)

// Robots evaluates robots.txt rules. The files are fetched through the same
// adapter as the crawl, so they are recorded and replayed with the site.
type Robots struct {
	fetcher surface.Fetcher
	agent   string

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

// NewRobots creates a policy for agent.
func NewRobots(f surface.Fetcher, agent string) *Robots {
	return &Robots{
		fetcher: f,
		agent:   agent,
		cache:   make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether target may be crawled. Missing or unreadable
// robots.txt files allow everything.
func (r *Robots) Allowed(ctx context.Context, target string) bool {
	u, err := url.Parse(target)
	if err != nil || !u.IsAbs() {
		return false
	}
	rules := r.rules(ctx, u)
	if rules == nil {
		return true
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return rules.TestAgent(path, r.agent)
}

func (r *Robots) rules(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	origin := strings.ToLower(u.Scheme + "://" + u.Host)

	r.mu.Lock()
	rules, ok := r.cache[origin]
	r.mu.Unlock()
	if ok {
		return rules
	}

	rules = r.fetch(ctx, origin+"/robots.txt")
	r.mu.Lock()
	r.cache[origin] = rules
	r.mu.Unlock()
	return rules
}

func (r *Robots) fetch(ctx context.Context, robotsURL string) *robotstxt.RobotsData {
	resp, err := r.fetcher.Request(ctx, &network.Request{
		URL:    robotsURL,
		Method: http.MethodGet,
		Header: http.Header{"User-Agent": {r.agent}},
	})
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil
	}
	rules, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil
	}
	return rules
}

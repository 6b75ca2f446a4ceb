// Package scrape crawls a site through a browsing surface, following links
// under a set of root URLs at a bounded page rate.
package scrape

import (
	"errors"
	"fmt"
	"net/url"
)

// DefaultLinkSelector follows every anchor.
const DefaultLinkSelector = "a"

// Config describes one crawl.
type Config struct {
	// FirstPage is loaded before the crawl starts. When empty the crawl
	// starts from whatever the surface shows.
	FirstPage string `json:"firstPage,omitempty" mapstructure:"first_page"`
	// RootURLs are URL prefixes; only pages under one of them are examined
	// and only links under one of them are followed.
	RootURLs []string `json:"rootUrls" mapstructure:"root_urls"`
	// LinkSelector is a CSS selector for the elements whose href is followed.
	LinkSelector string  `json:"linkSelector" mapstructure:"link_selector"`
	PPMLimit     float64 `json:"ppmLimit" mapstructure:"ppm_limit"`
	// DryRun replays from the archive instead of recording.
	DryRun bool `json:"dryRun" mapstructure:"dry_run"`
}

// Validate checks the crawl parameters.
func (c Config) Validate() error {
	if len(c.RootURLs) == 0 {
		return errors.New("at least one root URL is required")
	}
	for _, root := range c.RootURLs {
		u, err := url.Parse(root)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("root URL %q must be absolute", root)
		}
	}
	if c.FirstPage != "" {
		if u, err := url.Parse(c.FirstPage); err != nil || !u.IsAbs() {
			return fmt.Errorf("first page %q must be absolute", c.FirstPage)
		}
	}
	if c.PPMLimit <= 0 {
		return fmt.Errorf("ppm limit must be positive, got %v", c.PPMLimit)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.LinkSelector == "" {
		c.LinkSelector = DefaultLinkSelector
	}
	return c
}

package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientTokens is returned by TakeTokens when the bucket cannot
	// cover the request. Callers are expected to check HasTokens or
	// DelayForTokens first.
	ErrInsufficientTokens = errors.New("insufficient tokens")
	// ErrInsufficientCapacity is returned when more tokens are requested than
	// the bucket can ever hold.
	ErrInsufficientCapacity = errors.New("insufficient capacity")
)

// Limiter is the page admission interface consumed by the crawl loop.
type Limiter interface {
	ConsumedTokens() float64
	AverageRate() float64
	HasTokens(n float64) bool
	TakeTokens(n float64) error
	DelayForTokens(n float64) (time.Duration, error)
	// Wait blocks until n tokens are available and takes them.
	Wait(ctx context.Context, n float64) error
}

// Config holds the parameters for a pages-per-minute limiter.
type Config struct {
	PagesPerMinute float64 `json:"ppm_limit" mapstructure:"ppm_limit"`
	Burst          int     `json:"burst" mapstructure:"burst"` // 0 means a single page
}

// Validate checks that the config can build a bucket.
func (c Config) Validate() error {
	if c.PagesPerMinute <= 0 {
		return fmt.Errorf("ppm_limit must be positive, got %v", c.PagesPerMinute)
	}
	if c.Burst < 0 {
		return fmt.Errorf("burst must not be negative, got %d", c.Burst)
	}
	return nil
}

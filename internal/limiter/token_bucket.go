package limiter

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/clock"
)

// epsilon absorbs float rounding when comparing cursor positions.
const epsilon = 1e-9

// TokenBucket is a continuous-time token bucket.
//
// Instead of counting tokens it keeps a cursor: the instant at which the
// bucket would be full again. Taking n tokens pushes the cursor forward by
// n/refillRate seconds. Bursts up to capacity are admitted and the steady
// rate is bounded by refillRate. No timers run in the background; every
// method is computed from a clock read.
//
// Uses a Clock interface so it works with VirtualClock in tests.
// Thread-safe for concurrent use.
type TokenBucket struct {
	clock      clock.Clock
	origin     time.Time
	refillRate float64 // tokens per second
	capacity   float64

	mu     sync.Mutex
	cursor float64 // seconds since origin
}

// NewTokenBucket creates a bucket that refills refillRate tokens per second
// and holds at most capacity tokens. The bucket starts full.
func NewTokenBucket(refillRate, capacity float64, c clock.Clock) *TokenBucket {
	return &TokenBucket{
		clock:      c,
		origin:     c.Now(),
		refillRate: refillRate,
		capacity:   capacity,
	}
}

// NewPerMinute creates a bucket admitting ppm tokens per minute with the
// given burst. A burst of 0 or less means one token.
func NewPerMinute(ppm float64, burst int, c clock.Clock) *TokenBucket {
	if burst <= 0 {
		burst = 1
	}
	return NewTokenBucket(ppm/60, float64(burst), c)
}

// FromConfig builds a per-minute bucket from cfg.
func FromConfig(cfg Config, c clock.Clock) (*TokenBucket, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return NewPerMinute(cfg.PagesPerMinute, cfg.Burst, c), nil
}

// RefillRate returns the refill rate in tokens per second.
func (tb *TokenBucket) RefillRate() float64 { return tb.refillRate }

// Capacity returns the maximum number of tokens.
func (tb *TokenBucket) Capacity() float64 { return tb.capacity }

func (tb *TokenBucket) now() float64 {
	return tb.clock.Since(tb.origin).Seconds()
}

// ConsumedTokens reports how many tokens away from full the bucket is.
func (tb *TokenBucket) ConsumedTokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	return (math.Max(tb.cursor, now) - now) * tb.refillRate
}

// AverageRate estimates the recent rate of token consumption per second.
// It is refillRate when the bucket is empty and 0 when it is full.
func (tb *TokenBucket) AverageRate() float64 {
	return tb.ConsumedTokens() / tb.capacity * tb.refillRate
}

// HasTokens reports whether n tokens could be taken right now.
func (tb *TokenBucket) HasTokens(n float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.hasTokensLocked(n, tb.now())
}

func (tb *TokenBucket) hasTokensLocked(n, now float64) bool {
	cursor := math.Max(tb.cursor, now)
	return cursor+n/tb.refillRate <= now+tb.capacity/tb.refillRate+epsilon
}

// TakeTokens removes n tokens. It returns ErrInsufficientTokens and leaves
// the bucket untouched if that would overdraw it.
func (tb *TokenBucket) TakeTokens(n float64) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.takeLocked(n, tb.now())
}

func (tb *TokenBucket) takeLocked(n, now float64) error {
	cursor := math.Max(tb.cursor, now) + n/tb.refillRate
	if cursor > now+tb.capacity/tb.refillRate+epsilon {
		return ErrInsufficientTokens
	}
	tb.cursor = cursor
	return nil
}

// DelayForTokens returns how long until n tokens are available. A result of
// zero or less means they are available now.
func (tb *TokenBucket) DelayForTokens(n float64) (time.Duration, error) {
	if n > tb.capacity {
		return 0, ErrInsufficientCapacity
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	delay := math.Max(tb.cursor, now) + (n-tb.capacity)/tb.refillRate - now
	// Round up so sleeping for the delay always reaches the target.
	return time.Duration(math.Ceil(delay * float64(time.Second))), nil
}

// Wait blocks until n tokens can be taken and takes them. Other consumers
// may drain the bucket while this one sleeps, so availability is checked
// again after every sleep.
func (tb *TokenBucket) Wait(ctx context.Context, n float64) error {
	for {
		delay, err := tb.DelayForTokens(n)
		if err != nil {
			return err
		}
		if delay > 0 {
			if err := clock.Sleep(ctx, tb.clock, delay); err != nil {
				return err
			}
		}

		tb.mu.Lock()
		now := tb.now()
		if tb.hasTokensLocked(n, now) {
			err := tb.takeLocked(n, now)
			tb.mu.Unlock()
			return err
		}
		tb.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

package limiter

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/clock"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx   = context.Background()
)

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestTokenBucket_StartsFull(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(1, 5, vc)

	if got := tb.ConsumedTokens(); got != 0 {
		t.Errorf("ConsumedTokens() = %v, want 0", got)
	}
	if got := tb.AverageRate(); got != 0 {
		t.Errorf("AverageRate() = %v, want 0", got)
	}
	if !tb.HasTokens(5) {
		t.Error("HasTokens(5) = false, want true on a full bucket")
	}
	if tb.HasTokens(6) {
		t.Error("HasTokens(6) = true, want false above capacity")
	}
}

func TestTokenBucket_TakeAndConsume(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(2, 4, vc)

	if err := tb.TakeTokens(3); err != nil {
		t.Fatal(err)
	}
	if got := tb.ConsumedTokens(); !approx(got, 3) {
		t.Errorf("ConsumedTokens() = %v, want 3", got)
	}
	if got := tb.AverageRate(); !approx(got, 1.5) {
		t.Errorf("AverageRate() = %v, want 1.5", got)
	}

	vc.Advance(time.Second)
	if got := tb.ConsumedTokens(); !approx(got, 1) {
		t.Errorf("ConsumedTokens() after 1s = %v, want 1", got)
	}

	vc.Advance(time.Second)
	if got := tb.ConsumedTokens(); got != 0 {
		t.Errorf("ConsumedTokens() after refill = %v, want 0", got)
	}
}

func TestTokenBucket_TakeOverdraw(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(1, 2, vc)

	if err := tb.TakeTokens(2); err != nil {
		t.Fatal(err)
	}
	if err := tb.TakeTokens(1); !errors.Is(err, ErrInsufficientTokens) {
		t.Fatalf("TakeTokens(1) error = %v, want ErrInsufficientTokens", err)
	}
	// A failed take must not move the cursor.
	if got := tb.ConsumedTokens(); !approx(got, 2) {
		t.Errorf("ConsumedTokens() = %v, want 2", got)
	}
}

func TestTokenBucket_DelayForTokens(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(0.5, 2, vc)

	d, err := tb.DelayForTokens(1)
	if err != nil {
		t.Fatal(err)
	}
	if d > 0 {
		t.Errorf("DelayForTokens(1) on full bucket = %v, want <= 0", d)
	}

	if err := tb.TakeTokens(2); err != nil {
		t.Fatal(err)
	}
	d, err = tb.DelayForTokens(1)
	if err != nil {
		t.Fatal(err)
	}
	if d != 2*time.Second {
		t.Errorf("DelayForTokens(1) = %v, want 2s", d)
	}

	if _, err := tb.DelayForTokens(3); !errors.Is(err, ErrInsufficientCapacity) {
		t.Errorf("DelayForTokens(3) error = %v, want ErrInsufficientCapacity", err)
	}
}

func TestTokenBucket_IdleDoesNotAccumulate(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewTokenBucket(1, 3, vc)

	vc.Advance(time.Hour)
	if tb.HasTokens(4) {
		t.Error("idle bucket must not hold more than capacity")
	}
	for i := 0; i < 3; i++ {
		if err := tb.TakeTokens(1); err != nil {
			t.Fatalf("take %d: %v", i+1, err)
		}
	}
	if tb.HasTokens(1) {
		t.Error("HasTokens(1) = true after draining capacity")
	}
}

func TestTokenBucket_WindowBound(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	// 6 per minute, burst 3: window = capacity/refillRate = 30s.
	tb := NewPerMinute(6, 3, vc)

	var takes []time.Time
	for step := 0; step < 600; step++ {
		if tb.HasTokens(1) {
			if err := tb.TakeTokens(1); err != nil {
				t.Fatal(err)
			}
			takes = append(takes, vc.Now())
		}
		vc.Advance(500 * time.Millisecond)
	}

	window := 30 * time.Second
	for i, start := range takes {
		n := 0
		for _, ts := range takes[i:] {
			if ts.Sub(start) < window {
				n++
			}
		}
		// capacity plus what refilled during the window.
		if n > 3+3 {
			t.Fatalf("%d takes within %v starting at %v", n, window, start)
		}
	}
	if len(takes) == 0 {
		t.Fatal("no tokens were taken")
	}
}

func TestTokenBucket_Wait(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewPerMinute(60, 1, vc)

	if err := tb.Wait(ctx, 1); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- tb.Wait(ctx, 1)
	}()

	for vc.Waiters() == 0 {
		time.Sleep(time.Millisecond)
	}
	select {
	case <-done:
		t.Fatal("Wait() returned before tokens refilled")
	default:
	}

	vc.Advance(time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not return after refill")
	}
}

func TestTokenBucket_WaitCanceled(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb := NewPerMinute(1, 1, vc)
	if err := tb.TakeTokens(1); err != nil {
		t.Fatal(err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if err := tb.Wait(cctx, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}

func TestTokenBucket_WaitOverCapacity(t *testing.T) {
	tb := NewPerMinute(60, 2, clock.NewVirtualClock(epoch))
	if err := tb.Wait(ctx, 3); !errors.Is(err, ErrInsufficientCapacity) {
		t.Errorf("Wait(3) error = %v, want ErrInsufficientCapacity", err)
	}
}

func TestFromConfig(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	tb, err := FromConfig(Config{PagesPerMinute: 30, Burst: 2}, vc)
	if err != nil {
		t.Fatal(err)
	}
	if tb.RefillRate() != 0.5 {
		t.Errorf("RefillRate() = %v, want 0.5", tb.RefillRate())
	}
	if tb.Capacity() != 2 {
		t.Errorf("Capacity() = %v, want 2", tb.Capacity())
	}

	if _, err := FromConfig(Config{PagesPerMinute: 0}, vc); err == nil {
		t.Error("expected error for zero ppm")
	}
	if _, err := FromConfig(Config{PagesPerMinute: 1, Burst: -1}, vc); err == nil {
		t.Error("expected error for negative burst")
	}
}

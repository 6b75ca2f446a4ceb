package clock

import (
	"container/heap"
	"sync"
	"time"
)

// VirtualClock is a manually driven Clock. Time only moves on Advance, Set
// or AdvanceToNext, which lets pacing tests run without real sleeps.
type VirtualClock struct {
	mu     sync.Mutex
	cond   *sync.Cond
	now    time.Time
	timers timerHeap
	seq    uint64
}

type timer struct {
	at  time.Time
	seq uint64 // ties fire in registration order
	ch  chan time.Time
}

type timerHeap []timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)   { *h = append(*h, x.(timer)) }
func (h *timerHeap) Pop() any {
	old := *h
	t := old[len(old)-1]
	*h = old[:len(old)-1]
	return t
}

func NewVirtualClock(start time.Time) *VirtualClock {
	c := &VirtualClock{now: start}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// After registers a timer due at Now()+d. A non-positive d fires at once.
func (c *VirtualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.seq++
	heap.Push(&c.timers, timer{at: c.now.Add(d), seq: c.seq, ch: ch})
	c.cond.Broadcast()
	return ch
}

// Advance moves the clock forward by d and fires every timer now due.
// It panics on a negative d.
func (c *VirtualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("clock: cannot advance by negative duration")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.moveTo(c.now.Add(d))
}

// Set jumps to t. It panics if t is before the current time.
func (c *VirtualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.now) {
		panic("clock: cannot set time to the past")
	}
	c.moveTo(t)
}

// AdvanceToNext jumps straight to the earliest pending deadline and fires it.
// It reports false when nothing is pending.
func (c *VirtualClock) AdvanceToNext() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return false
	}
	c.moveTo(c.timers[0].at)
	return true
}

// Waiters returns how many timers have not fired yet.
func (c *VirtualClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// BlockUntil parks the caller until at least n timers are pending.
func (c *VirtualClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.timers) < n {
		c.cond.Wait()
	}
}

// moveTo requires c.mu.
func (c *VirtualClock) moveTo(t time.Time) {
	c.now = t
	for len(c.timers) > 0 && !c.timers[0].at.After(t) {
		next := heap.Pop(&c.timers).(timer)
		next.ch <- t
	}
}

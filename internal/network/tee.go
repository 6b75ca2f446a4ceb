package network

import (
	"errors"
	"io"
	"sync"
)

const (
	teeChunkSize = 32 * 1024
	// teeDepth is how many chunks the fastest open branch may fall behind
	// before the pump stops reading the source.
	teeDepth = 64
)

var errBranchClosed = errors.New("tee branch closed")

// Tee duplicates src into two readers. A single goroutine pumps src into a
// queue per branch. The pump only pauses while every open branch is teeDepth
// chunks behind, so a stalled reader never holds up the other one; its
// queue grows instead. Closing a branch drops its queue. src is closed once
// it is exhausted or both branches are closed.
func Tee(src io.ReadCloser) (io.ReadCloser, io.ReadCloser) {
	t := &tee{src: src}
	t.cond = sync.NewCond(&t.mu)
	a := &teeBranch{t: t}
	b := &teeBranch{t: t}
	t.branches = [2]*teeBranch{a, b}
	go t.pump()
	return a, b
}

type tee struct {
	src       io.ReadCloser
	branches  [2]*teeBranch
	closeOnce sync.Once

	mu   sync.Mutex
	cond *sync.Cond
}

func (t *tee) pump() {
	defer t.closeSource()

	var err error
	for {
		buf := make([]byte, teeChunkSize)
		n, rerr := t.src.Read(buf)
		if n > 0 && !t.deliver(buf[:n]) {
			err = errBranchClosed
			break
		}
		if rerr != nil {
			err = rerr
			break
		}
	}

	if err == nil || err == errBranchClosed {
		err = io.EOF
	}
	t.mu.Lock()
	for _, br := range t.branches {
		br.finished, br.err = true, err
	}
	t.cond.Broadcast()
	t.mu.Unlock()
}

// deliver queues chunk on every open branch, then waits while all of them
// are full. It reports whether any branch is still open.
func (t *tee) deliver(chunk []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, br := range t.branches {
		if !br.closed {
			br.queue = append(br.queue, chunk)
		}
	}
	t.cond.Broadcast()

	for {
		open, behind := 0, 0
		for _, br := range t.branches {
			if br.closed {
				continue
			}
			open++
			if len(br.queue) >= teeDepth {
				behind++
			}
		}
		if open == 0 {
			return false
		}
		if behind < open {
			return true
		}
		t.cond.Wait()
	}
}

func (t *tee) closeSource() {
	t.closeOnce.Do(func() {
		_ = t.src.Close()
	})
}

// teeBranch fields other than t and cur are guarded by t.mu.
type teeBranch struct {
	t *tee

	queue    [][]byte
	closed   bool
	finished bool
	err      error

	cur []byte // reader-owned
}

func (b *teeBranch) Read(p []byte) (int, error) {
	if len(b.cur) == 0 {
		t := b.t
		t.mu.Lock()
		for len(b.queue) == 0 && !b.finished && !b.closed {
			t.cond.Wait()
		}
		switch {
		case b.closed:
			t.mu.Unlock()
			return 0, errBranchClosed
		case len(b.queue) == 0:
			err := b.err
			t.mu.Unlock()
			return 0, err
		}
		b.cur = b.queue[0]
		b.queue[0] = nil
		b.queue = b.queue[1:]
		t.cond.Broadcast()
		t.mu.Unlock()
	}
	n := copy(p, b.cur)
	b.cur = b.cur[n:]
	return n, nil
}

func (b *teeBranch) Close() error {
	t := b.t
	t.mu.Lock()
	if b.closed {
		t.mu.Unlock()
		return nil
	}
	b.closed = true
	b.queue = nil
	all := true
	for _, br := range t.branches {
		all = all && br.closed
	}
	t.cond.Broadcast()
	t.mu.Unlock()

	if all {
		t.closeSource()
	}
	return nil
}

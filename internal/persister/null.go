package persister

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/events"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/neterr"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/network"
)

// NullPersister accepts every capture and keeps nothing. Each settled capture
// is written to an optional writer as one JSON event per line. Replay always
// fails.
type NullPersister struct {
	mu sync.Mutex
	w  io.Writer
}

// NewNullPersister creates a NullPersister. w may be nil.
func NewNullPersister(w io.Writer) *NullPersister {
	return &NullPersister{w: w}
}

func (p *NullPersister) CreateRecordingSession(context.Context) (network.RecordingSession, error) {
	return &nullSession{p: p}, nil
}

func (p *NullPersister) ReplayRequest(_ context.Context, req *network.Request) (*network.Response, error) {
	return nil, neterr.Newf(neterr.ErrNotImplemented, "no archive configured, cannot replay %s", req.URL)
}

func (p *NullPersister) write(typ string, c events.Capture) {
	slog.Debug("discarding capture.",
		slog.String("type", typ),
		slog.String("method", c.Method),
		slog.String("url", c.URL),
		slog.Int("status", c.StatusCode),
		slog.Int("bytes", c.Bytes))

	if p.w == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ev := events.Event{Type: typ, Key: c.URL, Time: time.Now(), Payload: c}
	if err := json.NewEncoder(p.w).Encode(ev); err != nil {
		slog.Warn("failed to write capture.", slog.String("err", err.Error()))
	}
}

type nullSession struct {
	p *NullPersister

	mu     sync.Mutex
	closed bool
}

func (s *nullSession) RecordRequest(_ context.Context, req *network.Request) (network.RequestRecording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, network.ErrSessionClosed
	}
	return &nullRecording{p: s.p, url: req.URL, method: req.Method}, nil
}

func (s *nullSession) Finalize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type nullRecording struct {
	p      *NullPersister
	url    string
	method string

	mu      sync.Mutex
	settled bool
}

func (r *nullRecording) settle() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return network.ErrAlreadySettled
	}
	r.settled = true
	return nil
}

// Finalize counts the response body as the caller reads it.
func (r *nullRecording) Finalize(_ context.Context, resp *network.Response) error {
	if err := r.settle(); err != nil {
		return err
	}
	status := resp.StatusCode
	resp.Body = &countingBody{ReadCloser: resp.Body, onClose: func(n int) {
		r.p.write(events.TypeCaptureFinalized, events.Capture{URL: r.url, Method: r.method, StatusCode: status, Bytes: n})
	}}
	return nil
}

func (r *nullRecording) Abort(context.Context) error {
	if err := r.settle(); err != nil {
		return err
	}
	r.p.write(events.TypeCaptureAborted, events.Capture{URL: r.url, Method: r.method})
	return nil
}

type countingBody struct {
	io.ReadCloser
	n       int
	once    sync.Once
	onClose func(n int)
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += n
	return n, err
}

func (b *countingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() { b.onClose(b.n) })
	return err
}

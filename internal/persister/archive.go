// Package persister implements network.Persister on top of the archive, plus
// a no-op variant for running without one.
package persister

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/archive"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/events"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/neterr"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/network"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/telemetry"
)

// Store is the part of *archive.Archive the persister writes through.
type Store interface {
	CreateCollection(ctx context.Context, name string) (*archive.Collection, error)
	InsertRecording(ctx context.Context, collectionID int64, url, method string, header http.Header, body []byte) (int64, error)
	FinalizeRecording(ctx context.Context, id int64, statusCode int, header http.Header, body []byte) error
	DeleteRecording(ctx context.Context, id int64) error
	FindReplay(ctx context.Context, url, method string) (*archive.Recording, error)
}

// Options configures an ArchivePersister.
type Options struct {
	Events  events.Publisher
	Metrics *telemetry.Metrics
	// CollectionName names new collections. Defaults to a random UUID.
	CollectionName func() string
}

// ArchivePersister captures traffic into a Store and replays from it.
type ArchivePersister struct {
	store   Store
	events  events.Publisher
	metrics *telemetry.Metrics
	name    func() string

	pending sync.WaitGroup

	mu     sync.Mutex
	active *archive.Collection
}

// NewArchivePersister creates a persister writing to store.
func NewArchivePersister(store Store, opts Options) *ArchivePersister {
	p := &ArchivePersister{
		store:   store,
		events:  opts.Events,
		metrics: opts.Metrics,
		name:    opts.CollectionName,
	}
	if p.events == nil {
		p.events = events.Nop{}
	}
	if p.metrics == nil {
		p.metrics = telemetry.Nop()
	}
	if p.name == nil {
		p.name = uuid.NewString
	}
	return p
}

// Wait blocks until every body being drained into the store is written.
func (p *ArchivePersister) Wait() {
	p.pending.Wait()
}

func (p *ArchivePersister) CreateRecordingSession(ctx context.Context) (network.RecordingSession, error) {
	c, err := p.store.CreateCollection(ctx, p.name())
	if err != nil {
		return nil, err
	}
	slog.Info("recording session started.", slog.Int64("collection", c.ID), slog.String("name", c.Name))

	p.mu.Lock()
	p.active = c
	p.mu.Unlock()
	return &archiveSession{p: p, collection: c}, nil
}

// ActiveCollection returns the collection of the open recording session.
func (p *ArchivePersister) ActiveCollection() (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active == nil {
		return 0, false
	}
	return p.active.ID, true
}

func (p *ArchivePersister) ReplayRequest(ctx context.Context, req *network.Request) (*network.Response, error) {
	if req.Method != http.MethodGet {
		return nil, neterr.Newf(neterr.ErrNotImplemented, "only GET requests can be replayed, got %s", req.Method)
	}
	if req.Body != nil {
		return nil, neterr.New(neterr.ErrNotImplemented, "cannot replay requests with uploads")
	}

	rec, err := p.store.FindReplay(ctx, req.URL, req.Method)
	if errors.Is(err, archive.ErrNotFound) || (err == nil && rec.StatusCode == nil) {
		p.metrics.ReplayMiss()
		return nil, neterr.Newf(neterr.ErrNetworkIOSuspended, "no recording for %s", req.URL)
	}
	if err != nil {
		return nil, neterr.Wrap(neterr.ErrFailed, err)
	}

	header := rec.ResponseHeader.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &network.Response{
		StatusCode: *rec.StatusCode,
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(rec.ResponseBody)),
	}, nil
}

func (p *ArchivePersister) publish(ctx context.Context, typ string, c events.Capture) {
	err := p.events.Publish(ctx, events.Event{Type: typ, Key: c.URL, Time: time.Now(), Payload: c})
	if err != nil {
		slog.Warn("failed to publish capture event.", slog.String("type", typ), slog.String("err", err.Error()))
	}
}

type archiveSession struct {
	p          *ArchivePersister
	collection *archive.Collection

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

func (s *archiveSession) RecordRequest(ctx context.Context, req *network.Request) (network.RequestRecording, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, network.ErrSessionClosed
	}
	s.pending.Add(1)
	s.p.pending.Add(1)
	s.mu.Unlock()

	rec := &archiveRecording{
		s:      s,
		url:    req.URL,
		method: req.Method,
		ready:  make(chan struct{}),
	}
	header := req.Header.Clone()

	if req.Body == nil {
		rec.insert(ctx, header, nil, nil)
		return rec, nil
	}

	// The transport sends one branch while the other is captured.
	upload, capture := network.Tee(req.Body)
	req.Body = upload
	go func() {
		body, err := io.ReadAll(capture)
		capture.Close()
		rec.insert(context.WithoutCancel(ctx), header, body, err)
	}()
	return rec, nil
}

func (s *archiveSession) Finalize(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.p.mu.Lock()
	if s.p.active == s.collection {
		s.p.active = nil
	}
	s.p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("recording session finished.", slog.Int64("collection", s.collection.ID))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type archiveRecording struct {
	s      *archiveSession
	url    string
	method string

	ready chan struct{}
	id    int64
	err   error

	settleMu sync.Mutex
	settled  bool
}

func (r *archiveRecording) insert(ctx context.Context, header http.Header, body []byte, readErr error) {
	defer close(r.ready)
	if readErr != nil {
		r.err = fmt.Errorf("reading upload: %w", readErr)
		return
	}
	r.id, r.err = r.s.p.store.InsertRecording(ctx, r.s.collection.ID, r.url, r.method, header, body)
}

func (r *archiveRecording) settle() error {
	r.settleMu.Lock()
	defer r.settleMu.Unlock()
	if r.settled {
		return network.ErrAlreadySettled
	}
	r.settled = true
	return nil
}

func (r *archiveRecording) done() {
	r.s.pending.Done()
	r.s.p.pending.Done()
}

// Finalize tees resp.Body: the caller reads one branch while the other is
// drained into the recording. A failed capture is logged and deleted; the
// caller's response is never affected by it.
func (r *archiveRecording) Finalize(ctx context.Context, resp *network.Response) error {
	if err := r.settle(); err != nil {
		return err
	}

	caller, capture := network.Tee(resp.Body)
	resp.Body = caller
	status, header := resp.StatusCode, resp.Header.Clone()

	go func() {
		defer r.done()
		bgctx := context.WithoutCancel(ctx)

		body, err := io.ReadAll(capture)
		capture.Close()
		<-r.ready
		if r.err != nil {
			r.fail(bgctx, r.err)
			return
		}
		if err != nil {
			r.fail(bgctx, fmt.Errorf("reading response: %w", err))
			return
		}
		if err := r.s.p.store.FinalizeRecording(bgctx, r.id, status, header, body); err != nil {
			r.fail(bgctx, err)
			return
		}
		r.s.p.metrics.Recording("finalized")
		r.s.p.publish(bgctx, events.TypeCaptureFinalized, events.Capture{
			RecordingID: r.id, URL: r.url, Method: r.method, StatusCode: status, Bytes: len(body),
		})
	}()
	return nil
}

// Abort deletes the recording after a transport failure.
func (r *archiveRecording) Abort(ctx context.Context) error {
	if err := r.settle(); err != nil {
		return err
	}
	defer r.done()

	select {
	case <-r.ready:
	case <-ctx.Done():
		// The insert is still running; clean up once it lands.
		r.s.p.pending.Add(1)
		go func() {
			defer r.s.p.pending.Done()
			<-r.ready
			r.remove(context.WithoutCancel(ctx))
		}()
		return ctx.Err()
	}
	r.remove(ctx)
	return nil
}

func (r *archiveRecording) remove(ctx context.Context) {
	if r.err == nil {
		if err := r.s.p.store.DeleteRecording(ctx, r.id); err != nil {
			slog.Error("failed to delete aborted recording.", slog.Int64("id", r.id), slog.String("err", err.Error()))
		}
	}
	r.s.p.metrics.Recording("aborted")
	r.s.p.publish(ctx, events.TypeCaptureAborted, events.Capture{RecordingID: r.id, URL: r.url, Method: r.method})
}

func (r *archiveRecording) fail(ctx context.Context, cause error) {
	slog.Error("failed to capture response.", slog.String("url", r.url), slog.String("err", cause.Error()))
	if r.err == nil {
		if err := r.s.p.store.DeleteRecording(ctx, r.id); err != nil {
			slog.Error("failed to delete partial recording.", slog.Int64("id", r.id), slog.String("err", err.Error()))
		}
	}
	r.s.p.metrics.Recording("failed")
	r.s.p.publish(ctx, events.TypeCaptureAborted, events.Capture{RecordingID: r.id, URL: r.url, Method: r.method})
}

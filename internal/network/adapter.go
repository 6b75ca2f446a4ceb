package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/events"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/neterr"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/telemetry"
)

// Mode is the adapter's routing mode.
type Mode string

const (
	ModeRecord      Mode = "RECORD"
	ModeReplay      Mode = "REPLAY"
	ModePassthrough Mode = "PASSTHROUGH"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

var schemePattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9+.-]*)://`)

// Options configures an Adapter.
type Options struct {
	// Exempt lists URL prefixes that always go straight to the transport,
	// whatever the mode.
	Exempt  []string
	Metrics *telemetry.Metrics
	Events  events.Publisher
}

// Adapter is the record/replay mode state machine. Transitions are
// serialized by tmu and wait for each other. mu only guards the mode and
// session swap, so requests never wait behind a session being finalized.
type Adapter struct {
	transports map[string]Transport
	persister  Persister
	exempt     []string
	metrics    *telemetry.Metrics
	events     events.Publisher

	tmu     sync.Mutex
	mu      sync.RWMutex
	mode    Mode
	session RecordingSession

	lmu       sync.Mutex
	listeners []func(Mode)
}

// NewAdapter creates an adapter in REPLAY mode. transports is keyed by
// lower-case URL scheme.
func NewAdapter(transports map[string]Transport, p Persister, opts Options) *Adapter {
	a := &Adapter{
		transports: make(map[string]Transport, len(transports)),
		persister:  p,
		exempt:     append([]string(nil), opts.Exempt...),
		metrics:    opts.Metrics,
		events:     opts.Events,
		mode:       ModeReplay,
	}
	for scheme, t := range transports {
		a.transports[strings.ToLower(scheme)] = t
	}
	if a.metrics == nil {
		a.metrics = telemetry.Nop()
	}
	if a.events == nil {
		a.events = events.Nop{}
	}
	return a
}

// Mode returns the current mode.
func (a *Adapter) Mode() Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode
}

// IsRecording reports whether a recording session is active.
func (a *Adapter) IsRecording() bool {
	return a.Mode() == ModeRecord
}

// OnModeChange registers fn to be called after every completed transition.
func (a *Adapter) OnModeChange(fn func(Mode)) {
	a.lmu.Lock()
	defer a.lmu.Unlock()
	a.listeners = append(a.listeners, fn)
}

// StartRecordingSession asks the persister for a session and switches to
// RECORD.
func (a *Adapter) StartRecordingSession(ctx context.Context) error {
	a.tmu.Lock()
	defer a.tmu.Unlock()

	if a.Mode() == ModeRecord {
		return ErrAlreadyRecording
	}
	session, err := a.persister.CreateRecordingSession(ctx)
	if err != nil {
		return fmt.Errorf("creating recording session: %w", err)
	}
	a.mu.Lock()
	a.session = session
	a.mode = ModeRecord
	a.mu.Unlock()

	a.changed(ctx, ModeRecord)
	return nil
}

// FinishRecordingSession switches to REPLAY and then finalizes the session
// that was active. Requests issued meanwhile are already served in REPLAY;
// another transition waits until the finalize returns.
func (a *Adapter) FinishRecordingSession(ctx context.Context) error {
	a.tmu.Lock()
	defer a.tmu.Unlock()

	a.mu.Lock()
	if a.mode != ModeRecord {
		a.mu.Unlock()
		return ErrNotRecording
	}
	session := a.session
	a.session = nil
	a.mode = ModeReplay
	a.mu.Unlock()

	err := session.Finalize(ctx)
	a.changed(ctx, ModeReplay)
	if err != nil {
		return fmt.Errorf("finalizing recording session: %w", err)
	}
	return nil
}

// SetPassthroughMode switches to PASSTHROUGH. Recording must be finished
// first.
func (a *Adapter) SetPassthroughMode(ctx context.Context) error {
	return a.setMode(ctx, ModePassthrough)
}

// SetReplayMode switches to REPLAY. Recording must be finished first.
func (a *Adapter) SetReplayMode(ctx context.Context) error {
	return a.setMode(ctx, ModeReplay)
}

func (a *Adapter) setMode(ctx context.Context, m Mode) error {
	a.tmu.Lock()
	defer a.tmu.Unlock()

	a.mu.Lock()
	if a.mode == ModeRecord {
		a.mu.Unlock()
		return ErrAlreadyRecording
	}
	a.mode = m
	a.mu.Unlock()

	a.changed(ctx, m)
	return nil
}

func (a *Adapter) changed(ctx context.Context, m Mode) {
	slog.Info("network mode changed.", slog.String("mode", string(m)))
	if err := a.events.Publish(ctx, events.Event{
		Type:    events.TypeModeChanged,
		Time:    time.Now(),
		Payload: string(m),
	}); err != nil {
		slog.Warn("failed to publish mode change.", slog.String("err", err.Error()))
	}

	a.lmu.Lock()
	listeners := append([]func(Mode){}, a.listeners...)
	a.lmu.Unlock()
	for _, fn := range listeners {
		fn(m)
	}
}

// Request routes req according to the current mode. Failures always come
// back as errors carrying a neterr code; they are never turned into a
// successful response.
func (a *Adapter) Request(ctx context.Context, req *Request) (*Response, error) {
	resp, err := a.route(ctx, req)
	if err != nil {
		ne := neterr.From(err)
		a.metrics.Failure(int(ne.Code))
		slog.Debug("request failed.", slog.String("url", req.URL), slog.String("method", req.Method),
			slog.String("err", ne.Error()))
		return nil, ne
	}
	return resp, nil
}

func (a *Adapter) route(ctx context.Context, req *Request) (*Response, error) {
	m := schemePattern.FindStringSubmatch(req.URL)
	if m == nil {
		return nil, neterr.Newf(neterr.ErrInvalidURL, "malformed URL %q", req.URL)
	}
	scheme := strings.ToLower(m[1])
	transport, ok := a.transports[scheme]
	if !ok {
		return nil, neterr.Newf(neterr.ErrUnknownURLScheme, "unknown protocol %s", scheme)
	}
	if req.Method == "" {
		req.Method = "GET"
	}

	a.mu.RLock()
	mode, session := a.mode, a.session
	if mode == ModePassthrough || a.isExempt(req.URL) {
		a.mu.RUnlock()
		a.metrics.Request(string(ModePassthrough))
		return transport.Execute(ctx, req)
	}
	if mode == ModeReplay {
		a.mu.RUnlock()
		a.metrics.Request(string(ModeReplay))
		return a.persister.ReplayRequest(ctx, req)
	}

	// Create the capture while holding the read lock so a concurrent
	// FinishRecordingSession waits until this request is registered.
	rec, err := session.RecordRequest(ctx, req)
	a.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("recording request: %w", err)
	}
	a.metrics.Request(string(ModeRecord))

	resp, err := transport.Execute(ctx, req)
	if err != nil {
		if aerr := rec.Abort(ctx); aerr != nil {
			slog.Error("failed to abort recording.", slog.String("url", req.URL), slog.String("err", aerr.Error()))
		}
		return nil, err
	}
	if err := rec.Finalize(ctx, resp); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("finalizing recording: %w", err)
	}
	return resp, nil
}

func (a *Adapter) isExempt(url string) bool {
	for _, prefix := range a.exempt {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

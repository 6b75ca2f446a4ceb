// Package network routes browsing surface requests to the live network, to
// the archive, or to both, depending on the adapter's mode.
package network

import (
	"context"
	"errors"
	"io"
	"net/http"
)

var (
	// ErrSessionClosed is returned by RecordRequest after the session ended.
	ErrSessionClosed = errors.New("recording session is closed")
	// ErrAlreadySettled is returned when Finalize or Abort is called on a
	// recording that was already finalized or aborted.
	ErrAlreadySettled = errors.New("recording already settled")
)

// Request is one outbound fetch. Body carries upload data and is nil when
// the request has none.
type Request struct {
	URL    string
	Method string
	Header http.Header
	Body   io.ReadCloser
}

// Response is the result of executing a Request. Body is streamed and must
// be closed by the consumer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Transport executes requests for one URL scheme.
type Transport interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

func (f TransportFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Persister durably captures traffic and answers replay queries.
type Persister interface {
	// CreateRecordingSession begins a new collection.
	CreateRecordingSession(ctx context.Context) (RecordingSession, error)
	// ReplayRequest answers req from earlier captures.
	ReplayRequest(ctx context.Context, req *Request) (*Response, error)
}

// RecordingSession captures the requests of one collection.
type RecordingSession interface {
	// RecordRequest starts capturing req. If req has an upload body it is
	// replaced by one branch of a tee so the transport can still send it.
	RecordRequest(ctx context.Context, req *Request) (RequestRecording, error)
	// Finalize ends the session.
	Finalize(ctx context.Context) error
}

// RequestRecording is the capture handle for one request. Exactly one of
// Finalize or Abort is called.
type RequestRecording interface {
	// Finalize captures resp. resp.Body is replaced by one branch of a tee.
	Finalize(ctx context.Context, resp *Response) error
	// Abort discards the capture after a transport failure.
	Abort(ctx context.Context) error
}

// Clone returns a shallow copy of r with its own header map.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	return &c
}

// Package transport executes live requests for the network adapter.
package transport

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/neterr"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/network"
)

// Config controls the live HTTP transport. HostRPS paces requests per host;
// zero disables pacing.
type Config struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
	HostRPS   float64       `mapstructure:"host_rps"`
	HostBurst int           `mapstructure:"host_burst"`
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		UserAgent: "tapedeck/1.0",
	}
}

// hopHeaders are connection-scoped and never forwarded or recorded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTP executes http and https requests. Redirects are returned to the caller
// rather than followed, so a 3xx is recorded and replayed like any response.
type HTTP struct {
	client  *http.Client
	timeout time.Duration
	agent   string
	hosts   *HostLimiter
}

// Option customizes an HTTP transport.
type Option func(*HTTP)

// WithRoundTripper replaces the underlying round tripper.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(h *HTTP) { h.client.Transport = rt }
}

// NewHTTP creates an HTTP transport.
func NewHTTP(cfg Config, opts ...Option) *HTTP {
	rt := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	h := &HTTP{
		client: &http.Client{
			Transport: rt,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: cfg.Timeout,
		agent:   cfg.UserAgent,
		hosts:   NewHostLimiter(cfg.HostRPS, cfg.HostBurst),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Execute performs req against the live network.
func (h *HTTP) Execute(ctx context.Context, req *network.Request) (*network.Response, error) {
	cancel := context.CancelFunc(func() {})
	if h.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
	}

	resp, err := h.execute(ctx, req)
	if err != nil {
		cancel()
		return nil, classify(ctx, err)
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, ctx: ctx, cancel: cancel}
	return resp, nil
}

func (h *HTTP) execute(ctx context.Context, req *network.Request) (*network.Response, error) {
	// Uploads are buffered so Content-Length is known up front.
	var body io.Reader
	var length int64
	if req.Body != nil {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, neterr.Wrap(neterr.ErrFailed, fmt.Errorf("reading upload: %w", err))
		}
		body, length = bytes.NewReader(data), int64(len(data))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, neterr.Wrap(neterr.ErrInvalidURL, err)
	}
	httpReq.ContentLength = length
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	stripHopHeaders(httpReq.Header)
	httpReq.Header.Del("Content-Length")
	if httpReq.Header.Get("User-Agent") == "" && h.agent != "" {
		httpReq.Header.Set("User-Agent", h.agent)
	}
	if httpReq.Header.Get("Accept-Encoding") == "" {
		httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	}

	if err := h.hosts.Wait(ctx, httpReq.URL.Hostname()); err != nil {
		return nil, err
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	header := resp.Header.Clone()
	stripHopHeaders(header)
	decoded, err := decode(resp.Body, header.Get("Content-Encoding"))
	if err != nil {
		resp.Body.Close()
		return nil, neterr.Wrap(neterr.ErrFailed, err)
	}
	if decoded != resp.Body {
		header.Del("Content-Encoding")
		header.Del("Content-Length")
	}

	return &network.Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       decoded,
	}, nil
}

func stripHopHeaders(h http.Header) {
	for _, c := range h.Values("Connection") {
		for _, f := range strings.Split(c, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// decode wraps body with a decoder for encoding. body is returned unchanged
// for identity or unknown encodings.
func decode(body io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		return &decodedBody{Reader: gz, closers: []io.Closer{gz, body}}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(body), closers: []io.Closer{body}}, nil
	case "deflate":
		// Most servers send zlib-wrapped data, some send raw deflate.
		br := bufio.NewReader(body)
		if b, err := br.Peek(1); err == nil && b[0] == 0x78 {
			zr, err := zlib.NewReader(br)
			if err != nil {
				return nil, fmt.Errorf("deflate decode: %w", err)
			}
			return &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}, nil
		}
		fl := flate.NewReader(br)
		return &decodedBody{Reader: fl, closers: []io.Closer{fl, body}}, nil
	}
	return body, nil
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// cancelBody releases the request timeout once the body is closed and
// classifies read failures.
type cancelBody struct {
	io.ReadCloser
	ctx    context.Context
	cancel context.CancelFunc
}

func (b *cancelBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		return n, classify(b.ctx, err)
	}
	return n, err
}

func (b *cancelBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

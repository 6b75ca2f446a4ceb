// Package server exposes the mediator's control API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/SmitUplenchwar2687/Tapedeck/internal/archive"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/neterr"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/network"
	"github.com/SmitUplenchwar2687/Tapedeck/internal/scrape"
)

const defaultSearchLimit = 20

// RunnerFactory builds a crawl runner for the server's surface.
type RunnerFactory func(cfg scrape.Config) (*scrape.Runner, error)

// Options wires the server to the mediator.
type Options struct {
	Adapter   *network.Adapter
	Archive   *archive.Archive
	Registry  *scrape.Registry
	SurfaceID string
	NewRunner RunnerFactory
	// Hub, when set, serves live events on /ws.
	Hub *Hub
}

// Server is the tapedeck control API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux

	adapter   *network.Adapter
	archive   *archive.Archive
	registry  *scrape.Registry
	surfaceID string
	newRunner RunnerFactory
	hub       *Hub
}

// New creates a control API server.
func New(addr string, opts Options) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		adapter:   opts.Adapter,
		archive:   opts.Archive,
		registry:  opts.Registry,
		surfaceID: opts.SurfaceID,
		newRunner: opts.NewRunner,
		hub:       opts.Hub,
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: logRequests(s.mux),
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/mode", s.handleGetMode)
	s.mux.HandleFunc("PUT /api/mode", s.handleSetMode)
	s.mux.HandleFunc("POST /api/recording", s.handleStartRecording)
	s.mux.HandleFunc("DELETE /api/recording", s.handleFinishRecording)
	s.mux.HandleFunc("GET /fetch", s.handleFetch)
	s.mux.HandleFunc("POST /api/scrape", s.handleStartScrape)
	s.mux.HandleFunc("DELETE /api/scrape", s.handleStopScrape)
	s.mux.HandleFunc("GET /api/scrape", s.handleScrapeStatus)
	s.mux.HandleFunc("GET /api/search", s.handleSearch)
	s.mux.HandleFunc("GET /api/pages", s.handlePages)
	s.mux.HandleFunc("GET /api/collections", s.handleCollections)
	s.mux.HandleFunc("GET /dashboard/", s.handleDashboard)
	if s.hub != nil {
		s.mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"mode":   string(s.adapter.Mode()),
	})
}

type modeBody struct {
	Mode network.Mode `json:"mode"`
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modeBody{Mode: s.adapter.Mode()})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body modeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var err error
	switch body.Mode {
	case network.ModeReplay:
		err = s.adapter.SetReplayMode(r.Context())
	case network.ModePassthrough:
		err = s.adapter.SetPassthroughMode(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "mode must be REPLAY or PASSTHROUGH")
		return
	}
	if errors.Is(err, network.ErrAlreadyRecording) {
		writeError(w, http.StatusConflict, "finish the recording session first")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, modeBody{Mode: s.adapter.Mode()})
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	err := s.adapter.StartRecordingSession(r.Context())
	if errors.Is(err, network.ErrAlreadyRecording) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, modeBody{Mode: s.adapter.Mode()})
}

func (s *Server) handleFinishRecording(w http.ResponseWriter, r *http.Request) {
	err := s.adapter.FinishRecordingSession(r.Context())
	if errors.Is(err, network.ErrNotRecording) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, modeBody{Mode: s.adapter.Mode()})
}

// handleFetch runs one GET through the adapter and streams the result.
// Network failures are reported as 502 with the net error as the body.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	resp, err := s.adapter.Request(r.Context(), &network.Request{
		URL:    target,
		Method: http.MethodGet,
		Header: http.Header{},
	})
	if err != nil {
		writeJSON(w, http.StatusBadGateway, neterr.From(err))
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Warn("fetch body interrupted.", slog.String("url", target), slog.String("err", err.Error()))
	}
}

type scrapeBody struct {
	ID     string        `json:"id"`
	Config scrape.Config `json:"config"`
	Status scrape.Status `json:"status"`
}

func runnerBody(rn *scrape.Runner) scrapeBody {
	return scrapeBody{ID: rn.ID(), Config: rn.Config(), Status: rn.Status()}
}

func (s *Server) handleStartScrape(w http.ResponseWriter, r *http.Request) {
	if s.newRunner == nil || s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, scrape.ErrNoSurface.Error())
		return
	}
	var cfg scrape.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	rn, err := s.newRunner(cfg)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = s.registry.Start(r.Context(), rn)
	switch {
	case errors.Is(err, scrape.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scrape.ErrNoSurface):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, runnerBody(rn))
	}
}

func (s *Server) handleStopScrape(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusNotFound, scrape.ErrNotRunning.Error())
		return
	}
	if err := s.registry.Stop(s.surfaceID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	rn, _ := s.registry.Runner(s.surfaceID)
	writeJSON(w, http.StatusOK, runnerBody(rn))
}

func (s *Server) handleScrapeStatus(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeError(w, http.StatusNotFound, "no crawl started")
		return
	}
	rn, ok := s.registry.Runner(s.surfaceID)
	if !ok {
		writeError(w, http.StatusNotFound, "no crawl started")
		return
	}
	writeJSON(w, http.StatusOK, runnerBody(rn))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := defaultSearchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	results, err := s.archive.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []archive.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handlePages(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("collection"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "collection must be a collection id")
		return
	}
	pages, err := s.archive.Pages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pages == nil {
		pages = []archive.Page{}
	}
	writeJSON(w, http.StatusOK, pages)
}

func (s *Server) handleCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := s.archive.Collections(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if cols == nil {
		cols = []archive.Collection{}
	}
	writeJSON(w, http.StatusOK, cols)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, DashboardHTML)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response.", slog.String("err", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Start begins listening. It blocks until the server is shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.StartOnListener(ln)
}

// StartOnListener begins serving on the provided listener.
// Useful for tests that need to pick an ephemeral port.
func (s *Server) StartOnListener(ln net.Listener) error {
	slog.Info("tapedeck server listening.", slog.String("addr", ln.Addr().String()))
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

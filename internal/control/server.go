// Package control is duoprompt's local HTTP API: start and stop the relay,
// read status, metrics and the transcript, and host the overlay page.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roelfdiedericks/duoprompt/internal/browser"
	"github.com/roelfdiedericks/duoprompt/internal/coordinator"
	. "github.com/roelfdiedericks/duoprompt/internal/logging"
	"github.com/roelfdiedericks/duoprompt/internal/metrics"
	"github.com/roelfdiedericks/duoprompt/internal/protocol"
	"github.com/roelfdiedericks/duoprompt/internal/sites"
	"github.com/roelfdiedericks/duoprompt/internal/transcript"
)

// Relay is the coordinator surface the API drives.
type Relay interface {
	StartRelay(primaryPrompt, secondaryPrompt string) protocol.Response
	SetActive(active bool) error
	Snapshot() (coordinator.Status, error)
}

// Transcript is the read side of the transcript store.
type Transcript interface {
	Recent(limit int) ([]transcript.Turn, error)
	SessionTurns(sessionID string) ([]transcript.Turn, error)
	Search(query string, limit int) ([]transcript.Turn, error)
}

// Overlay serves the narration overlay.
type Overlay interface {
	ServePage(w http.ResponseWriter, r *http.Request)
	ServeWS(w http.ResponseWriter, r *http.Request)
	Connected() bool
}

// Options are the server's collaborators. Transcript, Overlay, Browser and
// Shutdown are optional.
type Options struct {
	Relay      Relay
	Sites      *sites.Registry
	Metrics    *metrics.MetricsManager
	Transcript Transcript
	Overlay    Overlay
	Browser    func() browser.Status
	Shutdown   func()
}

// Server is the control API.
type Server struct {
	opts Options
}

// NewServer creates a server.
func NewServer(opts Options) *Server {
	return &Server{opts: opts}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Get("/metrics", s.metrics)
	r.Post("/relay/start", s.startRelay)
	r.Post("/relay/stop", s.stopRelay)
	r.Post("/relay/active", s.setActive)
	r.Get("/transcript", s.transcript)
	r.Get("/sites", s.sites)
	r.Post("/shutdown", s.shutdown)

	if s.opts.Overlay != nil {
		r.Get("/overlay", s.opts.Overlay.ServePage)
		r.Get("/overlay/ws", s.opts.Overlay.ServeWS)
	}
	return r
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		L_info("control: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			L_warn("control: shutdown failed", "error", err)
		}
		L_info("control: stopped")
		return nil
	}
}

// requestLogger logs requests at debug; the overlay socket is long-lived
// and skipped.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/overlay/ws" {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		L_debug("control: request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(), "elapsed", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, value any) {
	writeJSONStatus(w, value, http.StatusOK)
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, statusCode int, msg string) {
	writeJSONStatus(w, map[string]string{"error": msg}, statusCode)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Relay          coordinator.Status `json:"relay"`
	OverlayClients bool               `json:"overlayConnected"`
	Browser        *browser.Status    `json:"browser,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.opts.Relay.Snapshot()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	resp := StatusResponse{Relay: st}
	if s.opts.Overlay != nil {
		resp.OverlayClients = s.opts.Overlay.Connected()
	}
	if s.opts.Browser != nil {
		b := s.opts.Browser()
		resp.Browser = &b
	}
	writeJSON(w, resp)
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	m := s.opts.Metrics
	if m == nil {
		m = metrics.GetInstance()
	}
	writeJSON(w, m.GetSnapshot())
}

// StartRequest is the body of POST /relay/start.
type StartRequest struct {
	PrimaryPrompt   string `json:"primaryPrompt"`
	SecondaryPrompt string `json:"secondaryPrompt"`
}

func (s *Server) startRelay(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	resp := s.opts.Relay.StartRelay(req.PrimaryPrompt, req.SecondaryPrompt)
	writeJSONStatus(w, resp, httpStatus(resp))
}

// httpStatus maps a relay response onto an HTTP status.
func httpStatus(resp protocol.Response) int {
	switch resp.Status {
	case protocol.StatusOK:
		return http.StatusOK
	case protocol.StatusQueued:
		return http.StatusAccepted
	case protocol.StatusBusy:
		return http.StatusConflict
	case protocol.StatusError:
		if strings.Contains(resp.Error, coordinator.ErrStopped.Error()) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

func (s *Server) stopRelay(w http.ResponseWriter, r *http.Request) {
	s.applyActive(w, false)
}

// ActiveRequest is the body of POST /relay/active.
type ActiveRequest struct {
	Active *bool `json:"active"`
}

func (s *Server) setActive(w http.ResponseWriter, r *http.Request) {
	var req ActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	s.applyActive(w, *req.Active)
}

func (s *Server) applyActive(w http.ResponseWriter, active bool) {
	if err := s.opts.Relay.SetActive(active); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, map[string]bool{"active": active})
}

func (s *Server) transcript(w http.ResponseWriter, r *http.Request) {
	if s.opts.Transcript == nil {
		writeError(w, http.StatusNotFound, "transcript disabled")
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var (
		turns []transcript.Turn
		err   error
	)
	switch {
	case q.Get("session") != "":
		turns, err = s.opts.Transcript.SessionTurns(q.Get("session"))
	case q.Get("q") != "":
		turns, err = s.opts.Transcript.Search(q.Get("q"), limit)
	default:
		turns, err = s.opts.Transcript.Recent(limit)
	}
	if err != nil {
		L_warn("control: transcript query failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if turns == nil {
		turns = []transcript.Turn{}
	}
	writeJSON(w, turns)
}

func (s *Server) sites(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.opts.Sites.List())
}

func (s *Server) shutdown(w http.ResponseWriter, r *http.Request) {
	if s.opts.Shutdown == nil {
		writeError(w, http.StatusNotImplemented, "shutdown not available")
		return
	}
	writeJSON(w, map[string]string{"status": "stopping"})
	go s.opts.Shutdown()
}

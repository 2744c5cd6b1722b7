// Package server exposes the agent over HTTP: GitHub webhooks in, build
// history and logs out.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ecaci/internal/core"
	"ecaci/internal/history"
	"ecaci/internal/trigger"
)

// Enqueuer accepts changes for building.
type Enqueuer interface {
	Enqueue(ev core.ChangeEvent) ([]core.BuildRequest, error)
	Pending() int
}

// Builds reads recorded builds.
type Builds interface {
	List(limit int) []core.Build
	Get(number int) (core.Build, error)
	VerifyChain() error
}

// Logs opens stored step logs.
type Logs interface {
	OpenLog(path string) (io.ReadCloser, error)
}

type Config struct {
	Queue         Enqueuer
	Builds        Builds
	Logs          Logs
	WebhookSecret string
	Logger        *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router
}

// New builds the HTTP handler.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Post("/webhooks/github", s.handleGitHubWebhook)
	r.Route("/builds", func(r chi.Router) {
		r.Get("/", s.handleListBuilds)
		r.Get("/{number}", s.handleGetBuild)
		r.Get("/{number}/steps/{index}/log", s.handleStepLog)
	})
	r.Get("/history/verify", s.handleVerifyHistory)
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queued": s.cfg.Queue.Pending()})
}

// POST /webhooks/github
func (s *Server) handleGitHubWebhook(w http.ResponseWriter, r *http.Request) {
	delivery := r.Header.Get(trigger.HeaderDelivery)
	ev, err := trigger.Extract(r, s.cfg.WebhookSecret)
	switch {
	case errors.Is(err, trigger.ErrIgnored):
		s.logger.Debug("webhook ignored", "delivery", delivery, "reason", err)
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, trigger.ErrSignature):
		s.logger.Warn("webhook rejected", "delivery", delivery, "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	queued, err := s.cfg.Queue.Enqueue(ev)
	switch {
	case errors.Is(err, core.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, core.ErrNoVCSTrigger), errors.Is(err, core.ErrBranchNotTracked), errors.Is(err, core.ErrDuplicateChange):
		s.logger.Info("change not built", "delivery", delivery, "ref", ev.Ref, "reason", err)
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
}

// GET /builds?limit=n
func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	builds := s.cfg.Builds.List(limit)
	if builds == nil {
		builds = []core.Build{}
	}
	writeJSON(w, http.StatusOK, builds)
}

// GET /builds/{number}
func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	b, ok := s.build(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GET /builds/{number}/steps/{index}/log
func (s *Server) handleStepLog(w http.ResponseWriter, r *http.Request) {
	b, ok := s.build(w, r)
	if !ok {
		return
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || idx < 0 || idx >= len(b.Steps) {
		http.Error(w, "step not found", http.StatusNotFound)
		return
	}
	step := b.Steps[idx]
	if step.LogPath == "" {
		http.Error(w, "step has no log", http.StatusNotFound)
		return
	}
	rc, err := s.cfg.Logs.OpenLog(step.LogPath)
	if err != nil {
		s.logger.Error("cannot open step log", "build", b.Number, "step", step.Name, "error", err)
		http.Error(w, "cannot open log", http.StatusInternalServerError)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("step log copy interrupted", "build", b.Number, "step", step.Name, "error", err)
	}
}

// GET /history/verify
func (s *Server) handleVerifyHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Builds.VerifyChain(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "tampered", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) build(w http.ResponseWriter, r *http.Request) (core.Build, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil {
		http.Error(w, "bad build number", http.StatusBadRequest)
		return core.Build{}, false
	}
	b, err := s.cfg.Builds.Get(n)
	if errors.Is(err, history.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return core.Build{}, false
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return core.Build{}, false
	}
	return b, true
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"requestId", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

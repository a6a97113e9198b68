// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the orchestrator over HTTP: inbound webhooks
// under /webhooks/, a small run-management API under /api/, health and
// Prometheus metrics endpoints.
//
// Webhook trigger paths are mounted below the /webhooks prefix, so a
// trigger declared with path /hooks/deploy is reachable at
// /webhooks/hooks/deploy.
package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/log"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/pkg/errors"
)

// maxBodyBytes bounds request bodies. Webhook payloads beyond this are
// rejected rather than buffered.
const maxBodyBytes = 4 << 20

// Orchestrator is the engine surface the HTTP adapter needs.
type Orchestrator interface {
	HandleWebhook(ctx context.Context, method, path string, headers map[string]string, body []byte) (*store.Run, bool, error)
	Trigger(ctx context.Context, workflowID string, payload json.RawMessage) (*store.Run, error)
	Inspect(ctx context.Context, runID string) (*engine.RunView, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	CancelRun(ctx context.Context, runID, reason string) error
	Resume(ctx context.Context, token string, payload json.RawMessage) error
	PublishEvent(ctx context.Context, name string, payload json.RawMessage) (resumed, started int, err error)
}

// Server is the HTTP adapter.
type Server struct {
	cfg    config.ServerConfig
	orch   Orchestrator
	logger *slog.Logger
	router chi.Router
	http   *http.Server
}

// New builds the adapter. gatherer feeds GET /metrics; nil disables the
// endpoint.
func New(cfg config.ServerConfig, orch Orchestrator, logger *slog.Logger, gatherer prometheus.Gatherer) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:    cfg,
		orch:   orch,
		logger: log.WithComponent(logger, "server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.MaxConnections > 0 {
		r.Use(limitConcurrency(cfg.MaxConnections))
	}

	r.Get("/healthz", s.handleHealth)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.HandleFunc("/webhooks/*", s.handleWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/runs/{id}/cancel", s.handleCancelRun)
		r.Post("/workflows/{id}/trigger", s.handleTrigger)
		r.Post("/resume/{token}", s.handleResume)
		r.Post("/events/{name}", s.handlePublishEvent)
	})

	s.router = r
	return s
}

// Handler returns the routing handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving on the configured address. It returns once the
// listener is bound; serve errors after that are logged.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return &errors.ValidationError{
			Field:   "server",
			Message: "cannot listen on " + addr + ": " + err.Error(),
		}
	}

	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server stopped", log.Error(err))
		}
	}()
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// limitConcurrency rejects requests beyond limit with 503 instead of
// queueing them.
func limitConcurrency(limit int) func(http.Handler) http.Handler {
	slots := make(chan struct{}, limit)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case slots <- struct{}{}:
				defer func() { <-slots }()
				next.ServeHTTP(w, r)
			default:
				writeError(w, http.StatusServiceUnavailable, "server at connection capacity")
			}
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	path := "/" + chi.URLParam(r, "*")
	run, reused, err := s.orch.HandleWebhook(r.Context(), r.Method, path, flattenHeaders(r.Header), body)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}

	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{"run": run, "reused": reused})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	view, err := s.orch.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		WorkflowID: r.URL.Query().Get("workflow"),
		Status:     store.RunStatus(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	runs, err := s.orch.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	if err := s.orch.CancelRun(r.Context(), chi.URLParam(r, "id"), req.Reason); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	run, err := s.orch.Trigger(r.Context(), chi.URLParam(r, "id"), payload)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"run": run})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	if err := s.orch.Resume(r.Context(), chi.URLParam(r, "token"), payload); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePublishEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	resumed, started, err := s.orch.PublishEvent(r.Context(), chi.URLParam(r, "name"), payload)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resumed": resumed, "started": started})
}

// writeEngineError maps error kinds to HTTP statuses.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errors.KindOf(err) {
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindPauseExpired:
		status = http.StatusGone
	case errors.KindCancelled:
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, log.Error(err))
	}
	writeError(w, status, err.Error())
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBodyBytes {
		return nil, errors.Wrap(io.ErrShortBuffer, "body exceeds limit")
	}
	return body, nil
}

// decodeOptionalJSON decodes the body into dst, treating an empty body
// as the zero value.
func decodeOptionalJSON(r *http.Request, dst any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

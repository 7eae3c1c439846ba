// Package agent exposes an execution host over HTTP so a runner on another
// machine can provision workspaces and run commands on this one.
package agent

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"matrixci/internal/core"
	"matrixci/internal/host"
)

// Server hands HTTP requests to a local core.Host and keeps the workspaces
// it created until they are deleted.
type Server struct {
	host   core.Host
	logger *slog.Logger

	mu         sync.Mutex
	workspaces map[string]core.Workspace
}

func NewServer(h core.Host, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		host:       h,
		logger:     logger,
		workspaces: make(map[string]core.Workspace),
	}
}

// Routes returns the agent's HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Route("/v1/workspaces", func(r chi.Router) {
		r.Post("/", s.handleProvision)
		r.Post("/{id}/run", s.handleRun)
		r.Delete("/{id}", s.handleRelease)
	})
	return r
}

// Close releases every workspace still held.
func (s *Server) Close() {
	s.mu.Lock()
	workspaces := s.workspaces
	s.workspaces = make(map[string]core.Workspace)
	s.mu.Unlock()
	for id, ws := range workspaces {
		if err := ws.Close(); err != nil {
			s.logger.Warn("cannot release workspace", "workspace", id, "error", err)
		}
	}
}

// POST /v1/workspaces
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var req host.ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request: "+err.Error(), "")
		return
	}

	ws, err := s.host.Provision(r.Context(), req.Environment)
	if err != nil {
		s.logger.Warn("provision failed", "entry", req.Environment.Entry.Key(), "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error(), "")
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.workspaces[id] = ws
	s.mu.Unlock()

	s.logger.Info("workspace provisioned", "workspace", id, "entry", req.Environment.Entry.Key())
	writeJSON(w, http.StatusCreated, host.ProvisionResponse{ID: id})
}

// POST /v1/workspaces/{id}/run
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	ws, ok := s.workspaces[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "workspace not found", "")
		return
	}

	var req host.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Executable == "" {
		writeError(w, http.StatusBadRequest, "bad request: executable is required", "")
		return
	}

	cmd := core.Command{Executable: req.Executable, Args: req.Args}
	s.logger.Info("running command", "workspace", id, "command", cmd.String())
	res, err := ws.Run(r.Context(), cmd, req.Env)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error(), res.Output)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// DELETE /v1/workspaces/{id}
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	ws, ok := s.workspaces[id]
	delete(s.workspaces, id)
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "workspace not found", "")
		return
	}
	if err := ws.Close(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, output string) {
	writeJSON(w, status, host.ErrorResponse{Error: message, Output: output})
}

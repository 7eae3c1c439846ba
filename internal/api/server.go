// Package api is the runner's HTTP surface: repository events come in,
// run and job status and step logs go out.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"matrixci/internal/core"
	"matrixci/internal/storage"
)

// Server serves the runner's HTTP API.
type Server struct {
	base   context.Context
	runner *core.Runner
	logs   *storage.LogStorage
	logger *slog.Logger
}

// NewServer returns a Server. Runs it dispatches live as long as base, not
// as long as the request that created them.
func NewServer(base context.Context, runner *core.Runner, logs *storage.LogStorage, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{base: base, runner: runner, logs: logs, logger: logger}
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events/push", s.handlePush)
		r.Post("/events/pull_request", s.handlePullRequest)

		r.Get("/pipeline/matrix", s.handleMatrix)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/result", s.handleGetResult)
		r.Post("/runs/{id}/cancel", s.handleCancelRun)
		r.Get("/runs/{id}/jobs/{job}/steps/{step}/log", s.handleStepLog)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type pushRequest struct {
	Branch   string `json:"branch"`
	Revision string `json:"revision,omitempty"`
}

type pullRequestRequest struct {
	Number   int    `json:"number"`
	Base     string `json:"base"`
	Revision string `json:"revision,omitempty"`
}

// DispatchResponse reports whether an event created a run.
type DispatchResponse struct {
	Accepted bool   `json:"accepted"`
	RunID    string `json:"run_id,omitempty"`
	Jobs     int    `json:"jobs,omitempty"`
}

// POST /v1/events/push
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Branch == "" {
		writeError(w, http.StatusBadRequest, "branch is required")
		return
	}
	ev := core.PushEvent(req.Branch)
	ev.Revision = req.Revision
	s.dispatch(w, ev)
}

// POST /v1/events/pull_request
func (s *Server) handlePullRequest(w http.ResponseWriter, r *http.Request) {
	var req pullRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	ev := core.PullRequestEvent(req.Number, req.Base)
	ev.Revision = req.Revision
	s.dispatch(w, ev)
}

func (s *Server) dispatch(w http.ResponseWriter, ev core.Event) {
	run, ok := s.runner.Dispatch(s.base, ev)
	if !ok {
		writeJSON(w, http.StatusOK, DispatchResponse{Accepted: false})
		return
	}
	writeJSON(w, http.StatusAccepted, DispatchResponse{Accepted: true, RunID: run.ID, Jobs: len(run.Jobs)})
}

// GET /v1/pipeline/matrix
func (s *Server) handleMatrix(w http.ResponseWriter, _ *http.Request) {
	entries := s.runner.Entries()
	out := make([]map[string]any, len(entries))
	p := s.runner.Pipeline()
	for i, e := range entries {
		out[i] = map[string]any{
			"key":      e.Key(),
			"axes":     e,
			"blocking": p.Matrix.Blocking(e),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /v1/runs
func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	runs := s.runner.List()
	out := make([]core.RunSnapshot, len(runs))
	for i, run := range runs {
		out[i] = run.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /v1/runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runner.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run.Snapshot())
}

// GET /v1/runs/{id}/result
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runner.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	result, done := run.Result()
	if !done {
		writeError(w, http.StatusConflict, "run is still in progress")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /v1/runs/{id}/cancel
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runner.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	run.Cancel(core.ErrCancelled)
	s.logger.Info("run cancelled by request", "run", run.ID)
	w.WriteHeader(http.StatusAccepted)
}

// GET /v1/runs/{id}/jobs/{job}/steps/{step}/log
func (s *Server) handleStepLog(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runner.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	job, ok := run.Job(chi.URLParam(r, "job"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	step, ok := job.StepResult(chi.URLParam(r, "step"))
	if !ok {
		writeError(w, http.StatusNotFound, "step not found")
		return
	}

	// The stored log is complete; in memory only its tail is kept.
	output := step.Output
	if step.LogPath != "" && s.logs != nil {
		if stored, err := s.logs.ReadStepLog(step.LogPath); err == nil {
			output = stored
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(output))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

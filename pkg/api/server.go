package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/conductor/pkg/metrics"
	"github.com/cuemby/conductor/pkg/orchestrator"
	"github.com/cuemby/conductor/pkg/types"
)

// Server wires an Orchestrator's operations onto a ServeMux, alongside the
// liveness and Prometheus endpoints every daemon in this stack exposes.
type Server struct {
	orch *orchestrator.Orchestrator
	mux  *http.ServeMux
}

// NewServer builds the handler tree. Call Handler to get the http.Handler
// to serve, or Start for a ready-to-run http.Server.
func NewServer(orch *orchestrator.Orchestrator) *Server {
	s := &Server{orch: orch, mux: http.NewServeMux()}

	s.mux.Handle("GET /health", metrics.HealthHandler())
	s.mux.Handle("GET /ready", metrics.ReadyHandler())
	s.mux.Handle("GET /live", metrics.LivenessHandler())
	s.mux.Handle("GET /metrics", metrics.Handler())

	s.mux.HandleFunc("POST /tasks", s.handleSubmit)
	s.mux.HandleFunc("GET /tasks", s.handleList)
	s.mux.HandleFunc("GET /tasks/{id}", s.handleShow)
	s.mux.HandleFunc("POST /tasks/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /tasks/{id}/unblock", s.handleUnblock)
	s.mux.HandleFunc("POST /tasks/{id}/pause", s.handlePause)
	s.mux.HandleFunc("POST /tasks/{id}/resume", s.handleResume)
	s.mux.HandleFunc("POST /rate-limit/force-resume", s.handleForceResumeRateLimit)

	return s
}

// Handler returns the underlying http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start builds an *http.Server bound to addr; callers own ListenAndServe
// and Shutdown so the daemon can control its own lifecycle.
func (s *Server) Start(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

type statusResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	task, err := s.orch.Submit(req)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var states []types.TaskState
	if st := r.URL.Query().Get("state"); st != "" {
		states = append(states, types.TaskState(st))
	}
	tasks, err := s.orch.ListTasks(states...)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	task, err := s.orch.GetTask(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.orch.Cancel)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.orch.Unblock)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.orch.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.mutate(w, r, s.orch.Resume)
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request, op func(string) error) {
	id := r.PathValue("id")
	if err := op(id); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	task, err := s.orch.GetTask(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleForceResumeRateLimit(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.ForceResumeRateLimit(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Status: "resumed", Timestamp: time.Now()})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

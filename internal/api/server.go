package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"mailpilot/internal/config"
	"mailpilot/internal/control"
	"mailpilot/internal/models"
	"mailpilot/internal/queue"
	"mailpilot/internal/store"
	"mailpilot/internal/telemetry"
	"mailpilot/internal/worker"
)

// Server wires the HTTP surface: job intake, batch triggers, and the fleet
// control plane.
type Server struct {
	cfg      config.Config
	store    *store.Store
	mail     *queue.Queue
	training *queue.Queue
	ctrl     *control.Manager
}

// New constructs the API server.
func New(cfg config.Config, st *store.Store, mail, training *queue.Queue, ctrl *control.Manager) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		mail:     mail,
		training: training,
		ctrl:     ctrl,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/accounts/{id}/process", s.handleProcessAccount)
	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/failed", s.handleFailed)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/requeue", s.handleRequeue)

	r.Post("/control/workers/pause", s.handlePauseWorkers)
	r.Post("/control/workers/resume", s.handleResumeWorkers)
	r.Post("/control/queues/pause", s.handlePauseQueues)
	r.Post("/control/queues/resume", s.handleResumeQueues)
	r.Get("/control/status", s.handleStatus)
	return r
}

type processRequest struct {
	UserID   string `json:"user_id"`
	PageSize int    `json:"page_size"`
	Offset   int    `json:"offset"`
	Force    bool   `json:"force"`
	Priority string `json:"priority"`
}

// handleProcessAccount enqueues one batch page for an account. The user and
// provider come from the directory unless the request pins a user.
func (s *Server) handleProcessAccount(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	var req processRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	acct, err := s.store.GetAccount(r.Context(), accountID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = acct.UserID
	}

	prio, err := models.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err := s.mail.Enqueue(r.Context(), worker.TypeProcessInbox, map[string]any{
		"account_id":  accountID,
		"user_id":     userID,
		"provider_id": acct.ProviderID,
		"page_size":   req.PageSize,
		"offset":      req.Offset,
		"force":       req.Force,
	}, prio)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

type enqueueRequest struct {
	Queue    string         `json:"queue"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	Priority string         `json:"priority"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	q, err := s.queueByName(req.Queue)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prio, err := models.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job, err := q.Enqueue(r.Context(), req.Type, req.Payload, prio)
	if err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.mail.GetJob(r.Context(), id)
	if err != nil {
		// Hashes are shared between queues; either handle can read them.
		if job, err = s.training.GetJob(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}
	writeJSON(w, http.StatusOK, job)
}

// handleRequeue is the operator path back from a terminal failure.
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.mail.GetJob(r.Context(), id)
	if err != nil {
		if job, err = s.training.GetJob(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
	}
	q, err := s.queueByName(job.Queue)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	requeued, err := q.Requeue(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, requeued)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	q, err := s.queueByName(r.URL.Query().Get("queue"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ids, err := q.RecentFailed(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read failed set", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ids})
}

type pauseRequest struct {
	Hard bool `json:"hard"`
}

func (s *Server) handlePauseWorkers(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if err := s.ctrl.PauseWorkers(r.Context(), req.Hard); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers_paused": true, "hard": req.Hard})
}

func (s *Server) handleResumeWorkers(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ResumeWorkers(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers_paused": false})
}

func (s *Server) handlePauseQueues(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.EmergencyPauseQueues(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues_paused": true})
}

func (s *Server) handleResumeQueues(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ResumeQueues(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues_paused": false})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) queueByName(name string) (*queue.Queue, error) {
	switch name {
	case "", s.mail.Name():
		return s.mail, nil
	case s.training.Name():
		return s.training, nil
	}
	return nil, errUnknownQueue(name)
}

type errUnknownQueue string

func (e errUnknownQueue) Error() string { return "unknown queue " + string(e) }

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

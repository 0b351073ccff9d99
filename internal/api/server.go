package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"claimq/internal/domain"
	"claimq/internal/queue"
	"claimq/internal/scheduler"
)

type Server struct {
	r    *chi.Mux
	repo queue.Repository
}

func NewServer(repo queue.Repository) http.Handler {
	return NewServerWithDebug(repo, false)
}

func NewServerWithDebug(repo queue.Repository, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/api/tasks", s.submitTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Get("/api/stats", s.stats)
	r.Get("/api/workers", s.listWorkers)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	st, err := s.repo.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	workers, err := s.repo.ListWorkers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "claimq_up 1\n")
	fmt.Fprintf(w, "claimq_tasks{status=\"queued\"} %d\n", st.Queued)
	fmt.Fprintf(w, "claimq_tasks{status=\"claimed\"} %d\n", st.Claimed)
	fmt.Fprintf(w, "claimq_tasks{status=\"running\"} %d\n", st.Running)
	fmt.Fprintf(w, "claimq_tasks{status=\"completed\"} %d\n", st.Completed)
	fmt.Fprintf(w, "claimq_tasks{status=\"failed\"} %d\n", st.Failed)
	fmt.Fprintf(w, "claimq_tasks_total %d\n", st.Total)
	fmt.Fprintf(w, "claimq_workers %d\n", len(workers))
}

type submitReq struct {
	Type           string          `json:"type"`
	Parameters     json.RawMessage `json:"parameters"`
	Priority       int             `json:"priority"`
	State          string          `json:"state"`
	MaxRetries     int             `json:"max_retries"`
	IdempotencyKey *string         `json:"idempotency_key"`
}

type submitResp struct {
	ID int64 `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", 400)
		return
	}
	id, err := s.repo.Enqueue(r.Context(), domain.Task{
		Type: req.Type, Parameters: req.Parameters, Priority: req.Priority,
		State: req.State, MaxRetries: req.MaxRetries, IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if errors.Is(err, queue.ErrEmptyTaskType) {
			http.Error(w, err.Error(), 400)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	tasks, err := s.repo.ListRecent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid task id", 400)
		return
	}
	t, err := s.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.repo.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, st)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.repo.ListWorkers(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if workers == nil {
		workers = []domain.WorkerHeartbeat{}
	}
	writeJSON(w, 200, workers)
}

type createScheduleReq struct {
	Name       string          `json:"name"`
	CronExpr   string          `json:"cron_expr"`
	TaskType   string          `json:"task_type"`
	Parameters json.RawMessage `json:"parameters"`
	Priority   int             `json:"priority"`
	State      string          `json:"state"`
	MaxRetries int             `json:"max_retries"`
	Enabled    *bool           `json:"enabled"`
}

type createScheduleResp struct {
	ID string `json:"id"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.CronExpr == "" {
		http.Error(w, "cron_expr is required", 400)
		return
	}
	if req.TaskType == "" {
		http.Error(w, "task_type is required", 400)
		return
	}

	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}

	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}

	// A schedule is live unless the request says otherwise.
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	schedule := domain.Schedule{
		Name:       req.Name,
		CronExpr:   req.CronExpr,
		TaskType:   req.TaskType,
		Parameters: req.Parameters,
		Priority:   req.Priority,
		State:      req.State,
		MaxRetries: req.MaxRetries,
		Enabled:    enabled,
		NextRun:    nextRun,
	}

	id, err := s.repo.CreateSchedule(r.Context(), schedule)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createScheduleResp{ID: id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.repo.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, 200, schedules)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.repo.DeleteSchedule(r.Context(), id); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

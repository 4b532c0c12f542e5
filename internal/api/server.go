// Package api exposes actor schedules over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/muaviaUsmani/plantain/internal/actor"
	perrors "github.com/muaviaUsmani/plantain/internal/errors"
	"github.com/muaviaUsmani/plantain/internal/history"
	"github.com/muaviaUsmani/plantain/internal/logger"
	"github.com/muaviaUsmani/plantain/internal/metrics"
	"github.com/muaviaUsmani/plantain/internal/task"
)

// maxBodyBytes bounds request bodies; payload size itself is enforced by the store
const maxBodyBytes = 1 << 20

// maxHistoryWait caps the ?wait= parameter of the history endpoint
const maxHistoryWait = 30 * time.Second

// Options configures a Server
type Options struct {
	// History serves the history endpoint; nil disables it
	History history.Store
	Metrics *metrics.Collector
	// Health reports whether the backend is reachable
	Health func(ctx context.Context) error
	Logger logger.Logger
}

// Server serves the schedule API for one actor directory
type Server struct {
	dir  *actor.Directory
	opts Options
	log  logger.Logger
	mux  *http.ServeMux
}

// NewServer creates a server and registers its routes
func NewServer(dir *actor.Directory, opts Options) *Server {
	opts.Metrics = metrics.OrDefault(opts.Metrics)
	s := &Server{
		dir:  dir,
		opts: opts,
		log:  logger.OrDefault(opts.Logger).WithComponent(logger.ComponentAPI).WithSource(logger.LogSourceInternal),
		mux:  http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /actors/{name}/schedules", s.handleSchedule)
	s.mux.HandleFunc("GET /actors/{name}/schedules", s.handleList)
	s.mux.HandleFunc("GET /actors/{name}/schedules/{id}", s.handleGet)
	s.mux.HandleFunc("DELETE /actors/{name}/schedules/{id}", s.handleCancel)
	s.mux.HandleFunc("GET /actors/{name}/schedules/{id}/history", s.handleHistory)
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler with panic recovery and request logging
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	err := perrors.Safely(func() error {
		s.mux.ServeHTTP(rec, r)
		return nil
	})
	if pe, ok := perrors.AsPanic(err); ok {
		s.log.Error("Handler panicked", "method", r.Method, "path", r.URL.Path, "panic", perrors.FormatPanicForLog(pe))
		if !rec.wrote {
			writeJSON(rec, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		}
	}

	s.log.Debug("Request served",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"duration", time.Since(start))
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, &task.ValidationError{Field: "body", Reason: fmt.Sprintf("invalid JSON: %v", err)})
		return
	}

	trigger, err := req.Trigger.Trigger()
	if err != nil {
		s.writeError(w, err)
		return
	}
	payload, err := req.payload()
	if err != nil {
		s.writeError(w, err)
		return
	}

	t, err := s.dir.Schedule(r.Context(), r.PathValue("name"), trigger, req.Callback, payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, NewTask(t))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	tasks, err := s.dir.ListSchedules(r.Context(), r.PathValue("name"), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, NewTask(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	t, err := s.dir.GetSchedule(r.Context(), r.PathValue("name"), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewTask(t))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	name, id := r.PathValue("name"), r.PathValue("id")
	cancelled, err := s.dir.Cancel(r.Context(), name, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if cancelled && s.opts.History != nil {
		if err := s.opts.History.Delete(r.Context(), name, id); err != nil {
			s.log.Warn("Failed to delete firing history of cancelled task", "actor", name, "task_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: cancelled})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "firing history is disabled"})
		return
	}

	name, id := r.PathValue("name"), r.PathValue("id")
	if err := actor.ValidateName(name); err != nil {
		s.writeError(w, err)
		return
	}

	var firing *history.Firing
	var err error
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, perr := time.ParseDuration(raw)
		if perr != nil || wait < 0 {
			s.writeError(w, &task.ValidationError{Field: "wait", Reason: fmt.Sprintf("invalid duration %q", raw)})
			return
		}
		firing, err = s.opts.History.Wait(r.Context(), name, id, min(wait, maxHistoryWait))
	} else {
		firing, err = s.opts.History.Latest(r.Context(), name, id)
	}
	if err != nil {
		s.writeError(w, task.Storage("history", err))
		return
	}
	if firing == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no firing recorded"})
		return
	}
	writeJSON(w, http.StatusOK, firing)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Metrics.GetMetrics())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			s.log.Warn("Health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// parseFilter reads ?type=&from=&to=. Times are unix milliseconds or RFC3339.
func parseFilter(r *http.Request) (task.Filter, error) {
	q := r.URL.Query()
	var f task.Filter

	if kind := q.Get("type"); kind != "" {
		f.Kind = task.Kind(kind)
		if !f.Kind.Valid() {
			return f, &task.ValidationError{Field: "type", Reason: "unknown task type " + kind}
		}
	}

	var err error
	if f.From, err = parseTime("from", q.Get("from")); err != nil {
		return f, err
	}
	if f.To, err = parseTime("to", q.Get("to")); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, &task.ValidationError{Field: "to", Reason: "to is before from"}
	}
	return f, nil
}

func parseTime(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, &task.ValidationError{Field: field, Reason: fmt.Sprintf("invalid time %q: expected unix ms or RFC3339", raw)}
	}
	return t, nil
}

// statusCode maps domain errors to HTTP statuses
func statusCode(err error) int {
	switch {
	case task.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrNotFound):
		return http.StatusNotFound
	case task.IsStorage(err), errors.Is(err, actor.ErrEvicted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusCode(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", "status", status, "error", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Ignore write error - nothing we can do if client disconnected
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.wrote = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

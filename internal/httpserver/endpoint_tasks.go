package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tokligence/taskd/internal/bus"
	"github.com/tokligence/taskd/internal/ratelimit"
	"github.com/tokligence/taskd/internal/task"
	"github.com/tokligence/taskd/internal/userstore"
)

type taskEndpoint struct {
	server *Server
	limit  *ratelimit.Middleware
}

func newTaskEndpoint(s *Server) endpoint {
	key := func(r *http.Request) string {
		u, _ := userFromContext(r.Context())
		return u.ID
	}
	return &taskEndpoint{
		server: s,
		limit:  ratelimit.NewMiddleware(s.limiter, s.cfg.RateLimitEnabled, key, s.metrics, s.logger),
	}
}

func (e *taskEndpoint) Name() string { return "tasks" }

func (e *taskEndpoint) Routes() []route {
	s := e.server
	return []route{
		{Method: http.MethodPost, Path: "/tasks", Handler: e.limit.Wrap(s.withUser(s.handleCreateTask))},
		{Method: http.MethodGet, Path: "/tasks", Handler: s.withUser(s.handleListTasks)},
		{Method: http.MethodGet, Path: "/tasks/stream", Handler: s.withUser(s.handleTaskStream)},
		{Method: http.MethodGet, Path: "/tasks/{id}", Handler: s.withUser(s.handleGetTask)},
		{Method: http.MethodPost, Path: "/tasks/{id}/cancel", Handler: s.withUser(s.handleCancelTask)},
	}
}

type createTaskRequest struct {
	Generator string         `json:"generator" validate:"required,max=128"`
	Version   string         `json:"version" validate:"max=128"`
	Config    map[string]any `json:"config"`
	Webhooks  []string       `json:"webhooks" validate:"max=5,dive,url"`
	AgentID   string         `json:"agentId" validate:"max=128"`
}

type createTaskResponse struct {
	ID     string      `json:"id"`
	TaskID string      `json:"taskId,omitempty"`
	Status task.Status `json:"status"`
	Cost   int64       `json:"cost"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request, u userstore.User) {
	var req createTaskRequest
	if err := s.decode(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.tasks.Create(r.Context(), task.Request{
		UserID:    u.ID,
		AgentID:   req.AgentID,
		Generator: req.Generator,
		Version:   req.Version,
		Config:    req.Config,
		Webhooks:  req.Webhooks,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, createTaskResponse{ID: t.ID, TaskID: t.TaskID, Status: t.Status, Cost: t.Cost})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request, u userstore.User) {
	t, err := s.tasks.Get(r.Context(), u.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	view := s.tasks.View(t)
	if t.Status == task.StatusCompleted {
		arts, err := s.tasks.Artifacts(r.Context(), t)
		if err != nil {
			s.respondServiceError(w, err)
			return
		}
		view.Artifacts = arts
	}
	s.respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request, u userstore.User) {
	f, err := parseTaskFilter(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), u.ID, f)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	views := make([]task.View, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, s.tasks.View(t))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, u userstore.User) {
	t, err := s.tasks.Cancel(r.Context(), u.ID, chi.URLParam(r, "id"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.tasks.View(t))
}

// handleTaskStream serves live updates for the caller's tasks as
// server-sent events: an init-ping, then task-update events interleaved
// with keep-alives until the client goes away.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request, u userstore.User) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	filter := bus.Filter{UserID: u.ID, TaskID: r.URL.Query().Get("taskId")}
	session := bus.NewSession(s.bus, bus.TopicTask, filter, bus.SessionOptions{
		KeepAlive: s.cfg.KeepAlive,
		Buffer:    s.cfg.SubscriberBuffer,
	})
	session.Start()
	defer session.Stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-session.Messages():
			if !ok {
				return
			}
			if err := writeSSE(w, msg); err != nil {
				s.debugf("stream for %s closed: %v", u.ID, err)
				return
			}
			flusher.Flush()
		}
	}
}

func parseTaskFilter(r *http.Request) (task.Filter, error) {
	q := r.URL.Query()
	f := task.Filter{TaskID: q.Get("taskId")}
	if v := q.Get("status"); v != "" {
		st := task.Status(v)
		if !st.Valid() {
			return f, fmt.Errorf("unknown status %q", v)
		}
		f.Status = st
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, fmt.Errorf("invalid since: %w", err)
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, fmt.Errorf("invalid until: %w", err)
	}
	if f.Limit, err = parseNonNegative(q.Get("limit")); err != nil {
		return f, fmt.Errorf("invalid limit: %w", err)
	}
	if f.Offset, err = parseNonNegative(q.Get("offset")); err != nil {
		return f, fmt.Errorf("invalid offset: %w", err)
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseNonNegative(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errors.New("must not be negative")
	}
	return n, nil
}

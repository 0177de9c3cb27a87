// Package api serves the lifecycle operations, busy queries, the event log
// and administrative triggers over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/jdziat/vapp-jobs/pkg/core"
	"github.com/jdziat/vapp-jobs/pkg/lifecycle"
	"github.com/jdziat/vapp-jobs/pkg/security"
)

// Lifecycle is the orchestrator as seen by the API. *lifecycle.Orchestrator
// implements it.
type Lifecycle interface {
	RequestOperation(ctx context.Context, req lifecycle.Request) (lifecycle.Decision, error)
	BusyStatus(ctx context.Context, id string) (lifecycle.BusyStatus, error)
	VAppOrAnyVMBusy(ctx context.Context, vappID string) (bool, error)
	TaskSummary(ctx context.Context, id string) (string, error)
}

// Sweeper runs the reconciliation sweep. *reconcile.Sweeper implements it.
type Sweeper interface {
	Run(ctx context.Context) (int, error)
}

// QueueStatser reports queue depth. core.JobStore implements it.
type QueueStatser interface {
	QueueStats(ctx context.Context) ([]core.QueueStats, error)
}

// Server is the HTTP API.
type Server struct {
	router    chi.Router
	lifecycle Lifecycle
	events    core.EventStore
	sweeper   Sweeper
	queues    QueueStatser
	metrics   http.Handler
	logger    *slog.Logger
	timeout   time.Duration
	validate  *validator.Validate
}

// Option configures a Server.
type Option func(*Server)

// WithSweeper enables POST /api/v1/sweeps.
func WithSweeper(s Sweeper) Option {
	return func(srv *Server) { srv.sweeper = s }
}

// WithQueueStats enables GET /api/v1/queues.
func WithQueueStats(q QueueStatser) Option {
	return func(srv *Server) { srv.queues = q }
}

// WithMetrics serves h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(srv *Server) { srv.metrics = h }
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// WithRequestTimeout bounds every request.
func WithRequestTimeout(d time.Duration) Option {
	return func(srv *Server) {
		if d > 0 {
			srv.timeout = d
		}
	}
}

// NewServer builds the router.
func NewServer(lc Lifecycle, events core.EventStore, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		lifecycle: lc,
		events:    events,
		logger:    slog.Default(),
		timeout:   30 * time.Second,
		validate:  validator.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))
		r.Post("/operations", s.handleRequestOperation)
		r.Get("/resources/{id}/busy", s.handleBusyStatus)
		r.Get("/resources/{id}/task", s.handleTaskSummary)
		r.Get("/vapps/{id}/busy", s.handleVAppBusy)
		r.Get("/events", s.handleListEvents)
		if s.sweeper != nil {
			r.Post("/sweeps", s.handleSweep)
		}
		if s.queues != nil {
			r.Get("/queues", s.handleQueues)
		}
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// OperationRequest is the body of POST /api/v1/operations.
type OperationRequest struct {
	Operation  string            `json:"operation" validate:"required"`
	ResourceID string            `json:"resource_id" validate:"required,max=150"`
	ParentID   string            `json:"parent_id" validate:"max=150"`
	User       string            `json:"user" validate:"max=150"`
	IsAPI      bool              `json:"is_api"`
	Params     map[string]string `json:"params"`
}

// OperationResponse answers an operation request.
type OperationResponse struct {
	Accepted  bool   `json:"accepted"`
	JobID     string `json:"job_id,omitempty"`
	Operation string `json:"operation,omitempty"`
	Message   string `json:"message"`
	Reason    string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// userHeader carries the authenticated principal set by the fronting proxy.
const userHeader = "X-Remote-User"

func (s *Server) handleRequestOperation(w http.ResponseWriter, r *http.Request) {
	var body OperationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	op, err := core.ParseOperation(body.Operation)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user := body.User
	if h := r.Header.Get(userHeader); h != "" {
		user = h
	}

	d, err := s.lifecycle.RequestOperation(r.Context(), lifecycle.Request{
		Operation:   op,
		ResourceID:  body.ResourceID,
		ParentID:    body.ParentID,
		User:        user,
		IsAPI:       body.IsAPI,
		RequestHost: r.Host,
		Params:      body.Params,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := OperationResponse{
		Accepted:  d.Accepted,
		JobID:     d.JobID,
		Operation: d.Operation.String(),
		Message:   d.Message,
	}
	if d.Accepted {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	status := http.StatusUnprocessableEntity
	if d.Rejection != nil {
		resp.Reason = string(d.Rejection.Reason)
		if d.Rejection.Reason == core.RejectBusy {
			status = http.StatusConflict
		}
	}
	writeJSON(w, status, resp)
}

func (s *Server) resourceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := security.ValidateResourceID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return id, true
}

func (s *Server) handleBusyStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resourceID(w, r)
	if !ok {
		return
	}
	st, err := s.lifecycle.BusyStatus(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleVAppBusy(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resourceID(w, r)
	if !ok {
		return
	}
	busy, err := s.lifecycle.VAppOrAnyVMBusy(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"busy": busy})
}

func (s *Server) handleTaskSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := s.resourceID(w, r)
	if !ok {
		return
	}
	summary, err := s.lifecycle.TaskSummary(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"summary": summary})
}

// EventView is the JSON shape of an event.
type EventView struct {
	ID                 uint      `json:"id"`
	UserID             *uint     `json:"user_id,omitempty"`
	FunctionName       string    `json:"function_name"`
	IsAPI              bool      `json:"is_api"`
	FunctionParameters string    `json:"function_parameters"`
	Message            string    `json:"message"`
	ObjectType         string    `json:"object_type"`
	JobID              string    `json:"job_id"`
	ResourceID         string    `json:"resource_id"`
	Created            time.Time `json:"created"`
	Modified           time.Time `json:"modified"`
	Retries            int       `json:"retries"`
	EventStage         string    `json:"event_stage"`
	Outcome            string    `json:"outcome"`
	RequestHost        string    `json:"request_host"`
}

func viewOf(e *core.Event) EventView {
	return EventView{
		ID:                 e.ID,
		UserID:             e.UserID,
		FunctionName:       e.FunctionName,
		IsAPI:              e.IsAPI,
		FunctionParameters: e.FunctionParameters,
		Message:            e.Message,
		ObjectType:         string(e.ObjectType),
		JobID:              e.JobID,
		ResourceID:         e.ResourceID,
		Created:            e.Created,
		Modified:           e.Modified,
		Retries:            e.Retries,
		EventStage:         string(e.EventStage),
		Outcome:            string(e.Outcome),
		RequestHost:        e.RequestHost,
	}
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := core.EventFilter{
		ResourceID:   q.Get("resource_id"),
		FunctionName: q.Get("function_name"),
		JobID:        q.Get("job_id"),
		Stage:        core.EventStage(q.Get("stage")),
		Outcome:      core.Outcome(q.Get("outcome")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	events, err := s.events.ListEvents(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	views := make([]EventView, 0, len(events))
	for _, e := range events {
		views = append(views, viewOf(e))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.sweeper.Run(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"backfilled": n})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queues.QueueStats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if stats == nil {
		stats = []core.QueueStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrUnknownOperation), errors.Is(err, core.ErrInvalidResourceID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, core.ErrRegistryUnavailable), errors.Is(err, core.ErrProviderUnavailable):
		s.logger.ErrorContext(r.Context(), "dependency unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable, please try again")
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

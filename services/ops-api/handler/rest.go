package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/relayboard/botqueue/internal/domain"
	"github.com/relayboard/botqueue/internal/factory"
	"github.com/relayboard/botqueue/internal/postgres"
	redisstore "github.com/relayboard/botqueue/internal/redis"
	"github.com/relayboard/botqueue/pkg/telemetry"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// REST handles HTTP requests for the Ops API.
type REST struct {
	factory *factory.Factory
	tasks   postgres.TaskStore
	events  postgres.EventStore
	mirror  redisstore.StateStore
	db      Pinger
	logger  *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(f *factory.Factory, tasks postgres.TaskStore, events postgres.EventStore, mirror redisstore.StateStore, db Pinger, logger *slog.Logger) *REST {
	return &REST{factory: f, tasks: tasks, events: events, mirror: mirror, db: db, logger: logger}
}

// CreateTaskRequest is the JSON body for
// POST /api/v1/projects/{projectID}/tasks.
type CreateTaskRequest struct {
	ParticipantID  string          `json:"ai_participant_id"`
	Type           string          `json:"task_type"`
	ReferenceType  string          `json:"reference_type,omitempty"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	Priority       int             `json:"priority"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	MaxAttempts    int             `json:"max_attempts"`
}

// QueueVoteTasksResponse is the 202 response body for the vote fan-out.
type QueueVoteTasksResponse struct {
	Created int `json:"created"`
}

// ListTasksResponse wraps GET /api/v1/projects/{projectID}/tasks.
type ListTasksResponse struct {
	Tasks []*domain.Task `json:"tasks"`
}

// ListEventsResponse wraps GET /api/v1/tasks/{id}/events.
type ListEventsResponse struct {
	Events []*domain.TaskEvent `json:"events"`
}

// CreateTask handles POST /api/v1/projects/{projectID}/tasks.
func (h *REST) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ops-api").Start(r.Context(), "ops_api.create_task")
	defer span.End()

	projectID := chi.URLParam(r, "projectID")

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.ParticipantID) == "" {
		writeError(w, http.StatusBadRequest, "field 'ai_participant_id' is required")
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, http.StatusBadRequest, "field 'task_type' is required")
		return
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		writeError(w, http.StatusBadRequest, "field 'idempotency_key' is required")
		return
	}

	span.SetAttributes(
		attribute.String("project.id", projectID),
		attribute.String("task.type", req.Type),
	)

	task, err := h.factory.CreateTask(ctx, factory.CreateTaskInput{
		ProjectID:      projectID,
		ParticipantID:  req.ParticipantID,
		Type:           domain.TaskType(req.Type),
		ReferenceType:  domain.ReferenceType(req.ReferenceType),
		ReferenceID:    req.ReferenceID,
		Priority:       req.Priority,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		MaxAttempts:    req.MaxAttempts,
	})
	if err != nil {
		var badType *domain.UnknownTaskTypeError
		var badRef *domain.UnknownReferenceTypeError
		if errors.As(err, &badType) || errors.As(err, &badRef) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "task creation failed")
		h.logger.Error("create task", slog.String("project_id", projectID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	if task == nil {
		// The same trigger already queued this work.
		writeError(w, http.StatusConflict, "idempotency key already exists")
		return
	}

	h.warmMirror(ctx, task)
	telemetry.APITasksSubmitted.WithLabelValues(string(task.Type)).Inc()

	writeJSON(w, http.StatusCreated, task)
}

// QueueVoteTasks handles
// POST /api/v1/projects/{projectID}/proposals/{proposalID}/vote-tasks.
func (h *REST) QueueVoteTasks(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("ops-api").Start(r.Context(), "ops_api.queue_vote_tasks")
	defer span.End()

	projectID := chi.URLParam(r, "projectID")
	proposalID := chi.URLParam(r, "proposalID")

	span.SetAttributes(
		attribute.String("project.id", projectID),
		attribute.String("proposal.id", proposalID),
	)

	created, err := h.factory.QueueVoteRequested(ctx, projectID, proposalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vote fan-out failed")
		h.logger.Error("queue vote tasks",
			slog.String("project_id", projectID),
			slog.String("proposal_id", proposalID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to queue vote tasks")
		return
	}

	if created > 0 {
		telemetry.APITasksSubmitted.WithLabelValues(string(domain.TaskVoteRequested)).Add(float64(created))
	}
	writeJSON(w, http.StatusAccepted, QueueVoteTasksResponse{Created: created})
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	ctx := r.Context()

	// Fast path: Redis mirror.
	task, err := h.mirror.GetTaskMeta(ctx, taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			h.logger.Error("mirror read", slog.String("task_id", taskID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve task")
			return
		}

		// Slow path: Postgres (mirror TTL expired or cache miss).
		task, err = h.tasks.GetByID(ctx, taskID)
		if err != nil {
			if errors.As(err, &notFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			h.logger.Error("postgres read", slog.String("task_id", taskID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve task")
			return
		}
	}

	// The mirrored snapshot may trail the dispatcher; the status key is
	// written on every transition, so overlay it when present.
	if status, err := h.mirror.GetStatus(ctx, taskID); err == nil {
		task.Status = status
	}

	writeJSON(w, http.StatusOK, task)
}

// ListProjectTasks handles GET /api/v1/projects/{projectID}/tasks.
func (h *REST) ListProjectTasks(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	status := domain.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unrecognized status filter")
		return
	}

	limit := queryInt(r, "limit", defaultListLimit)
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	tasks, err := h.tasks.ListByProject(r.Context(), projectID, status, limit, offset)
	if err != nil {
		h.logger.Error("list tasks", slog.String("project_id", projectID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}

	writeJSON(w, http.StatusOK, ListTasksResponse{Tasks: tasks})
}

// ListTaskEvents handles GET /api/v1/tasks/{id}/events.
func (h *REST) ListTaskEvents(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	events, err := h.events.ListByTask(r.Context(), taskID)
	if err != nil {
		h.logger.Error("list events", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*domain.TaskEvent{}
	}

	writeJSON(w, http.StatusOK, ListEventsResponse{Events: events})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz. Ready means both Postgres and the Redis
// mirror answer.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "postgres not ready")
		return
	}
	if _, err := h.mirror.GetStatus(ctx, "__readyz__"); err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "redis not ready")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// warmMirror seeds the Redis mirror for a fresh task. Best-effort:
// Postgres already holds the row.
func (h *REST) warmMirror(ctx context.Context, task *domain.Task) {
	if err := h.mirror.SetTaskMeta(ctx, task); err != nil {
		h.logger.Warn("mirror task meta", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		return
	}
	if err := h.mirror.SetStatus(ctx, task.ID, task.Status); err != nil {
		h.logger.Warn("mirror status", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

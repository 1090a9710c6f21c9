package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/mediagen/internal/api/shared"
	"github.com/phrazzld/mediagen/internal/platform/logger"
	"github.com/phrazzld/mediagen/internal/task"
)

// TaskService is what the task endpoints need from the task core.
type TaskService interface {
	Enqueue(ctx context.Context, req task.EnqueueRequest) (*task.GenerationTask, error)
	GetStatus(ctx context.Context, id uuid.UUID) (task.TaskView, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (task.CancelResult, error)
}

var _ TaskService = (*task.Service)(nil)

// TaskHandler handles generation task requests
type TaskHandler struct {
	service TaskService
	logger  *slog.Logger
}

// NewTaskHandler creates a new TaskHandler
func NewTaskHandler(service TaskService, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{
		service: service,
		logger:  logger.With(slog.String("component", "task_handler")),
	}
}

// EnqueueTask handles POST /api/tasks requests
func (h *TaskHandler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req EnqueueTaskRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	created, err := h.service.Enqueue(r.Context(), task.EnqueueRequest{
		UserID:     req.UserID,
		Type:       task.Type(req.TaskType),
		ItemID:     req.ItemID,
		Metadata:   req.Metadata,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	})
	if err != nil {
		var dup *task.DuplicateTaskError
		if errors.As(err, &dup) {
			resp := ConflictResponse{
				Error:   GetSafeErrorMessage(err),
				TraceID: shared.GetTraceID(r.Context()),
			}
			if dup.Existing != nil {
				resp.ExistingTaskID = &dup.Existing.ID
				resp.ExistingStatus = &dup.Existing.Status
			}
			log.Debug("duplicate enqueue rejected",
				slog.String("item_id", req.ItemID),
				slog.String("task_type", req.TaskType))
			shared.RespondWithJSON(w, r, http.StatusConflict, resp)
			return
		}
		HandleAPIError(w, r, err, "")
		return
	}

	log.Info("task accepted",
		slog.String("task_id", created.ID.String()),
		slog.String("task_type", string(created.Type)),
		slog.String("item_id", created.ItemID))

	w.Header().Set("Location", "/api/tasks/"+created.ID.String())
	shared.RespondWithJSON(w, r, http.StatusCreated, taskToResponse(created.View()))
}

// GetTask handles GET /api/tasks/{id} requests
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}

	view, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(view))
}

// CancelTask handles POST /api/tasks/{id}/cancel requests
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}

	result, err := h.service.RequestCancel(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if result == task.CancelNotFound {
		HandleAPIError(w, r, task.ErrTaskNotFound, "")
		return
	}

	status := http.StatusAccepted
	if result == task.CancelAlreadyTerminal {
		status = http.StatusOK
	}
	shared.RespondWithJSON(w, r, status, CancelResponse{TaskID: id, Result: result})
}

// pathTaskID parses the {id} path parameter, writing a 400 when it is not a UUID.
func pathTaskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		HandleAPIError(w, r, ErrInvalidID, "")
		return uuid.Nil, false
	}
	return id, true
}

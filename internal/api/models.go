package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediagen/internal/generation"
	"github.com/phrazzld/mediagen/internal/task"
)

// EnqueueTaskRequest defines the payload for POST /api/tasks.
type EnqueueTaskRequest struct {
	UserID   string          `json:"user_id"   validate:"required,max=255"`
	TaskType string          `json:"task_type" validate:"required,oneof=video image audio scene"`
	ItemID   string          `json:"item_id"   validate:"required,max=255"`
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// Priority overrides the type baseline and is clamped into [1,10]
	Priority   *int `json:"priority,omitempty"`
	MaxRetries *int `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=20"`
}

// TaskResponse is the public view of a task.
type TaskResponse struct {
	ID            uuid.UUID                `json:"id"`
	TaskType      task.Type                `json:"task_type"`
	ItemID        string                   `json:"item_id"`
	Status        task.Status              `json:"status"`
	QueueName     string                   `json:"queue_name"`
	Priority      int                      `json:"priority"`
	RetryCount    int                      `json:"retry_count"`
	MaxRetries    int                      `json:"max_retries"`
	ErrorMessage  string                   `json:"error_message,omitempty"`
	FailureReason generation.FailureReason `json:"failure_reason,omitempty"`
	AssetRef      string                   `json:"asset_ref,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	StartedAt     *time.Time               `json:"started_at,omitempty"`
	CompletedAt   *time.Time               `json:"completed_at,omitempty"`
}

// ConflictResponse is returned with 409 when a live task already targets
// the same item and type.
type ConflictResponse struct {
	Error          string       `json:"error"`
	ExistingTaskID *uuid.UUID   `json:"existing_task_id,omitempty"`
	ExistingStatus *task.Status `json:"existing_status,omitempty"`
	TraceID        string       `json:"trace_id,omitempty"`
}

// CancelResponse reports the outcome of POST /api/tasks/{id}/cancel.
type CancelResponse struct {
	TaskID uuid.UUID         `json:"task_id"`
	Result task.CancelResult `json:"result"`
}

func taskToResponse(v task.TaskView) TaskResponse {
	return TaskResponse{
		ID:            v.ID,
		TaskType:      v.Type,
		ItemID:        v.ItemID,
		Status:        v.Status,
		QueueName:     v.QueueName,
		Priority:      v.Priority,
		RetryCount:    v.RetryCount,
		MaxRetries:    v.MaxRetries,
		ErrorMessage:  v.ErrorMessage,
		FailureReason: v.FailureReason,
		AssetRef:      v.AssetRef,
		CreatedAt:     v.CreatedAt,
		StartedAt:     v.StartedAt,
		CompletedAt:   v.CompletedAt,
	}
}

package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediagen/internal/generation"
)

// Status represents the current lifecycle state of a generation task
type Status string

// Possible task status values
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// allowedEdges lists every legal transition. A run of the executor is always
// observed as queued -> processing -> X because the claim is its own write.
var allowedEdges = map[Status]map[Status]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusCancelled:  true,
		StatusFailed:     true,
	},
	StatusProcessing: {
		StatusProcessing: true,
		StatusQueued:     true,
		StatusCompleted:  true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	return allowedEdges[from][to]
}

// Type identifies the kind of media a task produces
type Type string

// Task type values
const (
	TypeVideo Type = "video"
	TypeImage Type = "image"
	TypeAudio Type = "audio"
	TypeScene Type = "scene"
)

// AllTypes returns every known task type.
func AllTypes() []Type {
	return []Type{TypeVideo, TypeImage, TypeAudio, TypeScene}
}

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	switch t {
	case TypeVideo, TypeImage, TypeAudio, TypeScene:
		return true
	}
	return false
}

// GenerationTask is the durable record of one request to produce a media
// artifact through an external provider. The same record (and ID) is reused
// across retries.
type GenerationTask struct {
	ID     uuid.UUID
	UserID string
	Type   Type
	ItemID string
	Status Status

	QueueName string
	Priority  int

	// ExternalHandle is the provider job handle of the current attempt.
	ExternalHandle string

	// Metadata holds the parameters needed to resubmit the request.
	Metadata json.RawMessage

	RetryCount int
	MaxRetries int

	ErrorMessage  string
	FailureReason generation.FailureReason
	AssetRef      string

	CreatedAt   time.Time
	AvailableAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	LastPolledAt *time.Time
	NextPollAt   *time.Time
}

// Clone returns a deep copy of t.
func (t *GenerationTask) Clone() *GenerationTask {
	if t == nil {
		return nil
	}
	c := *t
	if t.Metadata != nil {
		c.Metadata = append(json.RawMessage(nil), t.Metadata...)
	}
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.LastPolledAt = cloneTime(t.LastPolledAt)
	c.NextPollAt = cloneTime(t.NextPollAt)
	return &c
}

// Validate checks the record-level invariants that must hold after every write.
func (t *GenerationTask) Validate() error {
	if t.ID == uuid.Nil {
		return fmt.Errorf("%w: task id is required", ErrInvalidTask)
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTaskType, t.Type)
	}
	if t.ItemID == "" {
		return fmt.Errorf("%w: item id is required", ErrInvalidTask)
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTask, t.Status)
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidTask, t.Priority)
	}
	if t.RetryCount < 0 || t.MaxRetries < 0 || t.RetryCount > t.MaxRetries {
		return fmt.Errorf("%w: retry count %d exceeds max retries %d", ErrInvalidTask, t.RetryCount, t.MaxRetries)
	}
	if t.Status.Terminal() != (t.CompletedAt != nil) {
		return fmt.Errorf("%w: completed_at must be set iff status is terminal", ErrInvalidTask)
	}
	if t.Status == StatusQueued && t.ExternalHandle != "" {
		return fmt.Errorf("%w: queued task cannot hold an external handle", ErrInvalidTask)
	}
	return nil
}

// View converts the record into its read-only public projection.
func (t *GenerationTask) View() TaskView {
	return TaskView{
		ID:            t.ID,
		Type:          t.Type,
		ItemID:        t.ItemID,
		Status:        t.Status,
		QueueName:     t.QueueName,
		Priority:      t.Priority,
		RetryCount:    t.RetryCount,
		MaxRetries:    t.MaxRetries,
		ErrorMessage:  t.ErrorMessage,
		FailureReason: t.FailureReason,
		AssetRef:      t.AssetRef,
		CreatedAt:     t.CreatedAt,
		StartedAt:     cloneTime(t.StartedAt),
		CompletedAt:   cloneTime(t.CompletedAt),
	}
}

// TaskView is what producers can observe about a task.
type TaskView struct {
	ID            uuid.UUID                `json:"id"`
	Type          Type                     `json:"task_type"`
	ItemID        string                   `json:"item_id"`
	Status        Status                   `json:"status"`
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

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtr(t time.Time) *time.Time {
	return &t
}

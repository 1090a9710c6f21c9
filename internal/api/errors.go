package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/mediagen/internal/api/shared"
	"github.com/phrazzld/mediagen/internal/task"
)

// ErrInvalidID is returned when a path parameter is not a UUID.
var ErrInvalidID = errors.New("invalid id")

// MapErrorToStatusCode maps internal errors to HTTP status codes. Unknown
// errors are internal server errors so internal error types never leak.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, task.ErrActiveTaskExists):
		return http.StatusConflict
	case errors.Is(err, task.ErrInvalidTask),
		errors.Is(err, task.ErrUnknownTaskType),
		errors.Is(err, ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, task.ErrStaleTransition):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// GetSafeErrorMessage returns a user-facing message for err.
func GetSafeErrorMessage(err error) string {
	switch {
	case err == nil:
		return "An unexpected error occurred"
	case errors.Is(err, task.ErrTaskNotFound):
		return "Task not found"
	case errors.Is(err, task.ErrActiveTaskExists):
		return "An active task already exists for this item"
	case errors.Is(err, task.ErrUnknownTaskType):
		return "Unknown task type"
	case errors.Is(err, task.ErrInvalidTask):
		return "Invalid task request"
	case errors.Is(err, ErrInvalidID):
		return "Invalid task id"
	case errors.Is(err, task.ErrQueueFull):
		return "Task queue is full, try again later"
	case errors.Is(err, task.ErrStaleTransition):
		return "Task is changing state, try again"
	}
	return "An unexpected error occurred"
}

// HandleAPIError writes the error response for err. An empty message falls
// back to GetSafeErrorMessage.
func HandleAPIError(w http.ResponseWriter, r *http.Request, err error, message string) {
	if message == "" {
		message = GetSafeErrorMessage(err)
	}
	shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), message, err)
}

// SanitizeValidationError turns validator errors into a message naming the
// first offending field and rule.
func SanitizeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("Invalid %s: %s", fe.Field(), getValidationTagMessage(fe.Tag()))
	}
	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte":
		return "too small"
	case "max", "lte":
		return "too large"
	case "oneof":
		return "invalid value"
	case "json":
		return "must be valid JSON"
	default:
		return "validation failed"
	}
}

package generation

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FailureReason tags why a provider call or job did not succeed.
type FailureReason string

// Failure reasons surfaced by provider adapters.
const (
	// ReasonNetwork covers timeouts, connection failures and 5xx responses.
	ReasonNetwork FailureReason = "network"

	// ReasonValidation means the request parameters were rejected as invalid.
	ReasonValidation FailureReason = "validation"

	// ReasonRejected covers quota, unsupported input and other refusals.
	ReasonRejected FailureReason = "rejected"

	// ReasonModeration means the content was blocked by safety filters.
	ReasonModeration FailureReason = "moderation"

	// ReasonTimeout means the job exceeded its maximum wait budget.
	ReasonTimeout FailureReason = "timeout"

	// ReasonUnknown is used when the failure could not be classified.
	ReasonUnknown FailureReason = "unknown"
)

// Retryable reports whether a failure with this reason may be resubmitted.
// Unknown failures are treated like transient ones.
func (r FailureReason) Retryable() bool {
	return r == ReasonNetwork || r == ReasonUnknown
}

// Valid reports whether r is one of the known reasons.
func (r FailureReason) Valid() bool {
	switch r {
	case ReasonNetwork, ReasonValidation, ReasonRejected, ReasonModeration, ReasonTimeout, ReasonUnknown:
		return true
	}
	return false
}

// Common errors returned by provider adapters
var (
	// ErrInvalidConfig is returned when an adapter is constructed with bad settings.
	ErrInvalidConfig = errors.New("invalid provider configuration")

	// ErrInvalidRequest is returned when the task metadata cannot be turned into a request.
	ErrInvalidRequest = errors.New("invalid generation request")

	// ErrContentBlocked is returned when the provider blocks the content.
	ErrContentBlocked = errors.New("content blocked by provider safety filters")
)

// ProviderError is the normalized error type returned by adapters.
type ProviderError struct {
	Reason  FailureReason
	Message string
	Err     error
}

// NewProviderError creates a ProviderError. An invalid reason becomes ReasonUnknown.
func NewProviderError(reason FailureReason, message string, err error) *ProviderError {
	if !reason.Valid() {
		reason = ReasonUnknown
	}
	return &ProviderError{Reason: reason, Message: message, Err: err}
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Reason, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return string(e.Reason)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Classify normalizes any error returned by an adapter into a ProviderError.
// Errors that are not already ProviderErrors are classified by their shape:
// deadlines and network errors are transient, blocked content is moderation,
// invalid requests are validation failures, anything else is unknown.
func Classify(err error) *ProviderError {
	if err == nil {
		return nil
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return NewProviderError(ReasonNetwork, "", err)
	case errors.Is(err, ErrContentBlocked):
		return NewProviderError(ReasonModeration, "", err)
	case errors.Is(err, ErrInvalidRequest):
		return NewProviderError(ReasonValidation, "", err)
	}
	return NewProviderError(ReasonUnknown, "", err)
}

package generation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// OutcomeKind identifies which variant an Outcome holds.
type OutcomeKind int

// Outcome variants
const (
	// OutcomeSucceeded carries the produced asset reference.
	OutcomeSucceeded OutcomeKind = iota + 1

	// OutcomePending carries a job handle that must be polled.
	OutcomePending

	// OutcomeRunning means a polled job has not resolved yet.
	OutcomeRunning

	// OutcomeFailed carries a failure reason and message.
	OutcomeFailed
)

// String returns a lowercase name for the kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomePending:
		return "pending"
	case OutcomeRunning:
		return "running"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is the normalized result of Submit or Poll.
// Construct it with Succeeded, Pending, Running or Failed.
type Outcome struct {
	kind     OutcomeKind
	assetRef string
	handle   string
	failure  *ProviderError
}

// Succeeded reports a finished job and the reference of the produced asset.
func Succeeded(assetRef string) Outcome {
	return Outcome{kind: OutcomeSucceeded, assetRef: assetRef}
}

// Pending reports that the provider accepted the job under the given handle.
func Pending(handle string) Outcome {
	return Outcome{kind: OutcomePending, handle: handle}
}

// Running reports that a polled job is still in progress.
func Running() Outcome {
	return Outcome{kind: OutcomeRunning}
}

// Failed reports a terminal failure of the job.
func Failed(reason FailureReason, message string) Outcome {
	return Outcome{kind: OutcomeFailed, failure: NewProviderError(reason, message, nil)}
}

// FailedWith wraps an already classified error as a failed outcome.
func FailedWith(err *ProviderError) Outcome {
	return Outcome{kind: OutcomeFailed, failure: err}
}

// Kind returns the variant held by o.
func (o Outcome) Kind() OutcomeKind { return o.kind }

// AssetRef returns the asset reference of a succeeded outcome.
func (o Outcome) AssetRef() string { return o.assetRef }

// Handle returns the job handle of a pending outcome.
func (o Outcome) Handle() string { return o.handle }

// Failure returns the error of a failed outcome, or nil.
func (o Outcome) Failure() *ProviderError { return o.failure }

// Request is everything an adapter needs to (re)submit a generation job.
// It is built from the persisted task so a retry never consults the caller.
type Request struct {
	TaskID   uuid.UUID
	ItemID   string
	Kind     string
	Attempt  int
	Metadata json.RawMessage
}

// Provider is implemented by one adapter per vendor.
type Provider interface {
	// Name identifies the vendor in logs.
	Name() string

	// Submit starts a job. Synchronous vendors return Succeeded or Failed,
	// asynchronous vendors return Pending with a handle.
	Submit(ctx context.Context, req Request) (Outcome, error)

	// Poll reports the current state of a pending job. An error means the
	// status could not be fetched; it says nothing about the job itself.
	Poll(ctx context.Context, handle string) (Outcome, error)

	// Cancel asks the vendor to stop a job. It reports whether the vendor
	// confirmed the cancellation.
	Cancel(ctx context.Context, handle string) (bool, error)
}

// Package generation defines the boundary between the task orchestration core
// and external media-generation providers (video, image, audio, and composed
// scene renders).
//
// Every vendor integration implements Provider. Vendor-specific response
// shapes are normalized at this boundary into an Outcome, a small tagged union
// (Succeeded, Pending, Running, Failed), and vendor errors are normalized into
// a *ProviderError carrying a FailureReason. The core never branches on
// vendor-specific status strings.
package generation

// Package events carries user-visible notifications out of the task core.
//
// The core emits one Event per terminal task transition through an
// EventEmitter. The emitter fans the event out to registered handlers
// (sinks), such as the structured log sink in this package or the HTTP
// webhook sink in internal/platform/webhook. Publishers never learn which
// sinks exist.
package events

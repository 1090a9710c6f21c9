// Package api exposes the task core over HTTP. It decodes and validates
// requests, calls task.Service and maps task errors onto status codes
// without leaking internal error text to clients.
//
// Routes:
//
//	POST /api/tasks              enqueue a task (201, or 409 with the live task id)
//	GET  /api/tasks/{id}         task status (404 when unknown)
//	POST /api/tasks/{id}/cancel  request cancellation
//	GET  /health                 liveness and dependency check
package api

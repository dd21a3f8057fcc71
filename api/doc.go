// Package api documents the WebPilot HTTP API.
//
// # API Overview
//
// WebPilot accepts natural-language browser tasks and runs them on a pool of
// browser workers. All endpoints live under /api/v1 and answer with the
// envelope defined in api/handlers:
//
//	{"success": true, "data": ..., "timestamp": "...", "request_id": "..."}
//	{"success": false, "error": {"code": "VALIDATION", "message": "..."}, ...}
//
// # Endpoints
//
//	POST /api/v1/tasks              submit a task, 201 with the pending snapshot
//	GET  /api/v1/tasks              list tasks (?status=completed&limit=50)
//	GET  /api/v1/tasks/{id}         task snapshot
//	GET  /api/v1/tasks/{id}/steps   recorded steps ordered by position
//	POST /api/v1/tasks/{id}/stop    cooperative stop, 202 when broadcast to other instances
//	GET  /api/v1/tasks/{id}/events  websocket stream of step, progress and complete events
//	GET  /health, /ready, /version  probes
//
// Prometheus metrics are served on the separate metrics port at /metrics.
//
// # Authentication
//
// When server.api_keys is configured, every /api/v1 request must carry one of
// the keys in the X-API-Key header. Websocket clients may pass ?api_key=.
//
// # Error codes
//
// VALIDATION → 400, NOT_FOUND → 404, POOL_EXHAUSTED and POOL_CLOSED → 503,
// TIMEOUT → 504, PROVIDER_ERROR and DECISION_FAILED → 502, anything else → 500.
package api

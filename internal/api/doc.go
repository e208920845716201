// Package api hosts the ops HTTP server and the thin intake surface.
// Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks to submit a URL.
//   - GET /v1/tasks/{task_id} to read a task and its stage outputs.
package api

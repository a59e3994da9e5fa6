// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/checkpoints for the stored sweep boundaries.
//   - POST /v1/sweeps to start a sweep, GET /v1/sweeps/{sweep_id} to follow it.
package api

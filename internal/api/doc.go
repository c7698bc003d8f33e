// Package api hosts the operator HTTP server for the relay. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /status for the consume loop state.
package api

// Package observability provides structured logging, Prometheus metrics, health
// probes, OpenTelemetry setup and graceful shutdown for keel services.
//
// # Logging
//
// Logger wraps log/slog with a JSON handler. Request handlers obtain a logger
// annotated with the request ID via FromContext:
//
//	observability.FromContext(r.Context()).WithField("tenant_id", id).Info("member removed")
//
// # Metrics
//
// Metrics registers keel_* collectors on a caller-supplied registry. Record*
// helpers accept a nil receiver so collaborators can run without metrics.
//
// # Health
//
// HealthChecker exposes /healthz (liveness) and /readyz (readiness).
package observability

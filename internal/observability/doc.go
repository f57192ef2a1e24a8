// Package observability provides logging, metrics and tracing for the
// ephemeral channel service.
//
// # Logging
//
// NewLogger returns a plain *slog.Logger. Its handler pulls correlation
// fields (request id, guild id, resource id) out of the context and redacts
// bot tokens and other secrets before anything is written:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.AddRequestID(ctx, uuid.NewString())
//	logger.InfoContext(ctx, "channel created", "resource_id", id)
//
// # Metrics
//
// Metrics registers Prometheus collectors on a caller-supplied registerer so
// tests can use an isolated registry:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.DeletionFinished("deleted")
//
// # Tracing
//
// NewTracer wires OpenTelemetry with an OTLP gRPC exporter. Without an
// endpoint it returns a tracer backed by the global no-op provider.
package observability

// Package telemetry configures OpenTelemetry tracing for the orchestrator.
//
// Init installs a global tracer provider exporting over OTLP/HTTP. The
// dispatch manager, chat service and gRPC stats handlers all use the global
// provider, so nothing else needs wiring:
//
//	shutdown, err := telemetry.Init(ctx, telemetry.Config{ServiceName: "coven-orchestrator"})
//	defer shutdown(context.Background())
//
// When Init is never called the global provider is a no-op.
package telemetry

// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the issuer.
//
// It exposes:
//   - Metrics: counters for issued, exchanged, refreshed, revoked, expired and
//     validated tokens, storage operation counts and durations, and gauges for
//     live tokens and armed expiry timers
//   - Traces: spans for storage operations ("storage.<op>") and server
//     operations ("server.<op>")
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-issuer",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//		MeterProvider:  meterProvider,
//		TracerProvider: tracerProvider,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// When Enabled is false, or a provider is left nil, no-op providers are used
// and recording has no overhead.
//
// # Security
//
// Token values are never recorded. Only kinds, grant IDs, client IDs and
// outcomes appear as attributes.
package instrumentation

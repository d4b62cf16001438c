// Package telemetry provides observability for rangekeeper.
//
// It bundles structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an event bus behind one
// Telemetry value that the command wires into the engine:
//
//	tel, err := telemetry.NewTelemetry(cfg, store)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Instrument(registry)
//	orch := engine.NewOrchestrator(registry, deployer, verifier, tel.OrchestratorOptions()...)
//
// # Events
//
// EventBus implements engine.EventPublisher. Every event is forwarded to
// the configured sinks (normally the SQLite store) and then to in-process
// subscribers such as the API event stream. With EnableAsync the bus
// queues events and delivers them in batches from a single goroutine, so
// ordering is preserved per process.
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder and additionally tracks driver
// call latency and the per-status resource gauge. A disabled Metrics value
// is a no-op, so callers never need nil checks.
//
// # Drivers
//
// ObserveDriverCall wraps a deploy, verify or probe call in a span and
// records its latency when telemetry is present in the context.
package telemetry

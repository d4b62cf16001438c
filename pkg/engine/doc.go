// Package engine provides the resource lifecycle core of rangekeeper.
//
// # Overview
//
// rangekeeper manages deployable resources of a cyber range: operating system
// images and the databases, applications and profiler probes layered on top
// of them. The engine decides in what order resources are provisioned, drives
// each one through its lifecycle and exposes status and control operations.
//
// Components, leaf first:
//
//   - Registry: authoritative store of resource records, id assignment,
//     soft deletion and the per-resource transition lock
//   - Forest: containment trees with ordered sibling groups (BuildForest)
//   - Lifecycle: the status table driven by triggers (NextStatus)
//   - Planner: converts a forest into stages of concurrently deployable resources
//   - Orchestrator: walks a plan, calls the Deployer and Verifier
//     collaborators and aggregates partial failures into a Report
//   - HealthIntake and Monitor: apply push and pull health signals
//
// # Lifecycle
//
//	CREATED --deploy--> DEPLOYED --verify_succeeded--> PREPARED --use--> USING
//	CREATED --deploy_failed--> EXCEPTION
//	DEPLOYED --verify_failed--> EXCEPTION
//	USING --anomaly--> EXCEPTION --recover--> USING
//	USING --usage_complete--> REVOKING
//	PREPARED|USING|EXCEPTION --revoke--> REVOKING --pre_delete--> UNAVAILABLE
//	UNAVAILABLE --delete--> DELETED
//
// Repeated health signals are absorbed: an anomaly while in EXCEPTION, or a
// recovery while in USING, is a no-op rather than an error.
//
// # Concurrency
//
// Every status change happens under a Lease obtained from Registry.Acquire.
// Acquire never waits; a second caller racing for the same resource gets an
// error with code ErrCodeConflict and decides for itself whether to retry.
//
// # Errors
//
// All operations return *EngineError values carrying a class for retry
// decisions, a code naming the error kind, and the resource concerned:
//
//	if engine.HasCode(err, engine.ErrCodeConflict) {
//	    // lost the race for the resource
//	}
//
// Structural errors (invalid spec, cycles, level violations) abort an
// operation before any side effect. Per-resource failures during deploy and
// revoke are recorded in the Report instead of being returned.
package engine

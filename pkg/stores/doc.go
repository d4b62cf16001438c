// Package stores provides the persistence layer for rangekeeper.
// It includes SQLite-based storage with WAL mode and embedded migrations
// for resource snapshots, run reports with per-resource results, the event
// timeline and the operator audit log.
//
// SQLiteStore satisfies engine.Persister, engine.RunRecorder and
// engine.EventPublisher, so one store can back a registry and an
// orchestrator at the same time.
package stores

// Package types defines the shared domain model and contracts for the
// bulkmail engine.
//
// It contains:
//   - Domain types: UploadJob, SubscriberRecord, SystemHealth, DispatchOutcome
//   - Contracts: Logger, MetricsCollector
//   - Sentinel errors grouped by component
//
// All types in this package are dependency-free so that every subsystem
// (ingest, recovery, dispatch, health) can share them without import cycles.
package types

// Package store provides SQLite-backed durable state for agos.
//
// One database file holds everything a run needs to be idempotent:
//   - state_records: one row per DedupKey (alert conditions and content items)
//   - record_revisions: prior snapshots of rows replaced by a forced re-insert
//   - locks: advisory run locks, one row per guarded resource
//   - audit_log: one row per governance decision
//
// # Invariants
//
// Key uniqueness is the PRIMARY KEY of state_records. Inserts use
// ON CONFLICT(key) DO NOTHING so that two writers racing on the same key
// produce exactly one row and exactly one "inserted" answer.
//
// Status changes go through Transition, which reads the current status and
// version and writes the new status in a single IMMEDIATE transaction. The
// version column is bumped on every write and doubles as an optimistic
// concurrency token (TransitionRequest.IfVersion).
//
// Rows are never deleted except by Purge.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - _txlock=immediate: Every transaction takes the write lock up front
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - quick_check on open: Corruption surfaces as a StorageError
//
// Every database failure is returned as *ir.StorageError. Precondition
// failures are *ir.ConflictError and missing rows are ir.ErrNotFound.
package store

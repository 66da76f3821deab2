// Package engine ties the governance pieces together for one scheduled run.
//
// The engine owns no state of its own. Every decision is made against a
// fresh read of the state store and committed with an optimistic
// transition, so concurrent runs on distinct keys are safe and runs that
// overlap on the same resource are serialized by RunGuarded.
//
// ALERT FLOW (DecideAndRecord):
//
//  1. Read the stored record for the condition's key.
//  2. cooldown.Policy.Decide picks an action against that snapshot.
//  3. If the action sends, the retrier delivers it.
//  4. Only after a confirmed send is the new status committed, guarded by
//     the snapshot's status and version.
//  5. One audit entry is written for the decision.
//
// A conflicting commit re-reads and decides again, up to ConflictRetries
// times. A send that has already been confirmed is not repeated on retry.
//
// CONTENT FLOW (InsertIfNew):
//
// A key that is already stored is a duplicate forever; there is no
// time-based re-permission. New items are delivered first and recorded
// after, so a crash between the two can cause at most one duplicate
// delivery and never a lost one.
//
// FAILURE MODES:
//
//   - *ir.StorageError aborts the run before any decision is made.
//   - *ir.DeliveryError leaves state untouched; the next run retries.
//   - *ir.LockBusyError from RunGuarded is a normal skip.
package engine

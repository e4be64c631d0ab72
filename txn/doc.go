// Package txn implements the optimistic transaction manager: a pending → persisting →
// completed|failed state machine driven by a caller-supplied mutation function, plus
// the cross-transaction rollback cascade for overlapping writes.
//
// A two-phase commit protocol against a pluggable backend registry and durable
// transaction log collapses here to a single call to the caller's mutation function,
// with commit/rollback playing the role of phase2-succeeded/phase2-failed. Process-wide
// registry and active-transaction stack are module-level singletons guarded by
// ResetForTest, giving every test a fresh in-memory registry.
package txn

// Package opticoll defines the shared types, ids, and ambient helpers used across the
// optimistic collection engine: keys, change messages, error codes, retry/sleep helpers
// and a small concurrency runner. Concrete reconciliation logic lives in subpackages:
// compare (key ordering), btree (sorted storage), index (per-field indexes), query
// (where-expression IR and evaluation), deferred (one-shot completion handles), txn
// (transaction lifecycle), collection (the synced+optimistic store and its sync
// intake protocol) and subscribe (filtered subscriptions).
//
// This package is foundational: other packages import it, it imports none of them.
package opticoll

// Timeout model
//
// The engine sets no timers of its own. Transaction commit passes the caller's context
// to the MutationFn and a collection passes its context to SyncSource.Sync; any deadline
// or cancellation comes from that context. Sync intake (Begin/Write/Commit) does not
// block. Retry bounds a task by its retry count and the context; TimedOut is a helper
// for code that wants to check an operation against its own maximum duration as well.

// Package collection implements the keyed store that composes a committed synced
// baseline with a live optimistic overlay into a single derived view: Collection (C8).
//
// A mutator uses the caller's active transaction if one is set, or opens a
// self-managed auto-committing one otherwise, and Config follows a validate-and-default
// idiom. Index maintenance delegates to package index, filter evaluation during
// emission to package query, the transaction/overlay contract to package txn
// (Collection implements txn.CollectionHandle), and subscriber fan-out to package
// subscribe.
package collection

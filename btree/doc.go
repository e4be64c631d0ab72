// Package btree implements a copy-on-write, in-memory sorted map keyed by
// compare.Value, used by the index package for field indexes and by collection for
// ordered subscription scans.
//
// Nodes are addressed indirectly through a small reference-counted handle table
// (handle.go) rather than direct pointers, the same shape a pluggable-backend B-tree
// uses to let several transaction "virtual ids" point at different physical versions
// of one logical node — collapsed here to a single backend, process memory: a node is
// copied only when more than one tree references it, and the copy is triggered lazily,
// one level at a time, as a mutation's path descends through it.
package btree

// Package query implements the filter expression intermediate representation, the
// index-optimization planner, and a CEL-backed row evaluator used when a filter
// clause cannot be answered from an index.
//
// The row evaluator compiles a single-record boolean predicate with google/cel-go:
// Optimize only narrows a scan to a candidate key set, it never itself decides
// membership, so whatever it cannot prove must still be checked against the actual
// record by compiling the original IR to a CEL program and running it row by row. The
// ref/val/func IR and the optimization planner that walks it are layered beside the CEL
// fallback in this package so the two always compile from the same expression tree.
package query

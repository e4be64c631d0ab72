// Package subscribe implements filtered subscriptions (C10): fan-out of a Collection's
// change batches to subscriber callbacks, applying a where-filter's before/after
// membership test to decide the enter/leave/update transition each subscriber actually
// observes, per spec §4.10.
//
// An unfiltered subscription is simply a filtered one whose Matcher always answers
// true; both are driven by the same four-way transition rule, so this package carries
// only one code path rather than a special case per subscription kind.
//
// Dispatch delivers to every live subscriber synchronously, in registration order, on
// the calling goroutine: subscribers must never observe concurrent invocation of
// themselves or each other (§5), so fan-out is a plain loop rather than a worker pool.
package subscribe

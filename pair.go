package opticoll

// KeyValuePair is a generic key/value tuple, e.g. a field value alongside the key it
// was extracted for. No package of the engine uses it.
type KeyValuePair[TK any, TV any] struct {
	// Key is the key part in the pair.
	Key TK
	// Value is the value part in the pair.
	Value TV
}

// Tuple of two items, for where there's less a notion of key/value and more a notion of
// a generic pair (first and second), e.g. a {from, to} range bound. No package of the
// engine uses it (index.RangeBounds has its own fields).
type Tuple[T1 any, T2 any] struct {
	// First item in the pair.
	First T1
	// Second item in the pair.
	Second T2
}

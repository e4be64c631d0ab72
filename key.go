package opticoll

import "fmt"

// Key is the collection's record key, constrained to a string or a number. Rather than
// carry it as an untyped any (compare.Value does that for arbitrary field values), the
// key itself is a small tagged union so Collection's synced/optimistic maps can use it
// directly as a Go map key (string and int64 are both comparable, so Key is comparable
// too and safe to use as a map[Key]T key).
type Key struct {
	isString bool
	s        string
	n        int64
}

// StringKey builds a string-valued Key.
func StringKey(s string) Key { return Key{isString: true, s: s} }

// IntKey builds an int64-valued Key.
func IntKey(n int64) Key { return Key{n: n} }

// IsString reports whether the key holds a string value.
func (k Key) IsString() bool { return k.isString }

// String returns the key's string value and whether it was a string key.
func (k Key) String() (string, bool) { return k.s, k.isString }

// Int returns the key's int64 value and whether it was an int key.
func (k Key) Int() (int64, bool) { return k.n, !k.isString }

// Format renders the key for logging/error messages.
func (k Key) Format() string {
	if k.isString {
		return k.s
	}
	return fmt.Sprintf("%d", k.n)
}

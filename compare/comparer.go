// Package compare implements the total order over heterogeneous values used by the
// btree and index packages for key and value ordering.
//
// Comparison dispatches on value kind (numeric kinds, strings, time.Time, then an
// identity fallback) over a tagged Value rather than `any`, so a comparison can never
// silently fall through to string formatting for two values the caller actually meant
// to be numeric or objects.
package compare

import (
	"cmp"
	"fmt"
	"sync"
	"time"
	"weak"
)

// Kind tags the dynamic type carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindTime
	KindObject
)

// Value is a tagged union over the value kinds the comparator understands: null, bool,
// int64, float64, string, a nested array of Values, a time.Time, or an opaque object
// identified by a stable integer id (see ObjectIDRegistry).
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	arr   []Value
	t     time.Time
	objID int64
}

func Null() Value              { return Value{kind: KindNull} }
func Bool(b bool) Value        { return Value{kind: KindBool, b: b} }
func Int(i int64) Value        { return Value{kind: KindInt, i: i} }
func Float(f float64) Value    { return Value{kind: KindFloat, f: f} }
func String(s string) Value    { return Value{kind: KindString, s: s} }
func Array(vs ...Value) Value  { return Value{kind: KindArray, arr: vs} }
func Time(t time.Time) Value   { return Value{kind: KindTime, t: t} }
func Object(objID int64) Value { return Value{kind: KindObject, objID: objID} }

func (v Value) Kind() Kind         { return v.kind }
func (v Value) IsNull() bool       { return v.kind == KindNull }
func (v Value) Bool() bool         { return v.b }
func (v Value) Int() int64         { return v.i }
func (v Value) Float() float64     { return v.f }
func (v Value) Str() string        { return v.s }
func (v Value) Arr() []Value       { return v.arr }
func (v Value) TimeVal() time.Time { return v.t }

// NullsOrder controls where null values sort relative to non-null values.
type NullsOrder int

const (
	NullsFirst NullsOrder = iota
	NullsLast
)

// StringSort selects byte-lexical or locale-aware string comparison.
type StringSort int

const (
	StringLexical StringSort = iota
	StringLocale
)

// LocaleCollator is satisfied by *golang.org/x/text/collate.Collator. Kept as an
// interface so Options carries no x/text types; locale.go holds the concrete adapter
// (NewLocaleCollator) a caller passes in when configuring locale string sort.
type LocaleCollator interface {
	CompareString(a, b string) int
}

// Options configures a single Compare call. Collator is required when StringSort is
// StringLocale; callers share one LocaleCollator across calls since collate.Collator
// is safe for concurrent use once built.
type Options struct {
	Nulls      NullsOrder
	Descending bool
	StringSort StringSort
	Collator   LocaleCollator
}

// DefaultOptions returns ascending, nulls-first, lexical-string ordering.
func DefaultOptions() Options {
	return Options{Nulls: NullsFirst, StringSort: StringLexical}
}

// Compare returns -1, 0, or 1 per opts. It is a total order: reflexive, antisymmetric,
// and transitive across all Value kinds.
func Compare(a, b Value, opts Options) int {
	c := compareAsc(a, b, opts)
	if opts.Descending {
		return -c
	}
	return c
}

func compareAsc(a, b Value, opts Options) int {
	aNull, bNull := a.kind == KindNull, b.kind == KindNull
	if aNull && bNull {
		return 0
	}
	if aNull || bNull {
		nullsFirst := opts.Nulls == NullsFirst
		if aNull == nullsFirst {
			return -1
		}
		return 1
	}

	if a.kind != b.kind {
		if isNumeric(a.kind) && isNumeric(b.kind) {
			return cmp.Compare(numeric(a), numeric(b))
		}
		// Objects sort after every other kind; otherwise fall back to a stable but
		// otherwise arbitrary ordering by kind tag.
		if a.kind == KindObject {
			return 1
		}
		if b.kind == KindObject {
			return -1
		}
		return cmp.Compare(int(a.kind), int(b.kind))
	}

	switch a.kind {
	case KindBool:
		return cmp.Compare(boolToInt(a.b), boolToInt(b.b))
	case KindInt:
		return cmp.Compare(a.i, b.i)
	case KindFloat:
		return cmp.Compare(a.f, b.f)
	case KindString:
		if opts.StringSort == StringLocale && opts.Collator != nil {
			return opts.Collator.CompareString(a.s, b.s)
		}
		return cmp.Compare(a.s, b.s)
	case KindArray:
		return compareArrays(a.arr, b.arr, opts)
	case KindTime:
		return a.t.Compare(b.t)
	case KindObject:
		return cmp.Compare(a.objID, b.objID)
	default:
		return 0
	}
}

func compareArrays(a, b []Value, opts Options) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if c := compareAsc(a[i], b[i], opts); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(a), len(b))
}

func isNumeric(k Kind) bool { return k == KindInt || k == KindFloat }

func numeric(v Value) float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ObjectIDRegistry assigns a stable, monotonically increasing integer id to an object
// the first time it is observed, keyed by pointer identity. The original comparer.go's
// Comparer interface lets a host value define its own ordering; object identity has no
// such intrinsic order, so per design note (SPEC_FULL §9) identity is realized instead
// as a registry handing out arena-style ids, backed by Go 1.24's weak.Pointer so
// entries for collected objects can be reclaimed via Sweep rather than pinning every
// object ever compared for the life of the process.
type ObjectIDRegistry struct {
	mu   sync.Mutex
	ids  map[uintptr]int64
	objs map[int64]weak.Pointer[any]
	next int64
}

// NewObjectIDRegistry returns an empty registry.
func NewObjectIDRegistry() *ObjectIDRegistry {
	return &ObjectIDRegistry{
		ids:  make(map[uintptr]int64),
		objs: make(map[int64]weak.Pointer[any]),
	}
}

// IDFor returns the stable id for the object living at addr, allocating one on first
// observation. addr is the caller-computed pointer address (uintptr(unsafe.Pointer(p)))
// of the object being identity-compared; obj is a weakly-held reference to it used only
// so Sweep can detect collection.
func (r *ObjectIDRegistry) IDFor(addr uintptr, obj any) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.ids[addr]; ok {
		return id
	}
	r.next++
	id := r.next
	r.ids[addr] = id
	r.objs[id] = weak.Make(&obj)
	return id
}

// Sweep drops ids whose backing object has been garbage collected.
func (r *ObjectIDRegistry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, id := range r.ids {
		if wp, ok := r.objs[id]; ok && wp.Value() == nil {
			delete(r.ids, addr)
			delete(r.objs, id)
		}
	}
}

// ResetForTest clears all registered ids. Tests asserting on object-identity ordering
// across cases must call this between cases, matching the process-wide-singleton
// teardown convention used elsewhere in the engine (e.g. txn.ResetForTest).
func (r *ObjectIDRegistry) ResetForTest() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = make(map[uintptr]int64)
	r.objs = make(map[int64]weak.Pointer[any])
}

// FormatValue renders a Value for error messages and logging.
func FormatValue(v Value) string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%v", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindObject:
		return fmt.Sprintf("obj#%d", v.objID)
	default:
		return fmt.Sprintf("%v", v.arr)
	}
}

// Package index implements per-field secondary indexes over a collection's derived
// view, each backed by a btree.Tree keyed on the field's extracted value. Collection
// calls Add/Remove/Update on every index whenever a key enters, leaves, or changes in
// the derived view; query consults MatchesField/Supports/Lookup/RangeQuery to decide
// whether a filter clause can be answered from an index instead of a full row scan.
package index

import (
	"reflect"
	"slices"
	"time"

	"github.com/sharedcode/opticoll/btree"
	"github.com/sharedcode/opticoll/compare"
)

// objectIdentities assigns comparator object ids to nested map[string]any leaves so a
// field index or filter comparing a non-scalar value falls back to object identity
// (§4.1) rather than silently excluding the field.
var objectIdentities = compare.NewObjectIDRegistry()

// Op enumerates the comparison operators an index may support.
type Op int

const (
	OpEq Op = iota
	OpIn
	OpGt
	OpGte
	OpLt
	OpLte
)

// KeySet is an unordered set of collection keys, the unit every Index lookup and the
// query planner's optimization result traffic in.
type KeySet[K comparable] map[K]struct{}

// NewKeySet builds a KeySet from the given keys.
func NewKeySet[K comparable](keys ...K) KeySet[K] {
	s := make(KeySet[K], len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Union returns a new set containing every key present in any of sets.
func Union[K comparable](sets ...KeySet[K]) KeySet[K] {
	out := make(KeySet[K])
	for _, s := range sets {
		for k := range s {
			out[k] = struct{}{}
		}
	}
	return out
}

// Intersect returns a new set containing only keys present in every one of sets. An
// empty sets list returns an empty set, not a universal one: callers that mean "no
// constraint" must not call Intersect with zero operands.
func Intersect[K comparable](sets ...KeySet[K]) KeySet[K] {
	out := make(KeySet[K])
	if len(sets) == 0 {
		return out
	}
	for k := range sets[0] {
		out[k] = struct{}{}
	}
	for _, s := range sets[1:] {
		for k := range out {
			if _, ok := s[k]; !ok {
				delete(out, k)
			}
		}
	}
	return out
}

// RangeBounds describes a (possibly open) range query.
type RangeBounds struct {
	From          *compare.Value
	To            *compare.Value
	FromInclusive bool
	ToInclusive   bool
}

// Index is the contract Collection and the query planner drive. A field path is a
// sequence of map keys addressing a (possibly nested) field in a record.
type Index[K comparable] interface {
	MatchesField(path []string) bool
	Supports(op Op) bool
	Lookup(op Op, value compare.Value) KeySet[K]
	LookupIn(values []compare.Value) KeySet[K]
	RangeQuery(b RangeBounds) KeySet[K]
	Add(key K, record any)
	Remove(key K, record any)
	Update(key K, oldRecord, newRecord any)
}

// FieldIndex is the one Index implementation the engine ships: a btree-backed map from
// a field's extracted compare.Value to the set of keys currently holding that value.
// It supports every Op, so query never needs to special-case a partially-capable
// index; an engine wanting an eq-only index would report Supports(op) == (op == OpEq)
// instead and still satisfy the interface.
type FieldIndex[K comparable] struct {
	path    []string
	cmpOpts compare.Options
	tree    *btree.Tree[map[K]struct{}]
	current map[K]compare.Value
}

// NewFieldIndex builds an index over the field at path, ordered per cmpOpts.
func NewFieldIndex[K comparable](path []string, cmpOpts compare.Options) *FieldIndex[K] {
	return &FieldIndex[K]{
		path:    append([]string(nil), path...),
		cmpOpts: cmpOpts,
		tree:    btree.New[map[K]struct{}](btree.DefaultBranchingFactor, cmpOpts),
		current: make(map[K]compare.Value),
	}
}

func (fi *FieldIndex[K]) MatchesField(path []string) bool { return slices.Equal(fi.path, path) }

func (fi *FieldIndex[K]) Supports(op Op) bool { return true }

func (fi *FieldIndex[K]) Add(key K, record any) {
	v, ok := ExtractPath(record, fi.path)
	if !ok {
		return
	}
	fi.insertAt(v, key)
	fi.current[key] = v
}

func (fi *FieldIndex[K]) Remove(key K, record any) {
	v, ok := fi.current[key]
	if !ok {
		return
	}
	fi.removeAt(v, key)
	delete(fi.current, key)
}

func (fi *FieldIndex[K]) Update(key K, oldRecord, newRecord any) {
	fi.Remove(key, oldRecord)
	fi.Add(key, newRecord)
}

func (fi *FieldIndex[K]) insertAt(v compare.Value, key K) {
	set, ok := fi.tree.Get(v)
	if !ok {
		set = make(map[K]struct{})
	}
	set[key] = struct{}{}
	_ = fi.tree.Upsert(v, set)
}

func (fi *FieldIndex[K]) removeAt(v compare.Value, key K) {
	set, ok := fi.tree.Get(v)
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		fi.tree.Delete(v)
		return
	}
	_ = fi.tree.Upsert(v, set)
}

func (fi *FieldIndex[K]) Lookup(op Op, value compare.Value) KeySet[K] {
	switch op {
	case OpEq:
		set, _ := fi.tree.Get(value)
		return cloneSet(set)
	case OpGt:
		return fi.rangeCollect(&value, false, nil, false)
	case OpGte:
		return fi.rangeCollect(&value, true, nil, false)
	case OpLt:
		return fi.rangeCollect(nil, false, &value, false)
	case OpLte:
		return fi.rangeCollect(nil, false, &value, true)
	default:
		return make(KeySet[K])
	}
}

func (fi *FieldIndex[K]) LookupIn(values []compare.Value) KeySet[K] {
	out := make(KeySet[K])
	for _, v := range values {
		for k := range fi.Lookup(OpEq, v) {
			out[k] = struct{}{}
		}
	}
	return out
}

func (fi *FieldIndex[K]) RangeQuery(b RangeBounds) KeySet[K] {
	return fi.rangeCollect(b.From, b.FromInclusive, b.To, b.ToInclusive)
}

func (fi *FieldIndex[K]) rangeCollect(from *compare.Value, fromIncl bool, to *compare.Value, toIncl bool) KeySet[K] {
	out := make(KeySet[K])
	_ = fi.tree.Range(from, to, fromIncl, toIncl, true, func(_ compare.Value, set map[K]struct{}) btree.EditResult[map[K]struct{}] {
		for k := range set {
			out[k] = struct{}{}
		}
		return btree.EditResult[map[K]struct{}]{}
	})
	return out
}

func cloneSet[K comparable](set map[K]struct{}) KeySet[K] {
	out := make(KeySet[K], len(set))
	for k := range set {
		out[k] = struct{}{}
	}
	return out
}

// ExtractPath walks record (expected to be a map[string]any, or nested maps of the
// same) along path and returns the leaf as a compare.Value; a nil leaf yields
// compare.Null(). A missing key, a non-map intermediate node, or a leaf of a type
// toValue does not handle reports ok=false rather than panicking, since an absent
// optional field is a normal occurrence, not an error.
func ExtractPath(record any, path []string) (compare.Value, bool) {
	cur := record
	for i, field := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return compare.Value{}, false
		}
		v, present := m[field]
		if !present {
			return compare.Value{}, false
		}
		if i == len(path)-1 {
			return toValue(v)
		}
		cur = v
	}
	return compare.Value{}, false
}

func toValue(v any) (compare.Value, bool) {
	switch t := v.(type) {
	case nil:
		return compare.Null(), true
	case bool:
		return compare.Bool(t), true
	case int:
		return compare.Int(int64(t)), true
	case int64:
		return compare.Int(t), true
	case float64:
		return compare.Float(t), true
	case string:
		return compare.String(t), true
	case time.Time:
		return compare.Time(t), true
	case []any:
		vals := make([]compare.Value, 0, len(t))
		for _, elem := range t {
			ev, ok := toValue(elem)
			if !ok {
				return compare.Value{}, false
			}
			vals = append(vals, ev)
		}
		return compare.Array(vals...), true
	case map[string]any:
		addr := reflect.ValueOf(t).Pointer()
		return compare.Object(objectIdentities.IDFor(addr, t)), true
	default:
		return compare.Value{}, false
	}
}

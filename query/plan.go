package query

import (
	"strings"

	"github.com/sharedcode/opticoll/compare"
	"github.com/sharedcode/opticoll/index"
)

// OptimizationResult is what Optimize returns: whether it could prove a candidate key
// set, and if so, that set. CanOptimize false means the caller must fall back to a
// full row scan. CanOptimize true for an AND with children that did not optimize
// still leaves MatchingKeys a superset (it only reflects the branches that did
// optimize), so the caller must post-filter it.
type OptimizationResult[K comparable] struct {
	CanOptimize  bool
	MatchingKeys index.KeySet[K]
}

func none[K comparable]() OptimizationResult[K] { return OptimizationResult[K]{} }

// Optimize attempts to answer expr from idxs without scanning every record. It never
// mutates expr or the indexes, is synchronous, and is deterministic given the index
// contents at the time of the call.
func Optimize[K comparable](expr Expr, idxs []index.Index[K]) OptimizationResult[K] {
	fc, ok := expr.(FuncCall)
	if !ok {
		return none[K]()
	}
	switch fc.Name {
	case "eq", "gt", "gte", "lt", "lte":
		return optimizeComparison[K](fc, idxs)
	case "in":
		return optimizeIn[K](fc, idxs)
	case "and":
		return optimizeAnd[K](fc, idxs)
	case "or":
		return optimizeOr[K](fc, idxs)
	default:
		return none[K]()
	}
}

func findIndex[K comparable](idxs []index.Index[K], path []string) index.Index[K] {
	for _, ix := range idxs {
		if ix.MatchesField(path) {
			return ix
		}
	}
	return nil
}

// splitRefVal identifies which of a, b is the Ref and which is the Val, reporting
// flipped=true when the Ref was the second operand (so "5 < age" is recognized the
// same as "age > 5" once the caller flips the operator).
func splitRefVal(a, b Expr) (ref Ref, val Val, flipped, ok bool) {
	if r, isRef := a.(Ref); isRef {
		if v, isVal := b.(Val); isVal {
			return r, v, false, true
		}
		return Ref{}, Val{}, false, false
	}
	if r, isRef := b.(Ref); isRef {
		if v, isVal := a.(Val); isVal {
			return r, v, true, true
		}
	}
	return Ref{}, Val{}, false, false
}

func opFor(name string, flipped bool) index.Op {
	base := map[string]index.Op{
		"eq":  index.OpEq,
		"gt":  index.OpGt,
		"gte": index.OpGte,
		"lt":  index.OpLt,
		"lte": index.OpLte,
	}[name]
	if !flipped {
		return base
	}
	switch base {
	case index.OpGt:
		return index.OpLt
	case index.OpGte:
		return index.OpLte
	case index.OpLt:
		return index.OpGt
	case index.OpLte:
		return index.OpGte
	default:
		return base
	}
}

func optimizeComparison[K comparable](fc FuncCall, idxs []index.Index[K]) OptimizationResult[K] {
	if len(fc.Args) != 2 {
		return none[K]()
	}
	ref, val, flipped, ok := splitRefVal(fc.Args[0], fc.Args[1])
	if !ok {
		return none[K]()
	}
	op := opFor(fc.Name, flipped)
	ix := findIndex(idxs, ref.Path)
	if ix == nil || !ix.Supports(op) {
		return none[K]()
	}
	return OptimizationResult[K]{CanOptimize: true, MatchingKeys: ix.Lookup(op, val.V)}
}

func optimizeIn[K comparable](fc FuncCall, idxs []index.Index[K]) OptimizationResult[K] {
	if len(fc.Args) != 2 {
		return none[K]()
	}
	ref, ok := fc.Args[0].(Ref)
	if !ok {
		return none[K]()
	}
	val, ok := fc.Args[1].(Val)
	if !ok || val.V.Kind() != compare.KindArray {
		return none[K]()
	}
	ix := findIndex(idxs, ref.Path)
	if ix == nil {
		return none[K]()
	}
	values := val.V.Arr()
	if ix.Supports(index.OpIn) {
		return OptimizationResult[K]{CanOptimize: true, MatchingKeys: ix.LookupIn(values)}
	}
	if !ix.Supports(index.OpEq) {
		return none[K]()
	}
	return OptimizationResult[K]{CanOptimize: true, MatchingKeys: ix.LookupIn(values)}
}

type rangeBound struct {
	op  index.Op
	val compare.Value
}

// optimizeAnd first groups gt/gte/lt/lte children that reference the same field into a
// single compound range query when a field has two or more bounds (e.g. age > 18 AND
// age < 65 becomes one rangeQuery instead of two index lookups intersected), then
// optimizes every remaining child individually and intersects everything that did
// optimize. The intersection is a candidate set, not a final answer: any child that
// did not optimize still needs to be checked against the actual record by the caller.
func optimizeAnd[K comparable](fc FuncCall, idxs []index.Index[K]) OptimizationResult[K] {
	byPath := map[string][]rangeBound{}
	pathOf := map[string][]string{}
	consumed := make([]bool, len(fc.Args))

	for _, arg := range fc.Args {
		inner, ok := arg.(FuncCall)
		if !ok {
			continue
		}
		if inner.Name != "gt" && inner.Name != "gte" && inner.Name != "lt" && inner.Name != "lte" {
			continue
		}
		if len(inner.Args) != 2 {
			continue
		}
		ref, val, flipped, ok := splitRefVal(inner.Args[0], inner.Args[1])
		if !ok {
			continue
		}
		key := strings.Join(ref.Path, "\x00")
		byPath[key] = append(byPath[key], rangeBound{op: opFor(inner.Name, flipped), val: val.V})
		pathOf[key] = ref.Path
	}

	opts := compare.DefaultOptions()
	var optimized []index.KeySet[K]
	for key, bounds := range byPath {
		if len(bounds) < 2 {
			// A single bound on this field is not a "compound" range; let it fall
			// through to individual-child optimization below instead.
			continue
		}
		ix := findIndex(idxs, pathOf[key])
		if ix == nil {
			continue
		}
		rb := reduceBounds(bounds, opts)
		optimized = append(optimized, ix.RangeQuery(rb))
		for i, arg := range fc.Args {
			if inner, ok := arg.(FuncCall); ok && (inner.Name == "gt" || inner.Name == "gte" || inner.Name == "lt" || inner.Name == "lte") &&
				strings.Join(refPathOf(inner), "\x00") == key {
				consumed[i] = true
			}
		}
	}

	for i, arg := range fc.Args {
		if consumed[i] {
			continue
		}
		res := Optimize[K](arg, idxs)
		if res.CanOptimize {
			optimized = append(optimized, res.MatchingKeys)
		}
	}

	if len(optimized) == 0 {
		return none[K]()
	}
	return OptimizationResult[K]{CanOptimize: true, MatchingKeys: index.Intersect(optimized...)}
}

func refPathOf(fc FuncCall) []string {
	if len(fc.Args) != 2 {
		return nil
	}
	ref, _, _, ok := splitRefVal(fc.Args[0], fc.Args[1])
	if !ok {
		return nil
	}
	return ref.Path
}

func reduceBounds(bounds []rangeBound, opts compare.Options) index.RangeBounds {
	var rb index.RangeBounds
	for _, b := range bounds {
		switch b.op {
		case index.OpGt, index.OpGte:
			incl := b.op == index.OpGte
			if rb.From == nil {
				v := b.val
				rb.From, rb.FromInclusive = &v, incl
				continue
			}
			c := compare.Compare(b.val, *rb.From, opts)
			if c > 0 || (c == 0 && rb.FromInclusive && !incl) {
				v := b.val
				rb.From, rb.FromInclusive = &v, incl
			}
		case index.OpLt, index.OpLte:
			incl := b.op == index.OpLte
			if rb.To == nil {
				v := b.val
				rb.To, rb.ToInclusive = &v, incl
				continue
			}
			c := compare.Compare(b.val, *rb.To, opts)
			if c < 0 || (c == 0 && rb.ToInclusive && !incl) {
				v := b.val
				rb.To, rb.ToInclusive = &v, incl
			}
		}
	}
	return rb
}

// optimizeOr can only exclude a row if every branch proved its own matching set; a
// single un-optimizable branch means the whole OR cannot soundly exclude anything.
func optimizeOr[K comparable](fc FuncCall, idxs []index.Index[K]) OptimizationResult[K] {
	sets := make([]index.KeySet[K], 0, len(fc.Args))
	for _, arg := range fc.Args {
		res := Optimize[K](arg, idxs)
		if !res.CanOptimize {
			return none[K]()
		}
		sets = append(sets, res.MatchingKeys)
	}
	return OptimizationResult[K]{CanOptimize: true, MatchingKeys: index.Union(sets...)}
}

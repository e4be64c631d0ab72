package btree

import (
	"fmt"
	"math"

	"github.com/sharedcode/opticoll/compare"
)

const (
	MinBranchingFactor     = 4
	MaxBranchingFactor     = 256
	DefaultBranchingFactor = 32
)

// EditResult is returned by an EditFunc while Range is scanning; it lets the scan
// mutate the tree in place without the caller managing a separate Upsert/Delete pass.
type EditResult[V any] struct {
	Value    V
	SetValue bool
	Delete   bool
	Break    bool
}

// EditFunc is invoked once per visited key during Range, in scan order, at most once
// per key even if the scan mutates the tree ahead of the cursor.
type EditFunc[V any] func(key compare.Value, value V) EditResult[V]

// Tree is a copy-on-write sorted map from compare.Value to V. The zero value is not
// usable; construct with New. Trees produced by Clone share node storage with their
// ancestor until a mutation forces a copy along the touched path (see handle.go).
type Tree[V any] struct {
	root      handle
	handles   *handleTable[V]
	cmpOpts   compare.Options
	branching int
	size      int
}

// New builds an empty Tree. branching is clamped to [MinBranchingFactor,
// MaxBranchingFactor]; zero selects DefaultBranchingFactor (32, within the
// supported [4,256] range).
func New[V any](branching int, cmpOpts compare.Options) *Tree[V] {
	if branching == 0 {
		branching = DefaultBranchingFactor
	}
	if branching < MinBranchingFactor {
		branching = MinBranchingFactor
	}
	if branching > MaxBranchingFactor {
		branching = MaxBranchingFactor
	}
	t := &Tree[V]{
		handles:   newHandleTable[V](),
		cmpOpts:   cmpOpts,
		branching: branching,
	}
	t.root = t.handles.alloc(&node[V]{leaf: true})
	return t
}

// Clone returns a new Tree sharing all current nodes with tr. Neither tree is mutated
// by operations on the other; the first write to a shared node on either side copies
// just that node (and retains its direct children), per the package doc.
func (tr *Tree[V]) Clone() *Tree[V] {
	tr.handles.retain(tr.root)
	return &Tree[V]{
		root:      tr.root,
		handles:   tr.handles,
		cmpOpts:   tr.cmpOpts,
		branching: tr.branching,
		size:      tr.size,
	}
}

// Len returns the number of keys stored.
func (tr *Tree[V]) Len() int { return tr.size }

func (tr *Tree[V]) maxKeys() int { return tr.branching - 1 }
func (tr *Tree[V]) minKeys() int {
	m := tr.branching/2 - 1
	if m < 1 {
		m = 1
	}
	return m
}

func rejectNaN(k compare.Value) error {
	if k.Kind() == compare.KindFloat && math.IsNaN(k.Float()) {
		return fmt.Errorf("btree: NaN key is not orderable")
	}
	return nil
}

// searchLeaf returns the index of key in n.keys and true if present, else the index it
// should be inserted at and false.
func (tr *Tree[V]) searchLeaf(n *node[V], key compare.Value) (int, bool) {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := compare.Compare(n.keys[mid], key, tr.cmpOpts)
		switch {
		case c == 0:
			return mid, true
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return lo, false
}

// searchInternal returns the index of the child to descend into: the first i such that
// key < n.keys[i], or len(n.keys) if key is >= every separator.
func (tr *Tree[V]) searchInternal(n *node[V], key compare.Value) int {
	lo, hi := 0, len(n.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if compare.Compare(key, n.keys[mid], tr.cmpOpts) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// Get returns the value stored for key, if any.
func (tr *Tree[V]) Get(key compare.Value) (V, bool) {
	var zero V
	h := tr.root
	for h != nilHandle {
		n := tr.handles.get(h)
		if n.leaf {
			idx, found := tr.searchLeaf(n, key)
			if !found {
				return zero, false
			}
			return n.values[idx], true
		}
		h = n.children[tr.searchInternal(n, key)]
	}
	return zero, false
}

type insertResult struct {
	split   bool
	promKey compare.Value
	right   handle
}

func (tr *Tree[V]) insert(h handle, key compare.Value, val V) (handle, insertResult, bool) {
	h = tr.handles.ensureOwned(h)
	n := tr.handles.get(h)
	if n.leaf {
		idx, found := tr.searchLeaf(n, key)
		if found {
			n.values[idx] = val
			return h, insertResult{}, false
		}
		n.keys = insertValueAt(n.keys, idx, key)
		n.values = insertValueAt(n.values, idx, val)
		if len(n.keys) <= tr.maxKeys() {
			return h, insertResult{}, true
		}
		mid := len(n.keys) / 2
		right := &node[V]{
			leaf:   true,
			keys:   append([]compare.Value(nil), n.keys[mid:]...),
			values: append([]V(nil), n.values[mid:]...),
		}
		promKey := right.keys[0]
		n.keys = n.keys[:mid]
		n.values = n.values[:mid]
		rh := tr.handles.alloc(right)
		return h, insertResult{split: true, promKey: promKey, right: rh}, true
	}

	idx := tr.searchInternal(n, key)
	newChildH, res, isNew := tr.insert(n.children[idx], key, val)
	n.children[idx] = newChildH
	if !res.split {
		return h, insertResult{}, isNew
	}
	n.keys = insertValueAt(n.keys, idx, res.promKey)
	n.children = insertValueAt(n.children, idx+1, res.right)
	if len(n.keys) <= tr.maxKeys() {
		return h, insertResult{}, isNew
	}
	mid := len(n.keys) / 2
	promKey := n.keys[mid]
	right := &node[V]{
		leaf:     false,
		keys:     append([]compare.Value(nil), n.keys[mid+1:]...),
		children: append([]handle(nil), n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]
	rh := tr.handles.alloc(right)
	return h, insertResult{split: true, promKey: promKey, right: rh}, isNew
}

// Upsert inserts or replaces the value stored for key. Returns an error only if key is
// a NaN float, which has no total order.
func (tr *Tree[V]) Upsert(key compare.Value, val V) error {
	if err := rejectNaN(key); err != nil {
		return err
	}
	newRoot, res, isNew := tr.insert(tr.root, key, val)
	tr.root = newRoot
	if res.split {
		top := &node[V]{
			leaf:     false,
			keys:     []compare.Value{res.promKey},
			children: []handle{tr.root, res.right},
		}
		tr.root = tr.handles.alloc(top)
	}
	if isNew {
		tr.size++
	}
	return nil
}

func (tr *Tree[V]) deleteRec(h handle, key compare.Value) (handle, bool, bool) {
	h = tr.handles.ensureOwned(h)
	n := tr.handles.get(h)
	if n.leaf {
		idx, found := tr.searchLeaf(n, key)
		if !found {
			return h, false, false
		}
		n.keys = removeValueAt(n.keys, idx)
		n.values = removeValueAt(n.values, idx)
		return h, len(n.keys) < tr.minKeys(), true
	}
	idx := tr.searchInternal(n, key)
	newChildH, underflow, deleted := tr.deleteRec(n.children[idx], key)
	n.children[idx] = newChildH
	if !deleted {
		return h, false, false
	}
	if underflow {
		tr.rebalanceChild(n, idx)
	}
	return h, len(n.keys) < tr.minKeys(), true
}

func (tr *Tree[V]) rebalanceChild(n *node[V], idx int) {
	childH := n.children[idx]
	child := tr.handles.get(childH)

	if idx > 0 {
		leftH := tr.handles.ensureOwned(n.children[idx-1])
		n.children[idx-1] = leftH
		left := tr.handles.get(leftH)
		if len(left.keys) > tr.minKeys() {
			tr.borrowFromLeft(n, idx, left, child)
			return
		}
	}
	if idx < len(n.children)-1 {
		rightH := tr.handles.ensureOwned(n.children[idx+1])
		n.children[idx+1] = rightH
		right := tr.handles.get(rightH)
		if len(right.keys) > tr.minKeys() {
			tr.borrowFromRight(n, idx, child, right)
			return
		}
	}
	if idx > 0 {
		leftH := n.children[idx-1]
		left := tr.handles.get(leftH)
		tr.mergeChildren(n, idx-1, left, child)
	} else {
		rightH := n.children[idx+1]
		right := tr.handles.get(rightH)
		tr.mergeChildren(n, idx, child, right)
	}
}

func (tr *Tree[V]) borrowFromLeft(n *node[V], idx int, left, child *node[V]) {
	if child.leaf {
		lastIdx := len(left.keys) - 1
		child.keys = insertValueAt(child.keys, 0, left.keys[lastIdx])
		child.values = insertValueAt(child.values, 0, left.values[lastIdx])
		left.keys = left.keys[:lastIdx]
		left.values = left.values[:lastIdx]
		n.keys[idx-1] = child.keys[0]
		return
	}
	lastKeyIdx := len(left.keys) - 1
	lastChildIdx := len(left.children) - 1
	child.keys = insertValueAt(child.keys, 0, n.keys[idx-1])
	child.children = insertValueAt(child.children, 0, left.children[lastChildIdx])
	n.keys[idx-1] = left.keys[lastKeyIdx]
	left.keys = left.keys[:lastKeyIdx]
	left.children = left.children[:lastChildIdx]
}

func (tr *Tree[V]) borrowFromRight(n *node[V], idx int, child, right *node[V]) {
	if child.leaf {
		child.keys = append(child.keys, right.keys[0])
		child.values = append(child.values, right.values[0])
		right.keys = removeValueAt(right.keys, 0)
		right.values = removeValueAt(right.values, 0)
		n.keys[idx] = right.keys[0]
		return
	}
	child.keys = append(child.keys, n.keys[idx])
	child.children = append(child.children, right.children[0])
	n.keys[idx] = right.keys[0]
	right.keys = removeValueAt(right.keys, 0)
	right.children = removeValueAt(right.children, 0)
}

// mergeChildren folds n.children[leftIdx+1] (right) into n.children[leftIdx] (left)
// and removes the separator at n.keys[leftIdx], releasing the now-unused right handle.
func (tr *Tree[V]) mergeChildren(n *node[V], leftIdx int, left, right *node[V]) {
	if left.leaf {
		left.keys = append(left.keys, right.keys...)
		left.values = append(left.values, right.values...)
	} else {
		left.keys = append(left.keys, n.keys[leftIdx])
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
	}
	removedHandle := n.children[leftIdx+1]
	n.keys = removeValueAt(n.keys, leftIdx)
	n.children = removeValueAt(n.children, leftIdx+1)
	tr.handles.release(removedHandle)
}

// Delete removes key, returning whether it was present.
func (tr *Tree[V]) Delete(key compare.Value) bool {
	if err := rejectNaN(key); err != nil {
		return false
	}
	newRoot, _, deleted := tr.deleteRec(tr.root, key)
	tr.root = newRoot
	if deleted {
		tr.size--
	}
	root := tr.handles.get(tr.root)
	if !root.leaf && len(root.keys) == 0 {
		onlyChild := root.children[0]
		tr.handles.retain(onlyChild)
		tr.handles.release(tr.root)
		tr.root = onlyChild
	}
	return deleted
}

// MinKeyPair returns the smallest (key, value) pair, if any.
func (tr *Tree[V]) MinKeyPair() (compare.Value, V, bool) {
	var zero V
	h := tr.root
	for {
		n := tr.handles.get(h)
		if n.leaf {
			if len(n.keys) == 0 {
				return compare.Value{}, zero, false
			}
			return n.keys[0], n.values[0], true
		}
		h = n.children[0]
	}
}

// MaxKeyPair returns the largest (key, value) pair, if any.
func (tr *Tree[V]) MaxKeyPair() (compare.Value, V, bool) {
	var zero V
	h := tr.root
	for {
		n := tr.handles.get(h)
		if n.leaf {
			if len(n.keys) == 0 {
				return compare.Value{}, zero, false
			}
			last := len(n.keys) - 1
			return n.keys[last], n.values[last], true
		}
		h = n.children[len(n.children)-1]
	}
}

// MinKey and MaxKey report only the key, for callers that do not need the value.
func (tr *Tree[V]) MinKey() (compare.Value, bool) { k, _, ok := tr.MinKeyPair(); return k, ok }
func (tr *Tree[V]) MaxKey() (compare.Value, bool) { k, _, ok := tr.MaxKeyPair(); return k, ok }

// NextHigherPair returns the smallest stored key greater than key (or greater-or-equal
// if inclusive is true) and its value.
func (tr *Tree[V]) NextHigherPair(key compare.Value, inclusive bool) (compare.Value, V, bool) {
	var zero V
	if err := rejectNaN(key); err != nil {
		return compare.Value{}, zero, false
	}
	var rightSub handle
	h := tr.root
	for h != nilHandle {
		n := tr.handles.get(h)
		if n.leaf {
			for i, k := range n.keys {
				c := compare.Compare(k, key, tr.cmpOpts)
				if c > 0 || (inclusive && c == 0) {
					return k, n.values[i], true
				}
			}
			break
		}
		idx := tr.searchInternal(n, key)
		if idx < len(n.keys) {
			rightSub = n.children[idx+1]
		}
		h = n.children[idx]
	}
	for h = rightSub; h != nilHandle; {
		n := tr.handles.get(h)
		if n.leaf {
			if len(n.keys) > 0 {
				return n.keys[0], n.values[0], true
			}
			break
		}
		h = n.children[0]
	}
	return compare.Value{}, zero, false
}

// NextLowerPair returns the largest stored key less than key (or less-or-equal if
// inclusive is true) and its value.
func (tr *Tree[V]) NextLowerPair(key compare.Value, inclusive bool) (compare.Value, V, bool) {
	var zero V
	if err := rejectNaN(key); err != nil {
		return compare.Value{}, zero, false
	}
	var leftSub handle
	h := tr.root
	for h != nilHandle {
		n := tr.handles.get(h)
		if n.leaf {
			for i := len(n.keys) - 1; i >= 0; i-- {
				c := compare.Compare(n.keys[i], key, tr.cmpOpts)
				if c < 0 || (inclusive && c == 0) {
					return n.keys[i], n.values[i], true
				}
			}
			break
		}
		idx := tr.searchInternal(n, key)
		if idx > 0 {
			leftSub = n.children[idx-1]
		}
		h = n.children[idx]
	}
	for h = leftSub; h != nilHandle; {
		n := tr.handles.get(h)
		if n.leaf {
			if last := len(n.keys) - 1; last >= 0 {
				return n.keys[last], n.values[last], true
			}
			break
		}
		h = n.children[len(n.children)-1]
	}
	return compare.Value{}, zero, false
}

// Range scans keys between from and to (either may be nil for an open bound) in the
// requested direction, invoking edit once per visited key. edit may request the
// current key's value be replaced, the key deleted, or the scan stopped; each existing
// key is visited at most once even when edit mutates the tree ahead of the cursor,
// because the cursor always advances past the most recently visited key rather than
// re-scanning from the structural root.
func (tr *Tree[V]) Range(from, to *compare.Value, fromInclusive, toInclusive, ascending bool, edit EditFunc[V]) error {
	if from != nil {
		if err := rejectNaN(*from); err != nil {
			return err
		}
	}
	if to != nil {
		if err := rejectNaN(*to); err != nil {
			return err
		}
	}

	var lastKey compare.Value
	first := true
	for {
		var k compare.Value
		var v V
		var ok bool
		switch {
		case ascending && first && from != nil:
			k, v, ok = tr.NextHigherPair(*from, fromInclusive)
		case ascending && first:
			k, v, ok = tr.MinKeyPair()
		case ascending:
			k, v, ok = tr.NextHigherPair(lastKey, false)
		case !ascending && first && to != nil:
			k, v, ok = tr.NextLowerPair(*to, toInclusive)
		case !ascending && first:
			k, v, ok = tr.MaxKeyPair()
		default:
			k, v, ok = tr.NextLowerPair(lastKey, false)
		}
		first = false
		if !ok {
			return nil
		}

		if ascending && to != nil {
			c := compare.Compare(k, *to, tr.cmpOpts)
			if (toInclusive && c > 0) || (!toInclusive && c >= 0) {
				return nil
			}
		}
		if !ascending && from != nil {
			c := compare.Compare(k, *from, tr.cmpOpts)
			if (fromInclusive && c < 0) || (!fromInclusive && c <= 0) {
				return nil
			}
		}

		lastKey = k
		res := edit(k, v)
		if res.SetValue {
			if err := tr.Upsert(k, res.Value); err != nil {
				return err
			}
		}
		if res.Delete {
			tr.Delete(k)
		}
		if res.Break {
			return nil
		}
	}
}

func insertValueAt[T any](s []T, idx int, v T) []T {
	s = append(s, v)
	copy(s[idx+1:], s[idx:])
	s[idx] = v
	return s
}

func removeValueAt[T any](s []T, idx int) []T {
	return append(s[:idx], s[idx+1:]...)
}

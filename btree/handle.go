package btree

import "github.com/sharedcode/opticoll/compare"

// handle addresses a node within a single handleTable. The zero value, nilHandle,
// never denotes a live node.
type handle uint64

const nilHandle handle = 0

// node is one B-tree node. Internal nodes carry len(keys)+1 children; leaf nodes carry
// a value for every key. Rather than a "shared" bit living on the node itself, sharing
// is tracked by the owning handleTable's reference count for the node's handle: a
// count greater than one means at least two trees (or two mutation paths within a
// single Clone lineage) can still observe this node, so it must be copied before any
// in-place edit.
type node[V any] struct {
	leaf     bool
	keys     []compare.Value
	values   []V
	children []handle
}

// handleTable owns the nodes for every Tree descended from a common ancestor (via
// Clone), addressed by handle rather than pointer so sharing can be tracked by
// refcount: alloc hands out a fresh handle with refcount 1, retain/release adjust
// sharing as Clone and copy-on-write mutation create and drop references, and a node
// is dropped from the table once nothing references it anymore.
type handleTable[V any] struct {
	nodes map[handle]*node[V]
	refs  map[handle]int
	next  handle
}

func newHandleTable[V any]() *handleTable[V] {
	return &handleTable[V]{
		nodes: make(map[handle]*node[V]),
		refs:  make(map[handle]int),
		next:  1,
	}
}

func (t *handleTable[V]) alloc(n *node[V]) handle {
	h := t.next
	t.next++
	t.nodes[h] = n
	t.refs[h] = 1
	return h
}

func (t *handleTable[V]) get(h handle) *node[V] {
	if h == nilHandle {
		return nil
	}
	return t.nodes[h]
}

// isShared reports whether h has more than one referrer and must be copied before any
// in-place mutation.
func (t *handleTable[V]) isShared(h handle) bool {
	return h != nilHandle && t.refs[h] > 1
}

func (t *handleTable[V]) retain(h handle) {
	if h != nilHandle {
		t.refs[h]++
	}
}

func (t *handleTable[V]) release(h handle) {
	if h == nilHandle {
		return
	}
	t.refs[h]--
	if t.refs[h] <= 0 {
		delete(t.nodes, h)
		delete(t.refs, h)
	}
}

// ensureOwned returns a handle to a node equivalent to the one at h that is safe to
// mutate in place: h itself if it is not shared, or a fresh copy (with its own children
// retained) otherwise. This is the lazy "shared flag propagates to children" step: only
// the node on the mutation path is copied, and only its direct children have their
// reference counts bumped, not the whole subtree beneath them.
func (t *handleTable[V]) ensureOwned(h handle) handle {
	n := t.get(h)
	if !t.isShared(h) {
		return h
	}
	cp := &node[V]{
		leaf: n.leaf,
		keys: append([]compare.Value(nil), n.keys...),
	}
	if n.leaf {
		cp.values = append([]V(nil), n.values...)
	} else {
		cp.children = append([]handle(nil), n.children...)
		for _, ch := range cp.children {
			t.retain(ch)
		}
	}
	newH := t.alloc(cp)
	t.release(h)
	return newH
}

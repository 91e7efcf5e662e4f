package inner

import (
	"bytes"
	"sort"

	"github.com/pkg/errors"

	"github.com/merlinai-com/quickstep/internal/common"
)

// InsertEntryAfterChild inserts (separator, newChild) into parent,
// which must already be write-locked by the caller's WriteBundle
// (spec §4.5's insert_entry_after_child: a leaf or inner split always
// adds exactly one new separator to its parent). Returns true if
// parent is now full and the caller should split it next.
func InsertEntryAfterChild(parent *Node, separator []byte, newChild ChildRef) bool {
	i := sort.Search(len(parent.entries), func(i int) bool {
		return bytes.Compare(parent.entries[i].separator, separator) >= 0
	})
	parent.entries = append(parent.entries, entry{})
	copy(parent.entries[i+1:], parent.entries[i:])
	parent.entries[i] = entry{separator: append([]byte(nil), separator...), child: newChild}
	return parent.isFull()
}

// SplitInnerNode splits a full node in half by entry count, returning
// the new right sibling and the separator that routes to it (spec
// §4.5's split_inner_node). The caller is responsible for inserting
// the returned separator into node's parent via InsertEntryAfterChild
// (or PromoteInnerRoot if node was the root).
func (t *Tree) SplitInnerNode(node *Node) (right *Node, separator []byte, err error) {
	mid := len(node.entries) / 2
	splitSeparator := node.entries[mid].separator

	right, err = t.newNode(node.level, node.entries[mid].child)
	if err != nil {
		return nil, nil, err
	}
	right.entries = append([]entry(nil), node.entries[mid+1:]...)
	node.entries = node.entries[:mid]

	return right, splitSeparator, nil
}

// PromoteInnerRoot installs a new root one level above the current
// root, with left and right as its two children separated by
// separator (spec §4.5's promote_inner_root). Caller must hold the
// root's write latch for the duration (acquired as part of the
// write-lock bundle that reached the old root).
func (t *Tree) PromoteInnerRoot(left ChildRef, separator []byte, right ChildRef, childLevel int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.nodes) >= t.maxSize {
		return errors.Wrap(common.ErrInsufficientSpace, "inner: inner_node_upper_bound reached promoting root")
	}
	id := t.nextId.Add(1)
	newRoot := &Node{
		id:       id,
		level:    childLevel + 1,
		leftmost: left,
		entries:  []entry{{separator: append([]byte(nil), separator...), child: right}},
	}
	t.nodes[id] = newRoot
	t.root = ChildRef{Kind: ChildInner, Id: id}
	return nil
}

// RemoveEntryForMerge removes the entry in parent whose child is
// doomed (the sibling being absorbed), leaving the survivor reachable
// via the entry's separator boundary (spec §4.5's
// remove_entry_for_merge). Returns true if parent is now underflowing
// and the caller should consider merging parent itself.
func RemoveEntryForMerge(parent *Node, doomed ChildRef) bool {
	for i, e := range parent.entries {
		if e.child == doomed {
			parent.entries = append(parent.entries[:i], parent.entries[i+1:]...)
			return parent.isUnderflowing()
		}
	}
	if parent.leftmost == doomed && len(parent.entries) > 0 {
		parent.leftmost = parent.entries[0].child
		parent.entries = parent.entries[1:]
		return parent.isUnderflowing()
	}
	return false
}

// DemoteRootAfterMerge replaces the root with its sole remaining
// child when the root inner node has been merged down to a single
// entry (spec §4.5's demote_root_after_merge: "replace root with the
// sole remaining inner node, or the leaf itself for a height-1 tree").
// oldRootId's Node entry is left in the nodes map (ids are never
// reused, matching the "reclamation optional in v1" note), but it is
// no longer reachable from Root().
func (t *Tree) DemoteRootAfterMerge(sole ChildRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = sole
}

// ShouldSplit / ShouldMerge expose the node capacity thresholds to
// internal/engine's orchestration loop without exporting the raw
// entries slice.
func ShouldSplit(n *Node) bool { return n.isFull() }
func ShouldMerge(n *Node) bool { return n.isUnderflowing() }
func EntryCount(n *Node) int   { return len(n.entries) }
func NodeId(n *Node) uint64    { return n.id }

// PropagateSplit bubbles a freshly split leaf's pivot up through
// bundle, splitting and promoting ancestors as needed until one
// absorbs the new separator without overflowing (spec §4.5's split
// propagation step 5: "repeat up the bundle until an ancestor has
// room, or the root itself splits"). bundle must already hold every
// ancestor's write latch (internal/engine acquires it via
// AcquireWritePath before attempting the leaf write that triggered the
// split).
func (t *Tree) PropagateSplit(bundle *WriteBundle, leftLeaf ChildRef, separator []byte, rightChild ChildRef) error {
	idx := len(bundle.nodes) - 1
	sep := append([]byte(nil), separator...)
	left, right := leftLeaf, rightChild

	for {
		if idx < 0 {
			level := 0
			if left.Kind == ChildInner {
				if n := t.node(left.Id); n != nil {
					level = n.level
				}
			}
			return t.PromoteInnerRoot(left, sep, right, level)
		}

		parent := bundle.nodes[idx]
		if parent == nil {
			return errors.New("inner: write bundle released out of order during split propagation")
		}
		if !InsertEntryAfterChild(parent, sep, right) {
			return nil
		}

		newRight, newSep, err := t.SplitInnerNode(parent)
		if err != nil {
			return err
		}
		left = ChildRef{Kind: ChildInner, Id: parent.id}
		right = ChildRef{Kind: ChildInner, Id: newRight.id}
		sep = newSep
		idx--
	}
}

// PropagateMerge removes doomed's routing entry from bundle's
// innermost held ancestor, demoting the root if it collapses to a
// single child (spec §4.5's merge propagation). Cascading merges of
// the ancestor itself, should it also underflow, are left to a later
// compaction pass rather than propagated further up in this version —
// see DESIGN.md.
func (t *Tree) PropagateMerge(bundle *WriteBundle, doomed ChildRef) error {
	idx := len(bundle.nodes) - 1
	if idx < 0 {
		return nil // height-1 tree: the leaf itself was the whole root, nothing routes it
	}
	parent := bundle.nodes[idx]
	if parent == nil {
		return errors.New("inner: write bundle released out of order during merge propagation")
	}
	RemoveEntryForMerge(parent, doomed)
	if idx == 0 && len(parent.entries) == 0 {
		t.DemoteRootAfterMerge(parent.leftmost)
	}
	return nil
}

// RightSibling returns the child routed immediately after child in
// parent's separator order, the merge candidate spec §4.5 calls "the
// sibling indicated by the parent".
func RightSibling(parent *Node, child ChildRef) (ChildRef, bool) {
	if parent.leftmost == child {
		if len(parent.entries) == 0 {
			return ChildRef{}, false
		}
		return parent.entries[0].child, true
	}
	for i, e := range parent.entries {
		if e.child == child {
			if i+1 < len(parent.entries) {
				return parent.entries[i+1].child, true
			}
			return ChildRef{}, false
		}
	}
	return ChildRef{}, false
}

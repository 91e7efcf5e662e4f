// Package inner implements the B-link inner tree with optimistic lock
// coupling (OLC) read traversal and write-lock-bundle coupling for
// splits/merges (spec §4.5). Inner nodes are purely an in-memory
// routing index — spec §4.8 recovery rebuilds leaves from the WAL but
// never mentions persisting inner nodes, so this tree is reconstructed
// from scratch at startup by re-inserting every recovered leaf's
// lower fence (see internal/engine's rebuildRouting).
//
// Traversal/split/merge control flow is grounded on the teacher's
// btree.go (findChild/insertAndSplit), split.go, merge.go and node.go;
// the write-lock-bundle mechanics generalize btree/latch.go's
// LatchCoupling (AcquireLatch/ReleaseParent/ReleaseAll) from a single
// global mutex to per-node OLC version counters.
package inner

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/merlinai-com/quickstep/internal/common"
)

// ChildKind tags what a child pointer references.
type ChildKind uint8

const (
	ChildLeaf ChildKind = iota
	ChildInner
)

// ChildRef is the tagged child pointer from spec §3: `LeafChild(PageId)`
// or `InnerChild(inner_node_id)`.
type ChildRef struct {
	Kind ChildKind
	Id   uint64
}

// entry is one sorted (separator_key, child_pointer) pair.
type entry struct {
	separator []byte
	child     ChildRef
}

// Node is one in-memory inner node: a version-locked, sorted array of
// separators plus a leftmost child pointer (spec §4.5/§3).
type Node struct {
	mu      sync.RWMutex
	version atomic.Uint64

	id       uint64
	level    int // leaf children → 1, else parent level + 1
	leftmost ChildRef
	entries  []entry // sorted by separator; entries[i].child is the child for keys >= entries[i].separator
}

// Snapshot returns the node's current version for OLC validation.
func (n *Node) Snapshot() uint64 { return n.version.Load() }

// Validate reports whether the node's version still matches snapshot.
func (n *Node) Validate(snapshot uint64) bool { return n.version.Load() == snapshot }

// Level returns the node's level (1 means its children are leaves).
func (n *Node) Level() int { return n.level }

// findChild returns the child responsible for key: the last entry
// whose separator <= key, or leftmost if key is below all separators
// (mirrors the teacher's findChild/GetChildPageID last-cell-where-
// key>=separator logic).
func (n *Node) findChild(key []byte) ChildRef {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].separator, key) > 0
	})
	if i == 0 {
		return n.leftmost
	}
	return n.entries[i-1].child
}

// rLock / rUnlock / wLock / wUnlock expose the node's latch directly
// to Tree, which coordinates multi-node bundles; Node itself has no
// notion of a "coupling" sequence.
func (n *Node) rLock()   { n.mu.RLock() }
func (n *Node) rUnlock() { n.mu.RUnlock() }
func (n *Node) wLock()   { n.mu.Lock() }
func (n *Node) wUnlock() {
	n.version.Add(1)
	n.mu.Unlock()
}

// maxEntries bounds how many separators a node may hold before a
// split is required, sized so (count+1) child pointers plus separator
// bytes stay within a 4 KiB budget for typical key sizes — mirrored
// loosely on the teacher's MaxCellsPerPage estimate.
const maxEntries = 1 << 8

// isFull reports whether n has no room for one more separator.
func (n *Node) isFull() bool { return len(n.entries) >= maxEntries }

// isUnderflowing reports whether n holds few enough entries to be a
// merge candidate (mirrors the teacher's shouldMerge threshold, scaled
// to maxEntries instead of a fixed disk-page cell count).
func (n *Node) isUnderflowing() bool { return len(n.entries) < maxEntries/4 }

// FindLeafResult is what a read traversal terminates with.
type FindLeafResult struct {
	PageId uint64
}

// Tree owns every in-memory inner Node plus the tree's current root
// reference (which may itself be a leaf, for a height-1 tree). Node
// ids are minted monotonically and capped at inner_node_upper_bound
// (spec §6), matching spec §4's "reclamation on merge is permitted but
// optional in v1" — ids are never reused.
type Tree struct {
	mu sync.RWMutex // guards root and the nodes map's structure, not node contents

	nodes   map[uint64]*Node
	nextId  atomic.Uint64
	root    ChildRef
	maxSize int
}

// NewWithLeafRoot builds a height-1 tree whose root is rootLeafId.
func NewWithLeafRoot(rootLeafId uint64, maxInnerNodes int) *Tree {
	return &Tree{
		nodes:   make(map[uint64]*Node),
		root:    ChildRef{Kind: ChildLeaf, Id: rootLeafId},
		maxSize: maxInnerNodes,
	}
}

func (t *Tree) newNode(level int, leftmost ChildRef) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.nodes) >= t.maxSize {
		return nil, errors.Wrap(common.ErrInsufficientSpace, "inner: inner_node_upper_bound reached")
	}
	id := t.nextId.Add(1)
	n := &Node{id: id, level: level, leftmost: leftmost}
	t.nodes[id] = n
	return n, nil
}

func (t *Tree) node(id uint64) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nodes[id]
}

// Root returns the current root child reference.
func (t *Tree) Root() ChildRef {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// NodeCount returns the number of live inner nodes, for Stats
// reporting (spec §6's NumInnerNodes).
func (t *Tree) NodeCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// spinRetries bounds OLC restarts, mirroring internal/mapping's
// SpinRetries fairness constant (spec §4.4's "version fairness" is
// stated for the mapping table but the same restart policy applies to
// inner-node OLC traversal per §4.5).
const spinRetries = 1 << 12

// FindLeaf performs the read traversal of spec §4.5: snapshot each
// node's version, pick a child, re-read the version to validate, and
// restart from the root on mismatch. Terminates at a leaf PageId.
func (t *Tree) FindLeaf(key []byte) (uint64, error) {
	for attempt := 0; attempt < spinRetries; attempt++ {
		leafId, ok := t.tryFindLeaf(key)
		if ok {
			return leafId, nil
		}
	}
	return 0, common.ErrContention
}

func (t *Tree) tryFindLeaf(key []byte) (uint64, bool) {
	ref := t.Root()
	for {
		if ref.Kind == ChildLeaf {
			return ref.Id, true
		}
		n := t.node(ref.Id)
		if n == nil {
			return 0, false
		}
		snap := n.Snapshot()
		child := n.findChild(key)
		if !n.Validate(snap) {
			return 0, false
		}
		ref = child
	}
}

// WriteBundle is an ordered sequence of write latches covering the
// leaf's ancestor chain, released bottom-up (spec §4.5: "the bundle
// releases latches bottom-up after changes settle"). Unlike the
// teacher's LatchCoupling, which always drops all-but-one ancestor,
// ReleaseParentsAbove drops every member above the first node the caller
// marks safe, matching spec's "lock from the first non-safe ancestor
// down" policy.
type WriteBundle struct {
	nodes []*Node // root-to-leaf order; nodes[len-1] is the innermost locked ancestor
}

// AcquireWritePath takes write latches on every inner-node ancestor of
// the leaf holding key, innermost last. The leaf itself is latched
// separately by the caller via internal/mapping (inner nodes and
// mapping entries use distinct latch mechanisms, matching the spec's
// distinct component boundaries).
func (t *Tree) AcquireWritePath(key []byte) (*WriteBundle, uint64, error) {
	for attempt := 0; attempt < spinRetries; attempt++ {
		b, leafId, ok := t.tryAcquireWritePath(key)
		if ok {
			return b, leafId, nil
		}
	}
	return nil, 0, common.ErrContention
}

func (t *Tree) tryAcquireWritePath(key []byte) (*WriteBundle, uint64, bool) {
	ref := t.Root()
	var bundle WriteBundle
	for {
		if ref.Kind == ChildLeaf {
			return &bundle, ref.Id, true
		}
		n := t.node(ref.Id)
		if n == nil {
			bundle.ReleaseAll()
			return nil, 0, false
		}
		n.wLock()
		bundle.nodes = append(bundle.nodes, n)
		ref = n.findChild(key)
	}
}

// ReleaseParentsAbove releases every ancestor above keepFromIdx
// (0-based, root-to-leaf order), keeping keepFromIdx..end held. Passing
// len(bundle.nodes) releases everything; passing 0 releases nothing.
func (b *WriteBundle) ReleaseParentsAbove(keepFromIdx int) {
	for i := 0; i < keepFromIdx; i++ {
		if b.nodes[i] != nil {
			b.nodes[i].wUnlock()
			b.nodes[i] = nil
		}
	}
}

// ReleaseAll releases every latch still held in the bundle, innermost
// first (mirrors the teacher's ReleaseAll, which releases in reverse
// acquisition order).
func (b *WriteBundle) ReleaseAll() {
	for i := len(b.nodes) - 1; i >= 0; i-- {
		if b.nodes[i] != nil {
			b.nodes[i].wUnlock()
			b.nodes[i] = nil
		}
	}
	b.nodes = nil
}

// Innermost returns the deepest (closest-to-leaf) ancestor still held,
// or nil if the bundle is empty (a height-1 tree with no inner
// ancestors at all).
func (b *WriteBundle) Innermost() *Node {
	for i := len(b.nodes) - 1; i >= 0; i-- {
		if b.nodes[i] != nil {
			return b.nodes[i]
		}
	}
	return nil
}

// Package minipage implements the mini-page buffer: a circular pool of
// variable-sized in-memory leaf images backed by FIFO + second-chance
// eviction and a per-size-class freelist (spec §4.3).
//
// Bookkeeping shape (per-class freelist stacks, fixed-capacity rings)
// is grounded on the teacher's pager.go cache/eviction structure; the
// eviction algorithm itself follows ngina-wtfDB's ClockEvictionPolicy
// (reference-bit sweep) combined with the Evicting/pin-bit handshake
// shown by ryogrid-bltree-go-for-embedding's bufmgr.go.
package minipage

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/merlinai-com/quickstep/internal/common"
	"github.com/merlinai-com/quickstep/internal/leaf"
)

// SizeClasses are the seven mini-page tiers from spec §4.3. The 4096
// tier mirrors a disk leaf byte-for-byte; smaller tiers hold truncated
// leaves (fewer records).
var SizeClasses = [7]int{64, 128, 256, 512, 1024, 2048, 4096}

// ClassFor returns the smallest size class that can hold n bytes of
// leaf page content, or -1 if n exceeds the largest class.
func ClassFor(n int) int {
	for i, s := range SizeClasses {
		if n <= s {
			return i
		}
	}
	return -1
}

// Slot is one mini-page buffer entry: its page image plus the clock
// eviction bookkeeping (reference bit, pin count) and owning PageId.
type Slot struct {
	page     *leaf.Page
	ownerId  uint64
	class    int
	idx      int
	refBit   bool
	pinCount int
	live     bool // false while on the freelist or never allocated
}

// Page returns the slot's underlying leaf page image. Every read marks
// the reference bit (spec §4.3: "every read of a mini-page sets its
// reference bit").
func (s *Slot) Page() *leaf.Page {
	s.refBit = true
	return s.page
}

// OwnerId is the PageId this slot was allocated for; ReleaseToFreelist
// does not reset it.
func (s *Slot) OwnerId() uint64 { return s.ownerId }

// Handle packs this slot's size class and ring index into the opaque
// uint32 the mapping table stores in NodeRef.Slot. internal/engine
// round-trips it through Buffer.Lookup to get back to this same Slot
// without the mapping table needing to know minipage's internals.
func (s *Slot) Handle() uint32 { return uint32(s.class)<<24 | uint32(s.idx) }

// Lookup resolves a handle produced by Slot.Handle back to its live
// Slot, or nil if the handle no longer names a live slot (it was
// evicted or freed since the handle was stored).
func (b *Buffer) Lookup(handle uint32) *Slot {
	class := int(handle >> 24)
	idx := int(handle & 0xFFFFFF)
	if class < 0 || class >= len(b.rings) || idx < 0 || idx >= len(b.rings[class]) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	slot := b.rings[class][idx]
	if slot == nil || !slot.live {
		return nil
	}
	return slot
}

// Buffer keeps one fixed-capacity ring of slots per size class. The
// spec's single mixed-size FIFO ring is modeled as seven independent
// rings because mixed-size eviction across classes has no well-defined
// uniform "next victim" without an arbitrary tie-break rule the spec
// doesn't specify. Each slot's page image is allocated when Alloc hands
// the slot out; there is no shared backing arena.
type Buffer struct {
	mu sync.Mutex

	rings [7][]*Slot // fixed-capacity ring per size class
	head  [7]int     // next eviction candidate per class

	// freelist doubles as the spec's "tail" allocation cursor: a
	// freelist pop is exactly "advance tail within capacity".
	freelist [7][]int

	evictions uint64
}

// New builds a Buffer sized so each class gets an equal byte share of
// cacheBytes (a simple, deterministic partition; skewed workloads are
// an operational tuning concern outside this package's scope).
func New(cacheBytes int64) *Buffer {
	b := &Buffer{}
	perClass := cacheBytes / int64(len(SizeClasses))
	for i, sz := range SizeClasses {
		n := int(perClass / int64(sz))
		if n < 1 {
			n = 1
		}
		b.rings[i] = make([]*Slot, n)
		for j := range b.rings[i] {
			b.freelist[i] = append(b.freelist[i], j)
		}
	}
	return b
}

// Alloc returns a fresh Slot in the given size class from the
// freelist (spec §4.3 step 1). It does not evict on its own: a caller
// that sees ErrBufferFull must run EvictOne (which may call into
// internal/engine's page_op flush before the index is reusable) and
// retry, matching the spec's "invoke eviction; retry" step — eviction
// needs disk/WAL access this package does not have, so it cannot be
// performed transparently inside Alloc.
func (b *Buffer) Alloc(wantBytes int, ownerId uint64) (*Slot, error) {
	class := ClassFor(wantBytes)
	if class < 0 {
		return nil, errors.Wrapf(common.ErrValueTooLarge, "minipage: %d bytes exceeds largest size class", wantBytes)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.freelist[class])
	if n == 0 {
		return nil, errors.Wrap(common.ErrBufferFull, "minipage: size class exhausted, caller must evict and retry")
	}
	idx := b.freelist[class][n-1]
	b.freelist[class] = b.freelist[class][:n-1]
	slot := &Slot{page: leaf.NewEmpty(SizeClasses[class]), ownerId: ownerId, class: class, idx: idx, live: true}
	b.rings[class][idx] = slot
	return slot, nil
}

// EvictOne runs the FIFO + second-chance scan within one size class's
// ring (spec §4.3 "Eviction"), marks the chosen victim's page
// Evicting, and detaches it from the ring — but does not return its
// index to the freelist. The caller must flush the victim (page_op::
// flush_dirty_entries — internal/engine's job, since it alone holds
// the pageio.File and wal.WAL handles), rewrite the mapping table
// entry to NodeRef::DiskLeaf, and then call ReleaseToFreelist.
func (b *Buffer) EvictOne(class int) (*Slot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ring := b.rings[class]
	n := len(ring)
	iterations := 0
	for iterations < 2*n {
		idx := b.head[class]
		slot := ring[idx]
		b.head[class] = (idx + 1) % n
		if slot == nil || slot.pinCount > 0 {
			iterations++
			continue
		}
		if slot.refBit {
			slot.refBit = false
			iterations++
			continue
		}
		slot.page.MarkEvicting()
		ring[idx] = nil
		b.evictions++
		return slot, nil
	}
	return nil, errors.Wrap(common.ErrBufferFull, "minipage: all slots pinned, cannot evict")
}

// ReleaseToFreelist returns an evicted (or merge-dead) slot's index to
// its class's freelist, completing either the eviction protocol
// (after the engine has flushed it) or the merge-deallocation protocol
// (spec §4.3: "return slot to freelist directly... no flush").
func (b *Buffer) ReleaseToFreelist(s *Slot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.live = false
	if b.rings[s.class][s.idx] == s {
		b.rings[s.class][s.idx] = nil
	}
	b.freelist[s.class] = append(b.freelist[s.class], s.idx)
}

// Free is an alias for ReleaseToFreelist used at merge-deallocation
// call sites, kept distinct for readability at the caller.
func (b *Buffer) Free(s *Slot) { b.ReleaseToFreelist(s) }

// Pin / Unpin prevent a slot from being chosen as an eviction victim
// while a writer holds it past the latch-release point (teacher's
// ClockBit pin pattern, via ryogrid-bltree-go-for-embedding/bufmgr.go).
func (b *Buffer) Pin(s *Slot) {
	b.mu.Lock()
	s.pinCount++
	b.mu.Unlock()
}

func (b *Buffer) Unpin(s *Slot) {
	b.mu.Lock()
	if s.pinCount > 0 {
		s.pinCount--
	}
	b.mu.Unlock()
}

// Evictions returns this Buffer's lifetime eviction count.
// common.Stats.EvictionCount comes from internal/engine's own counter,
// not from this method.
func (b *Buffer) Evictions() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evictions
}

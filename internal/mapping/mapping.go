// Package mapping implements the mapping table from spec §4.4: a
// fixed-capacity PageId → NodeRef table where each entry packs a
// reader/writer latch state plus an OLC version counter into a single
// atomic word, grounded on the teacher's btree/latch.go LatchManager/
// PageLatch/LatchCoupling shape. The reader/writer fairness protocol
// itself (spin-CAS, with a write-pending bit that holds off new
// readers while a writer waits for existing readers to drain) is
// grounded on
// hmarui66-blink-tree-go/latchmgr.go's BLTRWLock.
package mapping

import (
	"runtime"
	"sync/atomic"

	"github.com/merlinai-com/quickstep/internal/common"
)

// SpinRetries is the OLC fairness bound (spec §4.4): after this many
// failed spin or CAS attempts, ReadLock and WriteLock give up with
// ErrContention rather than spinning forever; internal/engine returns
// that error to its own caller.
const SpinRetries = 1 << 12 // 4096

// word layout: version:48 | readers:14 | writeHeld:1 | writePending:1
const (
	bitsVersion = 48
	bitsReaders = 14

	shiftWritePending = 0
	shiftWriteHeld    = 1
	shiftReaders      = 2
	shiftVersion      = 2 + bitsReaders

	maskWritePending uint64 = 1 << shiftWritePending
	maskWriteHeld    uint64 = 1 << shiftWriteHeld
	maskReaders      uint64 = ((1 << bitsReaders) - 1) << shiftReaders
	maskVersion      uint64 = ((1 << bitsVersion) - 1) << shiftVersion
)

func readers(w uint64) uint64 { return (w & maskReaders) >> shiftReaders }
func writeHeld(w uint64) bool { return w&maskWriteHeld != 0 }
func writePending(w uint64) bool { return w&maskWritePending != 0 }
func version(w uint64) uint64 { return (w & maskVersion) >> shiftVersion }

func withReaders(w uint64, n uint64) uint64 {
	return (w &^ maskReaders) | ((n << shiftReaders) & maskReaders)
}
func withWriteHeld(w uint64, v bool) uint64 {
	if v {
		return w | maskWriteHeld
	}
	return w &^ maskWriteHeld
}
func withWritePending(w uint64, v bool) uint64 {
	if v {
		return w | maskWritePending
	}
	return w &^ maskWritePending
}
func bumpVersion(w uint64) uint64 {
	v := (version(w) + 1) & ((1 << bitsVersion) - 1)
	return (w &^ maskVersion) | (v << shiftVersion)
}

// RefKind tags what an Entry's NodeRef currently points to.
type RefKind uint8

const (
	RefEmpty RefKind = iota
	RefMiniPage
	RefDiskLeaf
)

// NodeRef is the tagged union stored per mapping entry (spec §3/§4.4).
type NodeRef struct {
	Kind     RefKind
	Slot     uint32 // valid when Kind == RefMiniPage: an opaque minipage slot handle
	DiskAddr uint64 // valid when Kind == RefMiniPage or RefDiskLeaf
}

// Entry is one mapping table slot: the packed latch word plus the
// NodeRef it protects.
type Entry struct {
	word atomic.Uint64
	ref  NodeRef // guarded by the write latch; read only while a read/write guard is held
}

// ReadGuard is proof the caller holds (or has released, for a validated
// optimistic read) a reader's view of an Entry, plus the version it
// observed for later validation.
type ReadGuard struct {
	e       *Entry
	version uint64
	held    bool
}

// WriteGuard is proof the caller holds the exclusive write latch.
type WriteGuard struct {
	e *Entry
}

// Table is the fixed-capacity PageId → Entry mapping (spec §4.4).
// PageId indexes directly into entries; entries is pre-sized to
// leaf_upper_bound at construction and never grows, matching the
// spec's "capacity configured up-front".
type Table struct {
	entries []Entry
}

// New allocates a Table with room for capacity PageIds.
func New(capacity int) *Table {
	return &Table{entries: make([]Entry, capacity)}
}

func (t *Table) entry(pageId uint64) (*Entry, error) {
	if pageId >= uint64(len(t.entries)) {
		return nil, common.ErrKeyNotFound
	}
	return &t.entries[pageId], nil
}

// HasEntry reports whether pageId has ever been initialized (NodeRef
// not Empty), used by recovery to avoid touching uninitialized slots.
func (t *Table) HasEntry(pageId uint64) bool {
	e, err := t.entry(pageId)
	if err != nil {
		return false
	}
	w := e.word.Load()
	return readers(w) > 0 || writeHeld(w) || e.ref.Kind != RefEmpty
}

// ReadLock spins while write_held || write_pending, then CAS-increments
// the reader count and snapshots the version (spec §4.4). Returns
// ErrContention if SpinRetries is exceeded, signaling the caller to
// restart its whole operation from the root.
func (t *Table) ReadLock(pageId uint64) (*ReadGuard, error) {
	e, err := t.entry(pageId)
	if err != nil {
		return nil, err
	}
	for attempt := 0; ; attempt++ {
		w := e.word.Load()
		if writeHeld(w) || writePending(w) {
			if attempt >= SpinRetries {
				return nil, common.ErrContention
			}
			runtime.Gosched()
			continue
		}
		next := withReaders(w, readers(w)+1)
		if e.word.CompareAndSwap(w, next) {
			return &ReadGuard{e: e, version: version(w), held: true}, nil
		}
		if attempt >= SpinRetries {
			return nil, common.ErrContention
		}
	}
}

// Unlock releases a held read guard's reader count.
func (g *ReadGuard) Unlock() {
	if !g.held {
		return
	}
	for {
		w := g.e.word.Load()
		next := withReaders(w, readers(w)-1)
		if g.e.word.CompareAndSwap(w, next) {
			g.held = false
			return
		}
	}
}

// Validate reports whether the entry's version still matches the
// snapshot this guard took at ReadLock time — the OLC validation step
// after an optimistic traversal hop. A false result means the caller
// must restart.
func (g *ReadGuard) Validate() bool {
	return version(g.e.word.Load()) == g.version
}

// Ref returns the NodeRef this guard protects. Callers must have a
// live (or just-validated) guard before calling this.
func (g *ReadGuard) Ref() NodeRef { return g.e.ref }

// WriteLock sets write_pending, waits for readers to drain, then
// CAS-commits write_held and clears write_pending (spec §4.4).
func (t *Table) WriteLock(pageId uint64) (*WriteGuard, error) {
	e, err := t.entry(pageId)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		w := e.word.Load()
		if writeHeld(w) || writePending(w) {
			if attempt >= SpinRetries {
				return nil, common.ErrContention
			}
			runtime.Gosched()
			continue
		}
		next := withWritePending(w, true)
		if e.word.CompareAndSwap(w, next) {
			break
		}
		if attempt >= SpinRetries {
			return nil, common.ErrContention
		}
	}

	for attempt := 0; ; attempt++ {
		w := e.word.Load()
		if readers(w) > 0 {
			if attempt >= SpinRetries {
				// Back out write_pending so we don't wedge the entry forever.
				for {
					cur := e.word.Load()
					if e.word.CompareAndSwap(cur, withWritePending(cur, false)) {
						break
					}
				}
				return nil, common.ErrContention
			}
			runtime.Gosched()
			continue
		}
		next := withWriteHeld(w, true)
		next = withWritePending(next, false)
		if e.word.CompareAndSwap(w, next) {
			return &WriteGuard{e: e}, nil
		}
	}
}

// Unlock releases a write guard, bumping the version so any
// optimistic readers mid-traversal observe the change and restart.
func (g *WriteGuard) Unlock() {
	for {
		w := g.e.word.Load()
		next := withWriteHeld(w, false)
		next = bumpVersion(next)
		if g.e.word.CompareAndSwap(w, next) {
			return
		}
	}
}

// Ref returns the current NodeRef under a held write latch.
func (g *WriteGuard) Ref() NodeRef { return g.e.ref }

// SetMiniPage / SetLeaf / SetEmpty mutate the NodeRef atomically under
// the write latch (spec §4.4).
func (g *WriteGuard) SetMiniPage(slot uint32, diskAddr uint64) {
	g.e.ref = NodeRef{Kind: RefMiniPage, Slot: slot, DiskAddr: diskAddr}
}

func (g *WriteGuard) SetLeaf(diskAddr uint64) {
	g.e.ref = NodeRef{Kind: RefDiskLeaf, DiskAddr: diskAddr}
}

func (g *WriteGuard) SetEmpty() {
	g.e.ref = NodeRef{Kind: RefEmpty}
}

// TryUpgrade attempts to upgrade a held read guard to a write guard in
// place: succeeds only if this is the sole reader and no write is
// pending (spec §4.4). On failure the read guard is left untouched and
// the caller should release it and retry via WriteLock.
func (t *Table) TryUpgrade(g *ReadGuard) (*WriteGuard, bool) {
	if !g.held {
		return nil, false
	}
	w := g.e.word.Load()
	if readers(w) != 1 || writePending(w) {
		return nil, false
	}
	next := withReaders(w, 0)
	next = withWriteHeld(next, true)
	if !g.e.word.CompareAndSwap(w, next) {
		return nil, false
	}
	g.held = false
	return &WriteGuard{e: g.e}, true
}

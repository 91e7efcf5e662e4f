// Package leaf implements the prefix-compressed, fence-bounded 4 KiB
// leaf page format shared by the on-disk tier and the mini-page tier
// (spec §4.2). A Page is a plain in-memory byte image; callers in
// internal/engine decide when it is backed by disk, by a mini-page
// slot, or by neither yet.
package leaf

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"

	"github.com/merlinai-com/quickstep/internal/common"
)

// PageSize is the fixed leaf page size, matching internal/pageio.
const PageSize = 4096

// CoreHeaderSize is the fixed header spec §3 describes: version lock,
// record count, allocation cursor, flags, plus this implementation's
// prefix-blob pointer (the prefix itself lives in the heap like any
// other variable-length value, so only its offset/length need a home
// in the fixed header).
const CoreHeaderSize = 16

// identitySize holds the header's "owning PageId, disk address" pair
// (spec §3), kept as a distinct fixed block right after the core
// header so CoreHeaderSize can stay true to the spec's 16-byte figure.
const identitySize = 16

// HeaderSize is the total fixed-size region preceding the slot
// directory.
const HeaderSize = CoreHeaderSize + identitySize

// Core header byte offsets.
const (
	offVersion      = 0  // uint32
	offCount        = 4  // uint16
	offAllocPtr     = 6  // uint16
	offFlags        = 8  // uint8
	offPrefixOffset = 10 // uint16
	offPrefixLen    = 12 // uint16
)

// Identity block offsets, immediately following the core header.
const (
	offOwnerPageId = CoreHeaderSize + 0 // uint64
	offDiskAddr    = CoreHeaderSize + 8 // uint64
)

// Flag bits within the header's flags byte.
const (
	flagDirty            = 1 << 0
	flagEvicting         = 1 << 1
	flagInFlight         = 1 << 2
	flagTombstonePresent = 1 << 3
)

// RecordType tags a slot's payload kind. Only Insert and Tombstone
// carry user data; Phantom and Cache are reserved slot kinds from
// spec §9's Open Question, decoded for forward compatibility but never
// produced by this package.
type RecordType byte

const (
	RecordInsert RecordType = iota
	RecordTombstone
	RecordPhantom // reserved, never written
	RecordCache   // reserved, never written
)

// kvMetaSize is the fixed 8-byte packed slot directory entry.
const kvMetaSize = 8

// KVMetaSize is kvMetaSize, exported for callers outside this package
// that need to size capacity checks against it (internal/engine's
// maxValueSize).
const KVMetaSize = kvMetaSize

// kvMeta is the packed {key_offset, key_size, val_offset, val_size,
// record_type} directory slot (spec §3). The four offset/size fields
// and the record type share two 32-bit words as 12/12/4/4-bit and
// 12/12/8-bit bitfields rather than four uint16s plus a byte: a 12-bit
// field covers every offset and length that can occur in a PageSize
// (4096-byte) page, and packing this way leaves val_size with headroom
// for values far larger than a single byte, instead of the 1-byte
// field a naive four-uint16-ish layout would need to shrink to in
// order to fit 8 bytes.
type kvMeta struct {
	keyOffset uint16
	keySize   uint16
	valOffset uint16
	valSize   uint16
	recType   RecordType
}

// offsetBits is the width of each offset/size bitfield; 12 bits covers
// offsets and lengths up to 4095, comfortably spanning PageSize.
const offsetBits = 12
const offsetMask = (1 << offsetBits) - 1

func decodeKVMeta(b []byte) kvMeta {
	w0 := binary.BigEndian.Uint32(b[0:4])
	w1 := binary.BigEndian.Uint32(b[4:8])
	return kvMeta{
		keyOffset: uint16((w0 >> 20) & offsetMask),
		keySize:   uint16((w0 >> 8) & offsetMask),
		recType:   RecordType((w0 >> 4) & 0xF),
		valOffset: uint16((w1 >> 20) & offsetMask),
		valSize:   uint16((w1 >> 8) & offsetMask),
	}
}

func (m kvMeta) encode(b []byte) {
	w0 := uint32(m.keyOffset&offsetMask)<<20 | uint32(m.keySize&offsetMask)<<8 | uint32(m.recType&0xF)<<4
	w1 := uint32(m.valOffset&offsetMask)<<20 | uint32(m.valSize&offsetMask)<<8
	binary.BigEndian.PutUint32(b[0:4], w0)
	binary.BigEndian.PutUint32(b[4:8], w1)
}

// Page is a leaf page image: fixed header, a slot directory that grows
// upward from HeaderSize, and a heap of key/value bytes (plus the
// shared prefix blob) growing downward from PageSize. Directory index
// 0 is the lower (inclusive) fence, index count-1 is the upper
// (exclusive) fence; user entries live at indices [1, count-2], sorted
// by full key. Fences are never returned from Get/IterUserEntries.
//
// Keys stored in user-entry slots hold only the suffix past the
// page's shared prefix (the longest common byte prefix of the two
// fences). Fence slots themselves store their full, uncompressed
// bytes, since fences are what the prefix is computed from.
//
// Page's backing buffer is sized at construction time rather than
// fixed at PageSize: the on-disk/4 KiB tier and the six smaller
// mini-page size classes (spec §4.3, `{64,128,256,512,1024,2048,4096}`)
// share this exact format, just with less heap room to work with.
type Page struct {
	buf []byte
}

// NewEmpty returns a zeroed page of the given size (one of the mini-page
// size classes, or PageSize for the on-disk tier) with no fences
// installed yet. Callers must call ResetUserEntriesWithFences before
// any Get/TryPut.
func NewEmpty(size int) *Page {
	p := &Page{buf: make([]byte, size)}
	p.setAllocPtr(size)
	return p
}

// Bytes exposes the raw page image, e.g. for pageio.WritePage.
func (p *Page) Bytes() []byte { return p.buf }

// Size returns this page's total byte size (its size class).
func (p *Page) Size() int { return len(p.buf) }

// FromBytes wraps an existing page image (e.g. freshly read from disk
// or a mini-page slot) of any valid size class.
func FromBytes(b []byte) (*Page, error) {
	if len(b) < HeaderSize+2*kvMetaSize {
		return nil, errors.Errorf("leaf: page image too small: %d bytes", len(b))
	}
	p := &Page{buf: make([]byte, len(b))}
	copy(p.buf, b)
	return p, nil
}

func (p *Page) Version() uint32     { return binary.BigEndian.Uint32(p.buf[offVersion:]) }
func (p *Page) setVersion(v uint32) { binary.BigEndian.PutUint32(p.buf[offVersion:], v) }

// BumpVersion increments the page header's OLC version field. The
// mapping table keeps its own version counter in its latch word and
// does not call this.
func (p *Page) BumpVersion() { p.setVersion(p.Version() + 1) }

func (p *Page) count() int     { return int(binary.BigEndian.Uint16(p.buf[offCount:])) }
func (p *Page) setCount(c int) { binary.BigEndian.PutUint16(p.buf[offCount:], uint16(c)) }

// Count returns the number of directory slots, including the two
// fence slots (0 if fences are not yet installed).
func (p *Page) Count() int { return p.count() }

func (p *Page) allocPtr() int     { return int(binary.BigEndian.Uint16(p.buf[offAllocPtr:])) }
func (p *Page) setAllocPtr(a int) { binary.BigEndian.PutUint16(p.buf[offAllocPtr:], uint16(a)) }

func (p *Page) flags() byte        { return p.buf[offFlags] }
func (p *Page) setFlag(f byte)     { p.buf[offFlags] |= f }
func (p *Page) clearFlag(f byte)   { p.buf[offFlags] &^= f }
func (p *Page) hasFlag(f byte) bool { return p.flags()&f != 0 }

// Dirty reports whether the page holds unflushed mini-page writes.
func (p *Page) Dirty() bool      { return p.hasFlag(flagDirty) }
func (p *Page) MarkDirty()       { p.setFlag(flagDirty) }
func (p *Page) ClearDirty()      { p.clearFlag(flagDirty) }

// MarkEvicting sets the Evicting header bit, the race-prevention
// handshake with internal/mapping described in spec §4.3: a writer
// that observes this bit must abort and retry after taking the write
// latch.
func (p *Page) MarkEvicting()    { p.setFlag(flagEvicting) }
func (p *Page) ClearEvicting()   { p.clearFlag(flagEvicting) }
func (p *Page) IsEvicting() bool { return p.hasFlag(flagEvicting) }

// HasTombstones reports whether a Tombstone has been written to this
// page since its entries were last reset. The flush path decides on
// Dirty alone and does not consult it.
func (p *Page) HasTombstones() bool { return p.hasFlag(flagTombstonePresent) }

// OwnerPageId / DiskAddr are the header's identity fields.
func (p *Page) OwnerPageId() uint64 { return binary.BigEndian.Uint64(p.buf[offOwnerPageId:]) }
func (p *Page) DiskAddr() uint64    { return binary.BigEndian.Uint64(p.buf[offDiskAddr:]) }

// SetIdentity rewrites the header's owning PageId and disk address,
// used after a split so the right leaf retains its own identity even
// though its body was cloned from the left (spec §4.2).
func (p *Page) SetIdentity(ownerPageId, diskAddr uint64) {
	binary.BigEndian.PutUint64(p.buf[offOwnerPageId:], ownerPageId)
	binary.BigEndian.PutUint64(p.buf[offDiskAddr:], diskAddr)
}

func (p *Page) directorySlot(i int) []byte {
	off := HeaderSize + i*kvMetaSize
	return p.buf[off : off+kvMetaSize]
}

func (p *Page) slotAt(i int) kvMeta { return decodeKVMeta(p.directorySlot(i)) }

func (p *Page) setSlotAt(i int, m kvMeta) { m.encode(p.directorySlot(i)) }

func (p *Page) keyBytes(m kvMeta) []byte {
	return p.buf[m.keyOffset : m.keyOffset+m.keySize]
}

func (p *Page) valBytes(m kvMeta) []byte {
	return p.buf[m.valOffset : m.valOffset+m.valSize]
}

// directoryEnd is the first byte past the last directory slot.
func (p *Page) directoryEnd() int { return HeaderSize + p.count()*kvMetaSize }

// Prefix returns the page's shared key prefix (the longest common byte
// prefix of its two fences), or nil if fences are not installed.
func (p *Page) Prefix() []byte {
	if p.count() == 0 {
		return nil
	}
	off := binary.BigEndian.Uint16(p.buf[offPrefixOffset:])
	n := binary.BigEndian.Uint16(p.buf[offPrefixLen:])
	if n == 0 {
		return nil
	}
	return p.buf[off : off+n]
}

// LowerFence returns the full (prefix-reattached) inclusive lower
// fence, or nil if fences have not been installed.
func (p *Page) LowerFence() []byte {
	if p.count() == 0 {
		return nil
	}
	return p.fullKey(p.slotAt(0))
}

// UpperFence returns the full (prefix-reattached) exclusive upper
// fence, or nil if fences have not been installed.
func (p *Page) UpperFence() []byte {
	if p.count() == 0 {
		return nil
	}
	return p.fullKey(p.slotAt(p.count() - 1))
}

func (p *Page) fullKey(m kvMeta) []byte {
	prefix := p.Prefix()
	suffix := p.keyBytes(m)
	out := make([]byte, 0, len(prefix)+len(suffix))
	out = append(out, prefix...)
	out = append(out, suffix...)
	return out
}

func commonPrefix(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

// alloc carves n bytes off the top of the heap (growing it downward)
// and returns the offset of the allocated region, or -1 if there is
// not enough free space between the directory and the heap.
func (p *Page) alloc(n int) int {
	newPtr := p.allocPtr() - n
	if newPtr < p.directoryEnd()+kvMetaSize { // leave room for the slot being inserted
		return -1
	}
	p.setAllocPtr(newPtr)
	return newPtr
}

// freeBytes reports how many unused bytes remain between the directory
// and the heap.
func (p *Page) freeBytes() int {
	return p.allocPtr() - p.directoryEnd()
}

// ResetUserEntriesWithFences drops all non-fence slots, installs the
// two fence entries, and recomputes the common prefix (spec §4.2).
// Both fences are stored in full (uncompressed) since the prefix is
// derived from them.
func (p *Page) ResetUserEntriesWithFences(lower, upper []byte) error {
	p.setCount(0)
	p.setAllocPtr(p.Size())

	prefix := commonPrefix(lower, upper)
	prefOff := p.alloc(len(prefix))
	if prefOff < 0 {
		return errors.Wrap(common.ErrInsufficientSpace, "leaf: no room for prefix blob")
	}
	copy(p.buf[prefOff:], prefix)
	binary.BigEndian.PutUint16(p.buf[offPrefixOffset:], uint16(prefOff))
	binary.BigEndian.PutUint16(p.buf[offPrefixLen:], uint16(len(prefix)))

	lowerSuffix := lower[len(prefix):]
	upperSuffix := upper[len(prefix):]

	lowOff := p.alloc(len(lowerSuffix))
	if lowOff < 0 {
		return errors.Wrap(common.ErrInsufficientSpace, "leaf: no room for lower fence")
	}
	copy(p.buf[lowOff:], lowerSuffix)

	upOff := p.alloc(len(upperSuffix))
	if upOff < 0 {
		return errors.Wrap(common.ErrInsufficientSpace, "leaf: no room for upper fence")
	}
	copy(p.buf[upOff:], upperSuffix)

	p.setCount(2)
	p.setSlotAt(0, kvMeta{keyOffset: uint16(lowOff), keySize: uint16(len(lowerSuffix)), recType: RecordInsert})
	p.setSlotAt(1, kvMeta{keyOffset: uint16(upOff), keySize: uint16(len(upperSuffix)), recType: RecordInsert})
	p.clearFlag(flagTombstonePresent)
	p.MarkDirty()
	return nil
}

// userKeyAt returns the full key for user-entry directory index i
// (i in [1, count-2]).
func (p *Page) userKeyAt(i int) []byte { return p.fullKey(p.slotAt(i)) }

// searchUser binary-searches the user-entry range [1, count-2] for
// key, per spec §4.2's binary search contract. Returns the directory
// index and true on an exact match, or the insertion point (the first
// user index whose key is >= key) and false otherwise.
func (p *Page) searchUser(key []byte) (idx int, found bool) {
	lo, hi := 1, p.count()-1 // hi exclusive, i.e. search [1, count-2]
	i := sort.Search(hi-lo, func(i int) bool {
		return bytesCompare(p.userKeyAt(lo+i), key) >= 0
	})
	pos := lo + i
	if pos < hi && bytesCompare(p.userKeyAt(pos), key) == 0 {
		return pos, true
	}
	return pos, false
}

func bytesCompare(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// Get returns the value for key, or ErrKeyNotFound if absent or
// tombstoned. Fence slots are never matched.
func (p *Page) Get(key []byte) ([]byte, error) {
	if p.count() < 2 {
		return nil, common.ErrKeyNotFound
	}
	idx, found := p.searchUser(key)
	if !found {
		return nil, common.ErrKeyNotFound
	}
	m := p.slotAt(idx)
	if m.recType == RecordTombstone {
		return nil, common.ErrKeyNotFound
	}
	out := make([]byte, len(p.valBytes(m)))
	copy(out, p.valBytes(m))
	return out, nil
}

// Contains reports whether key falls within [lower, upper), without
// regard to whether it currently has a live entry.
func (p *Page) Contains(key []byte) bool {
	if p.count() < 2 {
		return false
	}
	return bytesCompare(key, p.LowerFence()) >= 0 && bytesCompare(key, p.UpperFence()) < 0
}

// TryPut inserts or overwrites key with value as RecordInsert, or
// rewrites an existing slot's type if rt is RecordTombstone (a
// tombstoning put). Ties break by replacing the existing entry in
// place when possible, and reports ErrInsufficientSpace if the page
// cannot fit the new entry; the caller (internal/engine) reacts by
// growing the mini-page to a larger size class or splitting.
func (p *Page) TryPut(key, value []byte, rt RecordType) error {
	if p.count() < 2 {
		return errors.New("leaf: TryPut before fences installed")
	}
	prefix := p.Prefix()
	if !hasPrefix(key, prefix) {
		return errors.New("leaf: key does not share the page's fence prefix")
	}
	suffix := key[len(prefix):]

	idx, found := p.searchUser(key)
	if found {
		return p.rewriteSlot(idx, suffix, value, rt)
	}
	return p.insertSlot(idx, suffix, value, rt)
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	return bytesCompare(key[:len(prefix)], prefix) == 0
}

// rewriteSlot updates an existing slot in place when the new value
// fits in the old value's heap footprint, otherwise it allocates fresh
// heap space (the old bytes become reclaimed dead space, amortized
// away at the next flush/compaction via ResetUserEntriesWithFences).
func (p *Page) rewriteSlot(idx int, suffix, value []byte, rt RecordType) error {
	old := p.slotAt(idx)
	if len(value) <= int(old.valSize) && len(suffix) == int(old.keySize) {
		copy(p.keyBytes(old), suffix)
		copy(p.buf[old.valOffset:old.valOffset+uint16(len(value))], value)
		old.valSize = uint16(len(value))
		old.recType = rt
		p.setSlotAt(idx, old)
		if rt == RecordTombstone {
			p.setFlag(flagTombstonePresent)
		}
		p.MarkDirty()
		return nil
	}
	keyOff := p.alloc(len(suffix))
	if keyOff < 0 {
		return errors.Wrap(common.ErrInsufficientSpace, "leaf: rewriteSlot key")
	}
	valOff := p.alloc(len(value))
	if valOff < 0 {
		return errors.Wrap(common.ErrInsufficientSpace, "leaf: rewriteSlot value")
	}
	copy(p.buf[keyOff:], suffix)
	copy(p.buf[valOff:], value)
	p.setSlotAt(idx, kvMeta{
		keyOffset: uint16(keyOff), keySize: uint16(len(suffix)),
		valOffset: uint16(valOff), valSize: uint16(len(value)), recType: rt,
	})
	if rt == RecordTombstone {
		p.setFlag(flagTombstonePresent)
	}
	p.MarkDirty()
	return nil
}

func (p *Page) insertSlot(at int, suffix, value []byte, rt RecordType) error {
	if p.freeBytes() < kvMetaSize {
		return errors.Wrap(common.ErrInsufficientSpace, "leaf: no room for new directory slot")
	}
	keyOff := p.alloc(len(suffix))
	if keyOff < 0 {
		return errors.Wrap(common.ErrInsufficientSpace, "leaf: insertSlot key")
	}
	valOff := p.alloc(len(value))
	if valOff < 0 {
		return errors.Wrap(common.ErrInsufficientSpace, "leaf: insertSlot value")
	}
	copy(p.buf[keyOff:], suffix)
	copy(p.buf[valOff:], value)

	// Shift directory slots [at, count) up by one to make room at `at`.
	n := p.count()
	for i := n; i > at; i-- {
		p.setSlotAt(i, p.slotAt(i-1))
	}
	p.setSlotAt(at, kvMeta{
		keyOffset: uint16(keyOff), keySize: uint16(len(suffix)),
		valOffset: uint16(valOff), valSize: uint16(len(value)), recType: rt,
	})
	p.setCount(n + 1)
	if rt == RecordTombstone {
		p.setFlag(flagTombstonePresent)
	}
	p.MarkDirty()
	return nil
}

// MarkTombstone locates key and rewrites its record type to Tombstone,
// marking the leaf dirty. Returns ErrKeyNotFound if key has no live
// entry.
func (p *Page) MarkTombstone(key []byte) error {
	if p.count() < 2 {
		return common.ErrKeyNotFound
	}
	prefix := p.Prefix()
	if !hasPrefix(key, prefix) {
		return common.ErrKeyNotFound
	}
	idx, found := p.searchUser(key)
	if !found {
		return common.ErrKeyNotFound
	}
	m := p.slotAt(idx)
	if m.recType == RecordTombstone {
		return common.ErrKeyNotFound
	}
	m.recType = RecordTombstone
	m.valSize = 0
	p.setSlotAt(idx, m)
	p.setFlag(flagTombstonePresent)
	p.MarkDirty()
	return nil
}

// Entry is one (key, value, record type) triple as yielded by
// IterUserEntries and consumed by ReplayEntries.
type Entry struct {
	Key   []byte
	Value []byte
	Type  RecordType
}

// IterUserEntries yields every user-entry slot (including tombstones)
// in sorted-key order, fences excluded.
func (p *Page) IterUserEntries() []Entry {
	n := p.count()
	if n < 2 {
		return nil
	}
	out := make([]Entry, 0, n-2)
	for i := 1; i < n-1; i++ {
		m := p.slotAt(i)
		e := Entry{Key: p.fullKey(m), Type: m.recType}
		if m.recType != RecordTombstone {
			e.Value = append([]byte{}, p.valBytes(m)...)
		}
		out = append(out, e)
	}
	return out
}

// ReplayEntries repeatedly TryPuts each entry in order; the caller
// supplies keys already within the current fences (spec §4.2). Used by
// both promotion (loading a disk leaf's body) and WAL group replay.
func (p *Page) ReplayEntries(entries []Entry) error {
	for _, e := range entries {
		if err := p.TryPut(e.Key, e.Value, e.Type); err != nil {
			return err
		}
	}
	return nil
}

// LiveByteCount estimates the page's live (non-tombstone) payload
// size, used by the merge-threshold check in internal/engine.
func (p *Page) LiveByteCount() int {
	total := 0
	for _, e := range p.IterUserEntries() {
		if e.Type == RecordTombstone {
			continue
		}
		total += len(e.Key) + len(e.Value) + kvMetaSize
	}
	return total
}

// RequiredBytes estimates the smallest page size that could hold lower,
// upper and entries via ResetUserEntriesWithFences+ReplayEntries: the
// fixed header, the two fence directory slots, the shared prefix blob,
// and each entry's own directory slot plus key suffix and value bytes.
// internal/engine uses this to pick the tightest mini-page size class
// that fits a leaf's live content, instead of always reaching for the
// largest class (spec §4.3's seven size classes).
func RequiredBytes(lower, upper []byte, entries []Entry) int {
	prefix := commonPrefix(lower, upper)
	total := HeaderSize + 2*kvMetaSize
	total += len(prefix) // the shared prefix blob itself, allocated once
	total += len(lower) - len(prefix)
	total += len(upper) - len(prefix)
	for _, e := range entries {
		total += kvMetaSize
		total += len(e.Key) - len(prefix)
		total += len(e.Value)
	}
	return total
}

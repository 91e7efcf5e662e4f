package engine

import (
	"github.com/pkg/errors"

	"github.com/merlinai-com/quickstep/internal/common"
	"github.com/merlinai-com/quickstep/internal/inner"
	"github.com/merlinai-com/quickstep/internal/leaf"
	"github.com/merlinai-com/quickstep/internal/mapping"
	"github.com/merlinai-com/quickstep/internal/minipage"
)

// Put writes key/value under txnId, splitting leaves (and, as needed,
// their inner-node ancestors) until the write fits. This is
// try_put_with_promotion's bounded retry loop (spec §4.5): a split
// changes which leaf now owns key, so the whole traversal restarts
// from the root rather than retrying in place.
func (e *Engine) Put(txnId uint64, key, value []byte) error {
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}
	if len(value) > maxValueSize {
		return errors.Wrapf(common.ErrValueTooLarge, "engine: value is %d bytes, max is %d", len(value), maxValueSize)
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		done, err := e.tryPutOnce(txnId, key, value)
		if err != nil {
			return err
		}
		if done {
			e.stats.numKeys.Add(1)
			return nil
		}
	}
	return errors.Wrap(common.ErrContention, "engine: Put exhausted its split-retry budget")
}

func (e *Engine) tryPutOnce(txnId uint64, key, value []byte) (bool, error) {
	bundle, leafId, err := e.tree.AcquireWritePath(key)
	if err != nil {
		return false, err
	}
	defer bundle.ReleaseAll()

	wg, err := e.mt.WriteLock(leafId)
	if err != nil {
		return false, err
	}
	defer wg.Unlock()

	slot, diskAddr, err := e.resolveForWrite(wg, leafId)
	if err != nil {
		return false, err
	}

	page := slot.Page()
	putErr := page.TryPut(key, value, leaf.RecordInsert)
	if putErr == nil {
		if err := e.wal.AppendPut(txnId, leafId, page.LowerFence(), page.UpperFence(), key, value); err != nil {
			return false, err
		}
		e.stats.writeCount.Add(1)
		e.stats.userBytesWritten.Add(int64(len(key) + len(value)))
		e.stats.diskBytesWritten.Add(int64(len(key) + len(value)))
		e.maybeCheckpoint(leafId, slot, diskAddr)
		return true, nil
	}
	if !errors.Is(putErr, common.ErrInsufficientSpace) {
		return false, putErr
	}

	// Before splitting the leaf in two, try growing its mini-page to the
	// next size class up (spec §4.3's tiering): a leaf promoted or
	// previously grown to a small class should fill that class before
	// a real B-tree split is warranted.
	grown, err := e.growMiniPage(wg, leafId, slot, diskAddr)
	if err != nil {
		return false, err
	}
	if grown {
		return false, nil // bigger slot now in place; retry from the top
	}

	if err := e.splitLeaf(bundle, leafId, slot, diskAddr); err != nil {
		return false, err
	}
	return false, nil // key now belongs to the left or right half; retry from the top
}

// growMiniPage migrates leafId's mini-page up to the next larger size
// class and installs it in place of slot, leaving the actual retry to
// the caller (resolveForWrite must re-resolve the mapping entry, which
// SetMiniPage has just changed). Returns grown=false once slot is
// already at the largest class, telling the caller to fall back to an
// actual leaf split instead.
func (e *Engine) growMiniPage(wg *mapping.WriteGuard, leafId uint64, slot *minipage.Slot, diskAddr uint64) (bool, error) {
	src := slot.Page()
	class := minipage.ClassFor(src.Size())
	if class >= len(minipage.SizeClasses)-1 {
		return false, nil
	}

	bigger, err := e.allocMiniPage(minipage.SizeClasses[class+1], leafId)
	if err != nil {
		return false, err
	}
	dst := bigger.Page()
	if err := dst.ResetUserEntriesWithFences(src.LowerFence(), src.UpperFence()); err != nil {
		return false, err
	}
	if err := dst.ReplayEntries(src.IterUserEntries()); err != nil {
		return false, err
	}
	dst.SetIdentity(leafId, diskAddr)
	if src.Dirty() {
		dst.MarkDirty()
	}

	wg.SetMiniPage(bigger.Handle(), diskAddr)
	e.mp.Free(slot)
	e.stats.growCount.Add(1)
	return true, nil
}

// splitLeaf implements spec §4.5's split propagation: partition the
// full leaf's entries at the median, give the right half a fresh
// logical PageId, mini-page and disk page, and bubble the pivot
// separator up through the held write-lock bundle. splitLeaf only runs
// once growMiniPage has already grown the leaf to the largest size
// class and it still overflows, so both halves are checked against
// leaf.PageSize rather than left's own (already-maximal) size. If the
// median split still leaves either half unable to fit its own content
// (a handful of oversized entries clustered on one side of the
// median), the pivot is shifted by one slot at a time, alternating
// sides of the median, per spec §4.5's tie-break, before giving up.
func (e *Engine) splitLeaf(bundle *inner.WriteBundle, leftLeafId uint64, slot *minipage.Slot, leftDiskAddr uint64) error {
	left := slot.Page()
	entries := left.IterUserEntries()
	if len(entries) < 2 {
		return errors.Wrap(common.ErrInsufficientSpace, "engine: leaf overflowed with fewer than two entries, cannot split")
	}
	lower, upper := left.LowerFence(), left.UpperFence()

	mid, leftEntries, rightEntries, err := choosePivot(leaf.PageSize, lower, upper, entries)
	if err != nil {
		return err
	}
	pivot := entries[mid].Key

	newLeafId := e.allocPageId()

	newDiskAddr, err := e.pf.Allocate()
	if err != nil {
		return err
	}
	rightWant := leaf.RequiredBytes(pivot, upper, rightEntries)
	rightSlot, err := e.allocMiniPage(rightWant, newLeafId)
	if err != nil {
		return err
	}
	right := rightSlot.Page()

	if err := right.ResetUserEntriesWithFences(pivot, upper); err != nil {
		return err
	}
	if err := right.ReplayEntries(rightEntries); err != nil {
		return err
	}
	right.SetIdentity(newLeafId, uint64(newDiskAddr))

	if err := left.ResetUserEntriesWithFences(lower, pivot); err != nil {
		return err
	}
	if err := left.ReplayEntries(leftEntries); err != nil {
		return err
	}
	left.SetIdentity(leftLeafId, leftDiskAddr)

	// Persist the new right leaf's disk image immediately: it has no
	// WAL group of its own yet, so without this write a crash right
	// after the split would lose it entirely (the same class of gap
	// noted in DESIGN.md for checkpointed pages). The disk image is
	// built fresh at PageSize regardless of right's own mini-page size
	// class, since pageio.File only ever reads/writes whole PageSize
	// pages.
	diskImg, err := buildDiskImage(pivot, upper, rightEntries, newLeafId, uint64(newDiskAddr))
	if err != nil {
		return err
	}
	if err := e.pf.WritePage(newDiskAddr, diskImg.Bytes()); err != nil {
		return err
	}
	if err := e.pf.Fsync(); err != nil {
		return err
	}
	e.stats.diskBytesWritten.Add(leaf.PageSize)
	right.ClearDirty() // matches the disk image just written

	rwg, err := e.mt.WriteLock(newLeafId)
	if err != nil {
		return err
	}
	rwg.SetMiniPage(rightSlot.Handle(), uint64(newDiskAddr))
	rwg.Unlock()

	if err := e.tree.PropagateSplit(bundle, inner.ChildRef{Kind: inner.ChildLeaf, Id: leftLeafId}, pivot, inner.ChildRef{Kind: inner.ChildLeaf, Id: newLeafId}); err != nil {
		return err
	}
	e.stats.splitCount.Add(1)
	e.stats.numLeaves.Add(1)
	return nil
}

// choosePivot starts at the median entry and, if the resulting left or
// right partition would not fit in a page of pageSize bytes, shifts the
// pivot by one slot at a time (away from the median, alternating sides)
// until it finds a split where both halves fit, or exhausts every
// candidate. Returns the chosen pivot's entry index plus the two
// partitions.
func choosePivot(pageSize int, lower, upper []byte, entries []leaf.Entry) (mid int, leftEntries, rightEntries []leaf.Entry, err error) {
	median := len(entries) / 2
	for shift := 0; shift <= len(entries); shift++ {
		for _, cand := range []int{median + shift, median - shift} {
			if cand < 1 || cand >= len(entries) {
				continue
			}
			if shift != 0 && cand == median {
				continue
			}
			pivot := entries[cand].Key
			left, right := entries[:cand], entries[cand:]
			if leaf.RequiredBytes(lower, pivot, left) <= pageSize && leaf.RequiredBytes(pivot, upper, right) <= pageSize {
				return cand, left, right, nil
			}
		}
	}
	return 0, nil, nil, errors.Wrap(common.ErrInsufficientSpace, "engine: no pivot shift produces two halves that both fit")
}

// allocPageId mints a fresh logical PageId. PageId 0 is reserved for
// the initial root leaf, so the counter starts at 1 (see Open).
func (e *Engine) allocPageId() uint64 {
	return e.nextPageId.Add(1) - 1
}

package engine

import (
	"github.com/merlinai-com/quickstep/internal/common"
	"github.com/merlinai-com/quickstep/internal/inner"
	"github.com/merlinai-com/quickstep/internal/leaf"
	"github.com/merlinai-com/quickstep/internal/mapping"
	"github.com/merlinai-com/quickstep/internal/minipage"
	"github.com/merlinai-com/quickstep/internal/pageio"
)

// Delete tombstones key under txnId and, if the owning leaf's live
// payload falls below the configured merge threshold, attempts to
// absorb its right sibling (spec §4.5's merge propagation). A failed
// merge attempt does not fail the delete: merging is a space-reclaim
// optimization, not a correctness requirement, mirroring the teacher's
// deleteFromLeaf treating mergeOrRedistribute the same way.
func (e *Engine) Delete(txnId uint64, key []byte) error {
	if len(key) == 0 {
		return common.ErrKeyEmpty
	}

	bundle, leafId, err := e.tree.AcquireWritePath(key)
	if err != nil {
		return err
	}
	defer bundle.ReleaseAll()

	wg, err := e.mt.WriteLock(leafId)
	if err != nil {
		return err
	}
	defer wg.Unlock()

	slot, diskAddr, err := e.resolveForWrite(wg, leafId)
	if err != nil {
		return err
	}
	page := slot.Page()

	if err := page.MarkTombstone(key); err != nil {
		return err
	}
	if err := e.wal.AppendTombstone(txnId, leafId, page.LowerFence(), page.UpperFence(), key); err != nil {
		return err
	}
	e.stats.writeCount.Add(1)
	e.stats.numKeys.Add(-1)
	e.maybeCheckpoint(leafId, slot, diskAddr)

	if page.LiveByteCount() < e.cfg.MergeThresholdBytes {
		if err := e.tryMergeRight(bundle, leafId, slot); err != nil {
			e.warnf("merge attempt failed for leaf %d: %v", leafId, err)
		}
	}
	return nil
}

// tryMergeRight absorbs leafId's right sibling into leafId when the
// parent routes one and it is itself a leaf (spec §4.5's merge
// propagation, scoped in this version to adjacent leaf-leaf merges;
// cascading an ancestor's own underflow further up the tree is left
// for a later compaction pass — see DESIGN.md).
func (e *Engine) tryMergeRight(bundle *inner.WriteBundle, leafId uint64, slot *minipage.Slot) error {
	parent := bundle.Innermost()
	if parent == nil {
		return nil // height-1 tree: the leaf is the whole tree, nothing to merge with
	}
	sibling, ok := inner.RightSibling(parent, inner.ChildRef{Kind: inner.ChildLeaf, Id: leafId})
	if !ok || sibling.Kind != inner.ChildLeaf {
		return nil
	}

	// Lock order is always "this leaf, then its right sibling": every
	// merge attempt in the tree follows this same fixed role, so two
	// concurrent merges can never wait on each other in opposite order.
	swg, err := e.mt.WriteLock(sibling.Id)
	if err != nil {
		return err
	}
	defer swg.Unlock()

	sSlot, _, err := e.resolveForWrite(swg, sibling.Id)
	if err != nil {
		return err
	}
	sPage := sSlot.Page()
	left := slot.Page()

	merged := make([]leaf.Entry, 0, len(left.IterUserEntries())+len(sPage.IterUserEntries()))
	for _, en := range left.IterUserEntries() {
		if en.Type != leaf.RecordTombstone {
			merged = append(merged, en)
		}
	}
	for _, en := range sPage.IterUserEntries() {
		if en.Type != leaf.RecordTombstone {
			merged = append(merged, en)
		}
	}

	newLower, newUpper := left.LowerFence(), sPage.UpperFence()
	if leaf.RequiredBytes(newLower, newUpper, merged) > left.Size() {
		return nil // combined content does not fit the survivor: leave both leaves as they are
	}
	if err := left.ResetUserEntriesWithFences(newLower, newUpper); err != nil {
		return err
	}
	if err := left.ReplayEntries(merged); err != nil {
		return err
	}
	leftDiskAddr := left.DiskAddr()
	left.SetIdentity(leafId, leftDiskAddr)

	// Persist the merged survivor, and checkpoint its own WAL group,
	// before freeing the sibling's disk page: until this flush, the
	// entries absorbed from the sibling exist only in left's volatile
	// mini-page, and the sibling's disk page/WAL group are about to be
	// freed/deleted, so a crash in between would lose them for good
	// (spec §4.3's merge contract — "the survivor has already ...
	// written WAL for its own changes").
	if err := e.flushSlotToDisk(slot, leafId, leftDiskAddr); err != nil {
		return err
	}
	if err := e.wal.CheckpointPage(leafId); err != nil {
		return err
	}

	sRef := swg.Ref()
	if sRef.Kind == mapping.RefMiniPage {
		e.mp.Free(sSlot)
	}
	if sRef.DiskAddr != 0 {
		if err := e.pf.Free(pageio.PageId(sRef.DiskAddr)); err != nil {
			return err
		}
	}
	swg.SetEmpty()
	if err := e.wal.CheckpointPage(sibling.Id); err != nil {
		return err
	}

	if err := e.tree.PropagateMerge(bundle, sibling); err != nil {
		return err
	}
	e.stats.mergeCount.Add(1)
	e.stats.numLeaves.Add(-1)
	return nil
}

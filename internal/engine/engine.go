// Package engine is quickstep's orchestration layer: it ties pageio,
// leaf, minipage, mapping, inner and wal together behind Get/Put/Delete,
// the operations spec.md's data-flow paragraph describes as traversal,
// promotion, apply, WAL append, split/merge propagation and checkpoint
// accounting. internal/txn and the root quickstep package are the only
// callers above this layer; Engine
// itself has no notion of a transaction beyond the txn_id it stamps
// onto WAL records.
//
// Control flow (traverse -> lock leaf -> apply -> WAL-append -> retry
// on split) is grounded on the teacher's btree.go Put/Get/Delete, with
// split.go's insertAndSplit retry-on-full shape and merge.go's
// mergeOrRedistribute generalized to the promote-from-disk-to-mini-page
// step the teacher has no equivalent of.
package engine

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/merlinai-com/quickstep/internal/common"
	"github.com/merlinai-com/quickstep/internal/config"
	"github.com/merlinai-com/quickstep/internal/inner"
	"github.com/merlinai-com/quickstep/internal/leaf"
	"github.com/merlinai-com/quickstep/internal/mapping"
	"github.com/merlinai-com/quickstep/internal/minipage"
	"github.com/merlinai-com/quickstep/internal/pageio"
	"github.com/merlinai-com/quickstep/internal/recovery"
	"github.com/merlinai-com/quickstep/internal/wal"
)

// maxValueSize is the largest value that could conceivably fit beside a
// single directory slot in an otherwise-empty PageSize leaf: the
// header, the two fence slots, and one more slot for the value's own
// key. leaf.kvMeta's val_size field itself has headroom for values up
// to PageSize (see leaf.kvMeta's doc comment); this is the tighter,
// realistic ceiling Put checks before even attempting a write.
const maxValueSize = leaf.PageSize - leaf.HeaderSize - 3*leaf.KVMetaSize

// maxRetries bounds Put's try_put_with_promotion retry loop
// (spec §4.5's tie-breaks): each failed attempt at worst resolves one
// split or one contention restart, so a generous fixed bound catches
// runaway retries without needing to track tree height live.
const maxRetries = 64

// maxEvictAttempts bounds how many victims allocMiniPage will evict
// before giving up and reporting the buffer genuinely full.
const maxEvictAttempts = 64

// Engine is the live, open storage engine for one data file + WAL pair.
type Engine struct {
	cfg  config.Config
	pf   *pageio.File
	wal  *wal.WAL
	mt   *mapping.Table
	mp   *minipage.Buffer
	tree *inner.Tree
	log  *zap.SugaredLogger

	nextPageId atomic.Uint64

	monitorCancel context.CancelFunc
	monitorWg     sync.WaitGroup

	stats struct {
		numKeys          atomic.Int64
		numLeaves        atomic.Int64
		readCount        atomic.Int64
		writeCount       atomic.Int64
		splitCount       atomic.Int64
		mergeCount       atomic.Int64
		growCount        atomic.Int64
		evictionCount    atomic.Int64
		checkpointCount  atomic.Int64
		userBytesWritten atomic.Int64
		diskBytesWritten atomic.Int64
	}
}

// Open opens (or creates) the data file and WAL at cfg's paths, runs
// recovery, and rebuilds the in-memory inner tree's routing for every
// leaf recovery found. log may be nil.
func Open(cfg config.Config, log *zap.SugaredLogger) (*Engine, error) {
	pf, err := pageio.Open(cfg.DataFile())
	if err != nil {
		return nil, errors.Wrap(err, "engine: opening data file")
	}

	w, err := wal.Open(cfg.WALFile(), cfg.WALLeafThreshold, cfg.WALGlobalRecordThreshold, cfg.WALGlobalByteThreshold)
	if err != nil {
		pf.Close()
		return nil, errors.Wrap(err, "engine: opening WAL")
	}

	mt := mapping.New(cfg.LeafUpperBound)

	var zlog *zap.Logger
	if log != nil {
		zlog = log.Desugar()
	}
	recoveredIds, err := recovery.Recover(pf, w, mt, zlog)
	if err != nil {
		w.Close()
		pf.Close()
		return nil, errors.Wrap(err, "engine: recovery")
	}

	e := &Engine{
		cfg:  cfg,
		pf:   pf,
		wal:  w,
		mt:   mt,
		mp:   minipage.New(cfg.CacheBytes),
		tree: inner.NewWithLeafRoot(0, cfg.InnerNodeUpperBound),
		log:  log,
	}
	e.nextPageId.Store(1)

	if err := e.rebuildRouting(recoveredIds); err != nil {
		w.Close()
		pf.Close()
		return nil, errors.Wrap(err, "engine: rebuilding inner-tree routing")
	}
	e.stats.numLeaves.Store(int64(len(recoveredIds)))

	ctx, cancel := context.WithCancel(context.Background())
	e.monitorCancel = cancel
	e.monitorWg.Add(1)
	go func() {
		defer e.monitorWg.Done()
		e.wal.Monitor(ctx, cfg.WALMonitorInterval, e.checkpointForMonitor)
	}()

	return e, nil
}

// rebuildRouting reconstructs the in-memory inner tree's routing
// entries for every recovered PageId beyond the initial root (PageId
// 0), in ascending lower-fence order, by replaying the same
// PropagateSplit call a live split uses. This is exactly what a live
// split sequence would have produced had it run to completion in that
// order, so it needs no separate "restore" code path of its own.
func (e *Engine) rebuildRouting(recoveredIds []uint64) error {
	type item struct {
		id    uint64
		lower []byte
	}
	items := make([]item, 0, len(recoveredIds))
	var maxId uint64
	for _, id := range recoveredIds {
		if id > maxId {
			maxId = id
		}
		if id == 0 {
			continue // already the tree's initial leaf root
		}
		rg, err := e.mt.ReadLock(id)
		if err != nil {
			return err
		}
		ref := rg.Ref()
		rg.Unlock()
		lower, err := e.diskLeafLowerFence(ref)
		if err != nil {
			return err
		}
		items = append(items, item{id: id, lower: lower})
	}
	sort.Slice(items, func(i, j int) bool { return bytes.Compare(items[i].lower, items[j].lower) < 0 })

	for _, it := range items {
		if err := e.routeRecoveredLeaf(it.id, it.lower); err != nil {
			return err
		}
	}
	if maxId+1 > e.nextPageId.Load() {
		e.nextPageId.Store(maxId + 1)
	}
	return nil
}

func (e *Engine) diskLeafLowerFence(ref mapping.NodeRef) ([]byte, error) {
	buf := make([]byte, pageio.PageSize)
	if err := e.pf.ReadPage(pageio.PageId(ref.DiskAddr), buf); err != nil {
		return nil, err
	}
	p, err := leaf.FromBytes(buf)
	if err != nil {
		return nil, err
	}
	return p.LowerFence(), nil
}

func (e *Engine) routeRecoveredLeaf(newLeafId uint64, lower []byte) error {
	bundle, ownerId, err := e.tree.AcquireWritePath(lower)
	if err != nil {
		return err
	}
	defer bundle.ReleaseAll()
	return e.tree.PropagateSplit(bundle, inner.ChildRef{Kind: inner.ChildLeaf, Id: ownerId}, lower, inner.ChildRef{Kind: inner.ChildLeaf, Id: newLeafId})
}

// Sync fsyncs the data file. Both AppendPut/AppendTombstone and
// flushSlotToDisk already fsync before returning, so by the time any
// caller observes a successful Put/Delete its effect is already
// durable; Sync exists only to satisfy common.StorageEngine's
// interface shape and as a cheap no-op-ish barrier for callers that
// want one anyway.
func (e *Engine) Sync() error {
	return e.pf.Fsync()
}

// Close stops the background WAL monitor, fsyncs the data file, and
// closes both handles. The mini-page buffer's contents are dropped
// without a final flush-all sweep: every dirty slot's last WAL-logged
// write is already durable (each AppendPut/AppendTombstone fsyncs
// before returning), so the next Open recovers exactly this state from
// the WAL.
func (e *Engine) Close() error {
	e.monitorCancel()
	e.monitorWg.Wait()

	if err := e.pf.Fsync(); err != nil {
		return err
	}
	if err := e.wal.Close(); err != nil {
		return err
	}
	return e.pf.Close()
}

// checkpointForMonitor is wal.Monitor's checkpoint callback: it flushes
// pageId's mini-page to disk, if one is still resident, and then
// checkpoints its WAL group — the same flush-then-truncate sequence
// evictOnce and maybeCheckpoint run for their own triggers, just
// initiated by the background monitor instead of a foreground write
// (spec §5: "a single background WAL monitor thread observes global WAL
// thresholds and requests checkpoints").
func (e *Engine) checkpointForMonitor(pageId uint64) error {
	wg, err := e.mt.WriteLock(pageId)
	if err != nil {
		return err
	}
	defer wg.Unlock()

	if ref := wg.Ref(); ref.Kind == mapping.RefMiniPage {
		slot := e.mp.Lookup(ref.Slot)
		if slot == nil {
			return errors.Wrap(common.ErrCorruption, "engine: dangling mini-page handle during monitor checkpoint")
		}
		if err := e.flushSlotToDisk(slot, pageId, ref.DiskAddr); err != nil {
			return err
		}
	}
	if err := e.wal.CheckpointPage(pageId); err != nil {
		return err
	}
	e.stats.checkpointCount.Add(1)
	return nil
}

// Get returns the value for key, or ErrKeyNotFound if absent or
// tombstoned.
func (e *Engine) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, common.ErrKeyEmpty
	}
	e.stats.readCount.Add(1)

	leafId, err := e.tree.FindLeaf(key)
	if err != nil {
		return nil, err
	}
	rg, err := e.mt.ReadLock(leafId)
	if err != nil {
		return nil, err
	}
	defer rg.Unlock()
	return e.readFromRef(rg.Ref(), key)
}

func (e *Engine) readFromRef(ref mapping.NodeRef, key []byte) ([]byte, error) {
	switch ref.Kind {
	case mapping.RefMiniPage:
		slot := e.mp.Lookup(ref.Slot)
		if slot == nil {
			return nil, errors.Wrap(common.ErrCorruption, "engine: dangling mini-page handle")
		}
		return slot.Page().Get(key)
	case mapping.RefDiskLeaf:
		buf := make([]byte, pageio.PageSize)
		if err := e.pf.ReadPage(pageio.PageId(ref.DiskAddr), buf); err != nil {
			return nil, err
		}
		p, err := leaf.FromBytes(buf)
		if err != nil {
			return nil, err
		}
		return p.Get(key)
	default:
		return nil, errors.Wrap(common.ErrCorruption, "engine: NodeRef::Empty reached during Get")
	}
}

// resolveForWrite returns the mini-page slot backing leafId under an
// already-held write guard, promoting it from its disk image first if
// necessary (spec §4.2/§9's promotion step).
func (e *Engine) resolveForWrite(wg *mapping.WriteGuard, leafId uint64) (*minipage.Slot, uint64, error) {
	ref := wg.Ref()
	switch ref.Kind {
	case mapping.RefMiniPage:
		slot := e.mp.Lookup(ref.Slot)
		if slot == nil {
			return nil, 0, errors.Wrap(common.ErrCorruption, "engine: dangling mini-page handle")
		}
		return slot, ref.DiskAddr, nil
	case mapping.RefDiskLeaf:
		slot, err := e.promote(leafId, pageio.PageId(ref.DiskAddr))
		if err != nil {
			return nil, 0, err
		}
		wg.SetMiniPage(slot.Handle(), ref.DiskAddr)
		return slot, ref.DiskAddr, nil
	default:
		return nil, 0, errors.Wrap(common.ErrCorruption, "engine: NodeRef::Empty encountered resolving a write")
	}
}

// promote reads leafId's disk image and repacks it into the smallest
// mini-page size class that fits its current live content (spec
// §4.3's seven size classes), rather than always reaching for a full
// PageSize slot: a disk leaf holding a handful of small keys has no
// business occupying a 4 KiB mini-page buffer slot.
func (e *Engine) promote(leafId uint64, diskAddr pageio.PageId) (*minipage.Slot, error) {
	buf := make([]byte, pageio.PageSize)
	if err := e.pf.ReadPage(diskAddr, buf); err != nil {
		return nil, err
	}
	disk, err := leaf.FromBytes(buf)
	if err != nil {
		return nil, err
	}
	entries := disk.IterUserEntries()
	lower, upper := disk.LowerFence(), disk.UpperFence()

	wantBytes := leaf.RequiredBytes(lower, upper, entries)
	slot, err := e.allocMiniPage(wantBytes, leafId)
	if err != nil {
		return nil, err
	}
	page := slot.Page()
	if err := page.ResetUserEntriesWithFences(lower, upper); err != nil {
		return nil, err
	}
	if err := page.ReplayEntries(entries); err != nil {
		return nil, err
	}
	page.SetIdentity(leafId, uint64(diskAddr))
	page.ClearDirty() // content matches disk exactly; nothing to flush yet
	return slot, nil
}

// allocMiniPage allocates a slot, evicting and flushing victims from
// the same size class until one succeeds or maxEvictAttempts is spent
// (spec §4.3: "invoke eviction; retry").
func (e *Engine) allocMiniPage(wantBytes int, ownerId uint64) (*minipage.Slot, error) {
	for attempt := 0; attempt < maxEvictAttempts; attempt++ {
		slot, err := e.mp.Alloc(wantBytes, ownerId)
		if err == nil {
			return slot, nil
		}
		if !errors.Is(err, common.ErrBufferFull) {
			return nil, err
		}
		if evictErr := e.evictOnce(minipage.ClassFor(wantBytes)); evictErr != nil {
			return nil, evictErr
		}
	}
	return nil, errors.Wrap(common.ErrBufferFull, "engine: exhausted eviction attempts")
}

// evictOnce runs one EvictOne/flush/checkpoint/ReleaseToFreelist cycle
// on class (spec §4.3's two-phase eviction handshake, completed here
// since only this package holds pageio and wal handles).
func (e *Engine) evictOnce(class int) error {
	victim, err := e.mp.EvictOne(class)
	if err != nil {
		return err
	}
	ownerId := victim.OwnerId()

	wg, err := e.mt.WriteLock(ownerId)
	if err != nil {
		return err
	}
	defer wg.Unlock()

	if ref := wg.Ref(); ref.Kind == mapping.RefMiniPage {
		if err := e.flushSlotToDisk(victim, ownerId, ref.DiskAddr); err != nil {
			return err
		}
		if err := e.wal.CheckpointPage(ownerId); err != nil {
			return err
		}
		wg.SetLeaf(ref.DiskAddr)
	}
	e.mp.ReleaseToFreelist(victim)
	e.stats.evictionCount.Add(1)
	return nil
}

// buildDiskImage compacts lower/upper/entries into a fresh PageSize
// disk image: tombstones are dropped rather than carried forward (spec
// §9's "merge user inserts, remove tombstones" flush contract). Disk
// pages are always exactly PageSize regardless of the source mini-page's
// own (possibly smaller) size class, since pageio.File reads/writes
// fixed PageSize slots.
func buildDiskImage(lower, upper []byte, entries []leaf.Entry, ownerId, diskAddr uint64) (*leaf.Page, error) {
	img := leaf.NewEmpty(leaf.PageSize)
	if err := img.ResetUserEntriesWithFences(lower, upper); err != nil {
		return nil, err
	}
	live := make([]leaf.Entry, 0, len(entries))
	for _, en := range entries {
		if en.Type != leaf.RecordTombstone {
			live = append(live, en)
		}
	}
	if err := img.ReplayEntries(live); err != nil {
		return nil, err
	}
	img.SetIdentity(ownerId, diskAddr)
	return img, nil
}

// flushSlotToDisk rewrites a mini-page's live entries into a compact
// disk image at diskAddr, fsyncing before returning.
func (e *Engine) flushSlotToDisk(slot *minipage.Slot, ownerId uint64, diskAddr uint64) error {
	src := slot.Page()
	if !src.Dirty() {
		return nil
	}
	img, err := buildDiskImage(src.LowerFence(), src.UpperFence(), src.IterUserEntries(), ownerId, diskAddr)
	if err != nil {
		return err
	}
	if err := e.pf.WritePage(pageio.PageId(diskAddr), img.Bytes()); err != nil {
		return err
	}
	if err := e.pf.Fsync(); err != nil {
		return err
	}
	e.stats.diskBytesWritten.Add(leaf.PageSize)
	src.ClearDirty()
	return nil
}

// maybeCheckpoint flushes and truncates leafId's WAL group once its
// per-page record count crosses the configured threshold. Best-effort:
// a failure here doesn't invalidate the write that was just durably
// WAL-logged, so it is only logged, never returned to the caller
// (mirrors the teacher's Delete treating merge/rebalance as an
// optimization, not a correctness requirement).
func (e *Engine) maybeCheckpoint(leafId uint64, slot *minipage.Slot, diskAddr uint64) {
	if !e.wal.NeedsCheckpoint(leafId) {
		return
	}
	if err := e.flushSlotToDisk(slot, leafId, diskAddr); err != nil {
		e.warnf("checkpoint flush failed for leaf %d: %v", leafId, err)
		return
	}
	if err := e.wal.CheckpointPage(leafId); err != nil {
		e.warnf("checkpoint truncate failed for leaf %d: %v", leafId, err)
		return
	}
	e.stats.checkpointCount.Add(1)
}

func (e *Engine) warnf(format string, args ...interface{}) {
	if e.log != nil {
		e.log.Warnf(format, args...)
	}
}

// Stats returns a point-in-time snapshot of engine counters. Write and
// space amplification follow the teacher's Stats formula (disk bytes
// actually written / user bytes written; total disk size / logical
// user data size). diskBytesWritten counts full leaf page writes (the
// split/flush/checkpoint paths) plus each successful Put's key and
// value bytes; WAL record headers and group framing are not counted.
func (e *Engine) Stats() common.Stats {
	totalDiskSize := int64(e.pf.NumPages()) * pageio.PageSize

	userBytes := e.stats.userBytesWritten.Load()
	writeAmp := 1.0
	if userBytes > 0 {
		writeAmp = float64(e.stats.diskBytesWritten.Load()) / float64(userBytes)
	}
	logicalSize := userBytes
	if logicalSize == 0 {
		logicalSize = 1
	}
	spaceAmp := float64(totalDiskSize) / float64(logicalSize)

	return common.Stats{
		NumKeys:         e.stats.numKeys.Load(),
		NumLeaves:       int(e.stats.numLeaves.Load()),
		NumInnerNodes:   e.tree.NodeCount(),
		TotalDiskSize:   totalDiskSize,
		ReadCount:       e.stats.readCount.Load(),
		WriteCount:      e.stats.writeCount.Load(),
		SplitCount:      e.stats.splitCount.Load(),
		MergeCount:      e.stats.mergeCount.Load(),
		GrowCount:       e.stats.growCount.Load(),
		EvictionCount:   e.stats.evictionCount.Load(),
		CheckpointCount: e.stats.checkpointCount.Load(),
		WriteAmp:        writeAmp,
		SpaceAmp:        spaceAmp,
	}
}

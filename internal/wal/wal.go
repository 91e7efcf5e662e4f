// Package wal implements the write-ahead log from spec §4.7: a
// sidecar file of length-prefixed records grouped per PageId, with
// embedded fences so replay can restore leaf bounds exactly.
//
// Grounded on the teacher's btree/wal.go (magic header, fsync-before-
// return append discipline, crc32.NewIEEE checksums, truncate-and-
// recreate on checkpoint), restructured from physical page-diff
// records to logical per-PageId grouped records. Byte order is
// binary.BigEndian throughout, for consistency with internal/leaf and
// internal/pageio — a deliberate deviation from the teacher, whose WAL
// used LittleEndian while its page format used BigEndian.
package wal

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/merlinai-com/quickstep/internal/common"
)

const (
	magic   = "QSWL"
	version = uint32(1)
	// headerSize = magic(4) + version(4)
	headerSize = 8
)

// EntryKind tags a record's purpose (spec §4.7).
type EntryKind uint8

const (
	EntryRedoPut EntryKind = iota
	EntryRedoDelete
	EntryUndoPut
	EntryUndoDelete
	EntryTxnMarker
)

// MarkerKind distinguishes TxnMarker payloads (carried in Record.Key).
type MarkerKind uint8

const (
	MarkerBegin MarkerKind = iota
	MarkerCommit
	MarkerAbort
)

// MarkerPageId is the reserved PageId carrying transaction markers
// (spec §4.7: "PageId = ALL-ONES").
const MarkerPageId uint64 = (1 << 48) - 1

// Record is one decoded WAL entry (spec §4.7's record layout).
type Record struct {
	Kind        EntryKind
	TxnId       uint64
	PageId      uint64
	LowerFence  []byte
	UpperFence  []byte
	Key         []byte
	Value       []byte
}

// pageStats tracks spec §4.7's "per-page stats" for checkpoint
// threshold decisions.
type pageStats struct {
	recordCount int
	byteCount   int64
	lastLSN     uint64
}

// WAL is the append-only sidecar log. Appends take a short-lived
// mutex for encode+write+fsync (teacher's discipline); checkpoint
// rewrite takes the same mutex exclusively for the whole rewrite, per
// spec §4.7's "acquire a WAL-wide exclusive latch for the rewrite."
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	lsn      uint64
	groups   map[uint64][]Record // PageId -> records appended since last checkpoint, in append order
	stats    map[uint64]*pageStats

	leafThreshold     int
	globalRecordLimit int64
	globalByteLimit   int64
}

// Open creates or opens the WAL file at path, replaying its on-disk
// group framing into the in-memory groups/stats maps so Append and
// checkpoint bookkeeping are consistent from the first call. Recovery
// (internal/recovery) reads groups via RecordsGrouped and is
// responsible for truncating the log once replay completes.
func Open(path string, leafThreshold int, globalRecordLimit, globalByteLimit int64) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, errors.Wrap(common.ErrIoError, "wal: open: "+err.Error())
	}
	w := &WAL{
		file:              f,
		path:              path,
		groups:            make(map[uint64][]Record),
		stats:             make(map[uint64]*pageStats),
		leafThreshold:     leafThreshold,
		globalRecordLimit: globalRecordLimit,
		globalByteLimit:   globalByteLimit,
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(common.ErrIoError, "wal: stat: "+err.Error())
	}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return w, nil
	}
	if err := w.validateHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.loadGroups(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) writeHeader() error {
	buf := make([]byte, headerSize)
	copy(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], version)
	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return errors.Wrap(common.ErrIoError, "wal: write header: "+err.Error())
	}
	return w.file.Sync()
}

func (w *WAL) validateHeader() error {
	buf := make([]byte, headerSize)
	if _, err := w.file.ReadAt(buf, 0); err != nil {
		return errors.Wrap(common.ErrCorruption, "wal: read header: "+err.Error())
	}
	if string(buf[0:4]) != magic {
		return errors.Wrap(common.ErrCorruption, "wal: bad magic")
	}
	if binary.BigEndian.Uint32(buf[4:8]) != version {
		return errors.Wrap(common.ErrCorruption, "wal: unsupported version")
	}
	return nil
}

// loadGroups scans every group frame on disk into the in-memory
// groups/stats maps (called once at Open).
func (w *WAL) loadGroups() error {
	r := io.NewSectionReader(w.file, headerSize, 1<<62)
	for {
		group, n, err := readGroupFrame(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		_ = n
		for _, rec := range group.records {
			w.trackAppendLocked(rec)
		}
	}
}

type groupFrame struct {
	pageId  uint64
	records []Record
}

const groupMarker = uint32(0x51534750) // "QSGP"

// readGroupFrame reads one {GROUP_MARKER, page_id, record_count,
// records...} frame (spec §4.7).
func readGroupFrame(r io.Reader) (groupFrame, int, error) {
	head := make([]byte, 4+6+4)
	n, err := io.ReadFull(r, head)
	if err != nil {
		return groupFrame{}, n, err
	}
	if binary.BigEndian.Uint32(head[0:4]) != groupMarker {
		return groupFrame{}, n, errors.Wrap(common.ErrCorruption, "wal: bad group marker")
	}
	pageId := readUint48(head[4:10])
	count := binary.BigEndian.Uint32(head[10:14])

	g := groupFrame{pageId: pageId}
	total := n
	for i := uint32(0); i < count; i++ {
		rec, rn, err := readRecord(r)
		if err != nil {
			return groupFrame{}, total, err
		}
		total += rn
		g.records = append(g.records, rec)
	}
	return g, total, nil
}

func readRecord(r io.Reader) (Record, int, error) {
	fixed := make([]byte, 1+8+6+2+2+4+4)
	n, err := io.ReadFull(r, fixed)
	if err != nil {
		return Record{}, n, err
	}
	rec := Record{
		Kind:   EntryKind(fixed[0]),
		TxnId:  binary.BigEndian.Uint64(fixed[1:9]),
		PageId: readUint48(fixed[9:15]),
	}
	lowerLen := binary.BigEndian.Uint16(fixed[15:17])
	upperLen := binary.BigEndian.Uint16(fixed[17:19])
	keyLen := binary.BigEndian.Uint32(fixed[19:23])
	valLen := binary.BigEndian.Uint32(fixed[23:27])

	total := n
	rec.LowerFence, total, err = readN(r, int(lowerLen), total)
	if err != nil {
		return Record{}, total, err
	}
	rec.UpperFence, total, err = readN(r, int(upperLen), total)
	if err != nil {
		return Record{}, total, err
	}
	rec.Key, total, err = readN(r, int(keyLen), total)
	if err != nil {
		return Record{}, total, err
	}
	rec.Value, total, err = readN(r, int(valLen), total)
	if err != nil {
		return Record{}, total, err
	}

	crcBuf := make([]byte, 4)
	crcN, err := io.ReadFull(r, crcBuf)
	total += crcN
	if err != nil {
		return Record{}, total, err
	}
	if binary.BigEndian.Uint32(crcBuf) != recordChecksum(rec) {
		return Record{}, total, errors.Wrap(common.ErrCorruption, "wal: record checksum mismatch")
	}
	return rec, total, nil
}

// recordChecksum covers every byte a matching encodeRecord call would
// emit before the checksum footer itself, mirroring the teacher's
// calculateChecksum (crc32.NewIEEE over the fixed header plus data).
func recordChecksum(rec Record) uint32 {
	h := crc32.NewIEEE()
	h.Write(encodeRecordBody(rec))
	return h.Sum32()
}

func readN(r io.Reader, n, total int) ([]byte, int, error) {
	if n == 0 {
		return nil, total, nil
	}
	buf := make([]byte, n)
	rn, err := io.ReadFull(r, buf)
	return buf, total + rn, err
}

func readUint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

// encodeRecordBody encodes rec's fixed header plus variable-length
// fields, excluding the checksum footer (used both to serialize and
// to compute recordChecksum over the same bytes).
func encodeRecordBody(rec Record) []byte {
	size := 1 + 8 + 6 + 2 + 2 + 4 + 4 + len(rec.LowerFence) + len(rec.UpperFence) + len(rec.Key) + len(rec.Value)
	buf := make([]byte, size)
	buf[0] = byte(rec.Kind)
	binary.BigEndian.PutUint64(buf[1:9], rec.TxnId)
	putUint48(buf[9:15], rec.PageId)
	binary.BigEndian.PutUint16(buf[15:17], uint16(len(rec.LowerFence)))
	binary.BigEndian.PutUint16(buf[17:19], uint16(len(rec.UpperFence)))
	binary.BigEndian.PutUint32(buf[19:23], uint32(len(rec.Key)))
	binary.BigEndian.PutUint32(buf[23:27], uint32(len(rec.Value)))
	off := 27
	off += copy(buf[off:], rec.LowerFence)
	off += copy(buf[off:], rec.UpperFence)
	off += copy(buf[off:], rec.Key)
	copy(buf[off:], rec.Value)
	return buf
}

// encodeRecord appends the crc32 footer validated by readRecord.
func encodeRecord(rec Record) []byte {
	body := encodeRecordBody(rec)
	footer := make([]byte, 4)
	binary.BigEndian.PutUint32(footer, recordChecksum(rec))
	return append(body, footer...)
}

func encodeGroupFrame(pageId uint64, records []Record) []byte {
	var buf []byte
	head := make([]byte, 4+6+4)
	binary.BigEndian.PutUint32(head[0:4], groupMarker)
	putUint48(head[4:10], pageId)
	binary.BigEndian.PutUint32(head[10:14], uint32(len(records)))
	buf = append(buf, head...)
	for _, rec := range records {
		buf = append(buf, encodeRecord(rec)...)
	}
	return buf
}

// append appends one record's group frame (one record per frame keeps
// the on-disk format simple; checkpoint rewrite coalesces per-PageId
// history). Holds mu for encode+write+fsync, matching the teacher's
// "fsync before unlocking the append mutex" rule.
func (w *WAL) append(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	frame := encodeGroupFrame(rec.PageId, []Record{rec})
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrap(common.ErrIoError, "wal: seek: "+err.Error())
	}
	if _, err := w.file.Write(frame); err != nil {
		return errors.Wrap(common.ErrIoError, "wal: write: "+err.Error())
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(common.ErrIoError, "wal: fsync: "+err.Error())
	}

	w.trackAppendLocked(rec)
	return nil
}

func (w *WAL) trackAppendLocked(rec Record) {
	w.lsn++
	w.groups[rec.PageId] = append(w.groups[rec.PageId], rec)
	st := w.stats[rec.PageId]
	if st == nil {
		st = &pageStats{}
		w.stats[rec.PageId] = st
	}
	st.recordCount++
	st.byteCount += int64(len(encodeRecord(rec)))
	st.lastLSN = w.lsn
}

// AppendPut appends a RedoPut record carrying the leaf's current
// fences (spec §4.7/§4.8: "records embed fences so replay restores
// leaf bounds exactly").
func (w *WAL) AppendPut(txnId, pageId uint64, lower, upper, key, value []byte) error {
	return w.append(Record{Kind: EntryRedoPut, TxnId: txnId, PageId: pageId, LowerFence: lower, UpperFence: upper, Key: key, Value: value})
}

// AppendTombstone appends a RedoDelete record.
func (w *WAL) AppendTombstone(txnId, pageId uint64, lower, upper, key []byte) error {
	return w.append(Record{Kind: EntryRedoDelete, TxnId: txnId, PageId: pageId, LowerFence: lower, UpperFence: upper, Key: key})
}

// AppendUndoPut / AppendUndoDelete record the pre-image for live
// rollback (spec §4.6); never replayed at recovery (spec §9's
// resolved Open Question).
func (w *WAL) AppendUndoPut(txnId, pageId uint64, key, priorValue []byte) error {
	return w.append(Record{Kind: EntryUndoPut, TxnId: txnId, PageId: pageId, Key: key, Value: priorValue})
}

func (w *WAL) AppendUndoDelete(txnId, pageId uint64, key []byte) error {
	return w.append(Record{Kind: EntryUndoDelete, TxnId: txnId, PageId: pageId, Key: key})
}

// AppendTxnMarker appends a Begin/Commit/Abort marker to the reserved
// marker PageId (spec §4.7/§4.6).
func (w *WAL) AppendTxnMarker(txnId uint64, kind MarkerKind) error {
	return w.append(Record{Kind: EntryTxnMarker, TxnId: txnId, PageId: MarkerPageId, Key: []byte{byte(kind)}})
}

// RecordsGrouped returns a snapshot of every page's group in append
// order (spec §4.7's records_grouped iterator), used by recovery and
// by checkpoint rewrite.
func (w *WAL) RecordsGrouped() map[uint64][]Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[uint64][]Record, len(w.groups))
	for k, v := range w.groups {
		out[k] = append([]Record(nil), v...)
	}
	return out
}

// PageStats returns a snapshot of one page's record/byte counters, or
// ok=false if the page has no group.
func (w *WAL) PageStats(pageId uint64) (recordCount int, byteCount int64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.stats[pageId]
	if st == nil {
		return 0, 0, false
	}
	return st.recordCount, st.byteCount, true
}

// NeedsCheckpoint reports whether pageId's group has crossed the
// per-leaf checkpoint threshold (spec §4.7).
func (w *WAL) NeedsCheckpoint(pageId uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.stats[pageId]
	return st != nil && st.recordCount >= w.leafThreshold
}

// GlobalThresholdsExceeded reports whether the WAL-wide record or
// byte totals have crossed their configured limits (spec §4.7's
// "global thresholds... trigger a background monitor").
func (w *WAL) GlobalThresholdsExceeded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	var totalRecords, totalBytes int64
	for _, st := range w.stats {
		totalRecords += int64(st.recordCount)
		totalBytes += st.byteCount
	}
	return totalRecords >= w.globalRecordLimit || totalBytes >= w.globalByteLimit
}

// NoisiestPage returns the PageId with the largest byte count, for the
// background monitor to checkpoint first (spec §4.7: "pick the
// noisiest page").
func (w *WAL) NoisiestPage() (pageId uint64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var best uint64
	var bestBytes int64 = -1
	for id, st := range w.stats {
		if st.byteCount > bestBytes {
			bestBytes = st.byteCount
			best = id
		}
	}
	return best, bestBytes >= 0
}

// Monitor is the background WAL monitor thread from spec §5/§9: on
// every tick it checks GlobalThresholdsExceeded, and while it holds,
// repeatedly asks checkpoint to flush and checkpoint the noisiest page
// (spec §4.7's "pick the noisiest page"). checkpoint is the engine's
// flush-then-CheckpointPage sequence; this package has no pageio/disk
// access of its own. Returns once ctx is cancelled, so callers can stop
// it cooperatively from Close.
func (w *WAL) Monitor(ctx context.Context, interval time.Duration, checkpoint func(pageId uint64) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainNoisiest(checkpoint)
		}
	}
}

// drainNoisiest repeatedly checkpoints the noisiest page until the
// global thresholds no longer hold or there is nothing left to
// checkpoint. A checkpoint failure stops this round; the next tick
// tries again.
func (w *WAL) drainNoisiest(checkpoint func(pageId uint64) error) {
	for w.GlobalThresholdsExceeded() {
		pageId, ok := w.NoisiestPage()
		if !ok {
			return
		}
		if err := checkpoint(pageId); err != nil {
			return
		}
	}
}

// CheckpointPage removes pageId's group from the log entirely by
// rewriting the file (spec §4.7: "Rewrites the WAL, omitting that
// page's group"). Must be called only after the caller has durably
// flushed pageId's dirty leaf to disk.
func (w *WAL) CheckpointPage(pageId uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.groups, pageId)
	delete(w.stats, pageId)
	return w.rewriteLocked()
}

// Truncate drops every group, used once by recovery after all groups
// have been applied to disk leaves (spec §4.8 step 4).
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.groups = make(map[uint64][]Record)
	w.stats = make(map[uint64]*pageStats)
	return w.rewriteLocked()
}

// rewriteLocked atomically replaces the WAL file's contents with the
// header plus one frame per remaining group, fsyncing before return.
// Caller must hold w.mu.
func (w *WAL) rewriteLocked() error {
	buf := make([]byte, headerSize)
	copy(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], version)
	for pageId, records := range w.groups {
		buf = append(buf, encodeGroupFrame(pageId, records)...)
	}

	if err := w.file.Truncate(0); err != nil {
		return errors.Wrap(common.ErrIoError, "wal: truncate: "+err.Error())
	}
	if _, err := w.file.WriteAt(buf, 0); err != nil {
		return errors.Wrap(common.ErrIoError, "wal: rewrite: "+err.Error())
	}
	return w.file.Sync()
}

// Close syncs and closes the underlying file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return errors.Wrap(common.ErrIoError, "wal: close sync: "+err.Error())
	}
	if err := w.file.Close(); err != nil {
		return errors.Wrap(common.ErrIoError, "wal: close: "+err.Error())
	}
	return nil
}

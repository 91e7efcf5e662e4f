package engine

import (
	"sync/atomic"

	"github.com/merlinai-com/quickstep/internal/wal"
)

// txnSeq mints fresh transaction identifiers. Kept separate from
// nextPageId: the two counters number disjoint spaces (transactions
// vs. logical leaf PageIds) and have no reason to stay in lockstep.
var txnSeq atomic.Uint64

// NextTxnId mints a fresh, process-wide-unique transaction id.
// internal/txn calls this once per Begin; Engine itself never compares
// or orders txn ids, only stamps them onto WAL records for diagnostics
// and the marker page's begin/commit/abort bookkeeping.
func (e *Engine) NextTxnId() uint64 {
	return txnSeq.Add(1)
}

// BeginTxnMarker appends spec §4.6's Begin marker for txnId to the
// reserved marker PageId.
func (e *Engine) BeginTxnMarker(txnId uint64) error {
	return e.wal.AppendTxnMarker(txnId, wal.MarkerBegin)
}

// CommitTxnMarker appends the Commit marker for txnId. txnId's writes
// are already durable once their own WAL appends return, and recovery
// replays every redo record unconditionally, so this marker is read
// back only for the observability scan recovery.Recover performs,
// never to gate replay.
func (e *Engine) CommitTxnMarker(txnId uint64) error {
	return e.wal.AppendTxnMarker(txnId, wal.MarkerCommit)
}

// AbortTxnMarker appends the Abort marker once txnId's in-memory undo
// stack has been fully replayed (internal/txn calls this last, after
// every undo op has already been applied to live state).
func (e *Engine) AbortTxnMarker(txnId uint64) error {
	return e.wal.AppendTxnMarker(txnId, wal.MarkerAbort)
}

// LogUndoPut appends the pre-image of a Put under txnId for live
// rollback (spec §4.6). priorValue is nil if key had no live entry
// before this Put. Never replayed at recovery (spec §9's resolved
// Open Question: undo is live-rollback only).
func (e *Engine) LogUndoPut(txnId uint64, key, priorValue []byte) error {
	leafId, err := e.tree.FindLeaf(key)
	if err != nil {
		return err
	}
	return e.wal.AppendUndoPut(txnId, leafId, key, priorValue)
}

// LogUndoDelete appends a marker that txnId tombstoned key. The actual
// pre-image needed to undo the delete lives only in internal/txn's
// in-memory undo stack (this WAL record exists for per-page grouping
// symmetry with LogUndoPut, not as the rollback source).
func (e *Engine) LogUndoDelete(txnId uint64, key []byte) error {
	leafId, err := e.tree.FindLeaf(key)
	if err != nil {
		return err
	}
	return e.wal.AppendUndoDelete(txnId, leafId, key)
}

// Package txn implements quickstep's transaction manager (spec §4.6):
// a thin wrapper over internal/engine that stamps every write with a
// txn_id, records an in-memory undo stack, and brackets
// the operation with Begin/Commit/Abort markers in the WAL.
//
// Begin/Commit/Abort's phase structure is grounded on
// other_examples/…Govetachun-Go-DB__transaction-define.go's
// Begin/Commit/Abort (copy-state-then-mutate-then-fsync-as-barrier
// shape); that example's rollback is a whole-tree root swap, which
// quickstep has no equivalent of (its leaves mutate in place), so
// Abort here instead replays a per-key undo stack against the engine.
package txn

import (
	"github.com/pkg/errors"

	"github.com/merlinai-com/quickstep/internal/common"
	"github.com/merlinai-com/quickstep/internal/engine"
)

// undoOp is one entry in a Tx's rollback stack: it names a key and
// what existed there immediately before the operation that touched
// it. present=false means the key had no live entry, so undoing the
// operation means deleting it; present=true means restoring priorValue
// with a Put.
type undoOp struct {
	key        []byte
	priorValue []byte
	present    bool
}

// Tx is one logical transaction against an Engine. It has no isolation
// of its own beyond what Engine's per-operation leaf latching already
// provides (spec.md's Non-goals exclude MVCC and undo-driven rollback
// of *committed* transactions; this version does not hold latches
// across multiple operations within an open Tx, matching the teacher's
// own BTree methods each being a whole-operation unit).
type Tx struct {
	id     uint64
	engine *engine.Engine
	undo   []undoOp
	done   bool
}

// Begin allocates a fresh txn id and appends spec §4.6's Begin marker.
func Begin(e *engine.Engine) (*Tx, error) {
	id := e.NextTxnId()
	if err := e.BeginTxnMarker(id); err != nil {
		return nil, errors.Wrap(err, "txn: logging Begin marker")
	}
	return &Tx{id: id, engine: e}, nil
}

// ID returns the transaction's id, primarily for logging.
func (tx *Tx) ID() uint64 { return tx.id }

// Get performs a pure read traversal; reads are never WAL-logged
// (spec §4.6: only Put/Delete append redo+undo).
func (tx *Tx) Get(key []byte) ([]byte, error) {
	if tx.done {
		return nil, common.ErrClosed
	}
	return tx.engine.Get(key)
}

// Put writes key/value under this transaction, logging both the redo
// record (via Engine.Put) and the pre-image needed to undo it.
func (tx *Tx) Put(key, value []byte) error {
	if tx.done {
		return common.ErrClosed
	}
	prior, present, err := tx.readPriorValue(key)
	if err != nil {
		return err
	}

	if err := tx.engine.Put(tx.id, key, value); err != nil {
		return err
	}
	if err := tx.engine.LogUndoPut(tx.id, key, prior); err != nil {
		return errors.Wrap(err, "txn: logging undo record")
	}
	tx.pushUndo(key, prior, present)
	return nil
}

// Delete tombstones key under this transaction. Returns ErrKeyNotFound
// if key has no live entry, same as a direct Engine.Delete would.
func (tx *Tx) Delete(key []byte) error {
	if tx.done {
		return common.ErrClosed
	}
	prior, _, err := tx.readPriorValue(key)
	if err != nil {
		return err
	}
	if prior == nil {
		return common.ErrKeyNotFound
	}

	if err := tx.engine.Delete(tx.id, key); err != nil {
		return err
	}
	if err := tx.engine.LogUndoDelete(tx.id, key); err != nil {
		return errors.Wrap(err, "txn: logging undo record")
	}
	tx.pushUndo(key, prior, true)
	return nil
}

func (tx *Tx) readPriorValue(key []byte) (value []byte, present bool, err error) {
	v, err := tx.engine.Get(key)
	if err == common.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (tx *Tx) pushUndo(key, priorValue []byte, present bool) {
	tx.undo = append(tx.undo, undoOp{
		key:        append([]byte(nil), key...),
		priorValue: append([]byte(nil), priorValue...),
		present:    present,
	})
}

// Commit appends the Commit marker and discards the undo stack. Each
// write was already made durable by its own WAL append, and
// quickstep's redo-only recovery replays every record unconditionally,
// so Commit here is bookkeeping for observability, not a gate
// recovery consults.
func (tx *Tx) Commit() error {
	if tx.done {
		return common.ErrClosed
	}
	tx.done = true
	tx.undo = nil
	return tx.engine.CommitTxnMarker(tx.id)
}

// Abort (exposed to callers as Rollback) replays the undo stack in
// reverse order — last write undone first — then appends the Abort
// marker.
func (tx *Tx) Abort() error {
	return tx.Rollback()
}

// Rollback is Abort's public name: it reads better at a call site
// than the WAL-record terminology "abort."
func (tx *Tx) Rollback() error {
	if tx.done {
		return common.ErrClosed
	}
	tx.done = true

	for i := len(tx.undo) - 1; i >= 0; i-- {
		op := tx.undo[i]
		var err error
		if op.present {
			err = tx.engine.Put(tx.id, op.key, op.priorValue)
		} else {
			err = tx.engine.Delete(tx.id, op.key)
			if err == common.ErrKeyNotFound {
				err = nil // already gone; nothing left to undo
			}
		}
		if err != nil {
			return errors.Wrapf(err, "txn: rolling back key %q", op.key)
		}
	}
	tx.undo = nil
	return tx.engine.AbortTxnMarker(tx.id)
}

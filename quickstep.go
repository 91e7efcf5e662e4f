// Package quickstep is a concurrent, embedded, larger-than-memory
// ordered key/value store built around a Bf-Tree: a B-link inner tree
// with optimistic lock coupling routes to leaves that live in a
// mini-page buffer when hot and on disk when cold, with a
// write-ahead log guaranteeing durability across a crash.
//
// This file is the public surface: Open a DB, start Tx transactions
// against it, and Close it when done. Everything below internal/engine
// is an implementation detail; callers only ever see this package and
// internal/config.
//
// Grounded on the teacher's common/types.go StorageEngine interface
// shape and btree.go's New/Close/Sync lifecycle, adapted here to the
// transactional Open/Tx/Close surface spec.md §6 describes.
package quickstep

import (
	"go.uber.org/zap"

	"github.com/merlinai-com/quickstep/internal/common"
	"github.com/merlinai-com/quickstep/internal/config"
	"github.com/merlinai-com/quickstep/internal/engine"
	"github.com/merlinai-com/quickstep/internal/txn"
)

// DB is a handle to one open quickstep data file + WAL pair.
type DB struct {
	eng *engine.Engine
}

// Open opens (or creates) the store at cfg's path, replaying the WAL
// and rebuilding in-memory routing as needed. log may be nil, in which
// case quickstep logs nothing.
func Open(cfg config.Config, log *zap.SugaredLogger) (*DB, error) {
	eng, err := engine.Open(cfg, log)
	if err != nil {
		return nil, err
	}
	return &DB{eng: eng}, nil
}

// Tx begins a new transaction against db. The returned Tx must be
// resolved with Commit or Rollback before it is discarded; an open Tx
// holds no resources of its own (internal/engine's own per-operation
// latching is what actually protects concurrent access), so a leaked
// Tx only leaves a dangling Begin marker in the WAL, never a stuck
// lock.
func (db *DB) Tx() (*txn.Tx, error) {
	return txn.Begin(db.eng)
}

// Get performs a single auto-committing read, for callers that don't
// need an explicit transaction.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.eng.Get(key)
}

// Put performs a single auto-committing write (spec §6: DB itself
// satisfies common.StorageEngine's point-access shape alongside the
// explicit Tx API).
func (db *DB) Put(key, value []byte) error {
	tx, err := db.Tx()
	if err != nil {
		return err
	}
	if err := tx.Put(key, value); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Delete performs a single auto-committing delete.
func (db *DB) Delete(key []byte) error {
	tx, err := db.Tx()
	if err != nil {
		return err
	}
	if err := tx.Delete(key); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Sync fsyncs the data file, satisfying common.StorageEngine. Every
// durability-bearing write already fsyncs before returning (WAL
// appends and leaf flushes alike), so Sync here is a belt-and-braces
// barrier rather than a backlog flush.
func (db *DB) Sync() error {
	return db.eng.Sync()
}

// Close releases the data file and WAL handles.
func (db *DB) Close() error {
	return db.eng.Close()
}

// Stats returns a point-in-time snapshot of engine counters.
func (db *DB) Stats() common.Stats {
	return db.eng.Stats()
}

// Compact is a no-op: like the teacher's in-place B-tree, quickstep
// never accumulates out-of-place garbage that a background compaction
// pass would need to reclaim (flushSlotToDisk already drops tombstones
// on every checkpoint).
func (db *DB) Compact() error {
	return nil
}

var _ common.StorageEngine = (*DB)(nil)

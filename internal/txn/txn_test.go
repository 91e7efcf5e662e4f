package txn

import (
	"testing"

	"github.com/merlinai-com/quickstep/internal/common"
	"github.com/merlinai-com/quickstep/internal/common/testutil"
	"github.com/merlinai-com/quickstep/internal/config"
	"github.com/merlinai-com/quickstep/internal/engine"
)

func setupTestEngine(t *testing.T) (*engine.Engine, func()) {
	dir := testutil.TempDir(t)
	cfg := config.Default(dir)
	e, err := engine.Open(cfg, nil)
	if err != nil {
		t.Fatalf("engine.Open failed: %v", err)
	}
	return e, func() { e.Close() }
}

func TestCommitPersistsWrite(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	tx, err := Begin(e)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get after commit failed: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("Get after commit = %q, want v", got)
	}
}

func TestRollbackUndoesNewKey(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	tx, err := Begin(e)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if _, err := e.Get([]byte("k")); err != common.ErrKeyNotFound {
		t.Fatalf("Get after rollback = %v, want ErrKeyNotFound", err)
	}
}

func TestRollbackRestoresOverwrittenValue(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	if err := e.Put(0, []byte("k"), []byte("original")); err != nil {
		t.Fatalf("seed Put failed: %v", err)
	}

	tx, err := Begin(e)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Put([]byte("k"), []byte("overwritten")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	got, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get after rollback failed: %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("Get after rollback = %q, want original", got)
	}
}

func TestRollbackRestoresDeletedValue(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	if err := e.Put(0, []byte("k"), []byte("value")); err != nil {
		t.Fatalf("seed Put failed: %v", err)
	}

	tx, err := Begin(e)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Delete([]byte("k")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	got, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get after rollback failed: %v", err)
	}
	if string(got) != "value" {
		t.Fatalf("Get after rollback = %q, want value", got)
	}
}

func TestDeleteMissingKeyReturnsKeyNotFound(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	tx, err := Begin(e)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	defer tx.Rollback()

	if err := tx.Delete([]byte("missing")); err != common.ErrKeyNotFound {
		t.Fatalf("Delete(missing) = %v, want ErrKeyNotFound", err)
	}
}

func TestOperationsAfterCommitAreRejected(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	tx, err := Begin(e)
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if err := tx.Put([]byte("k"), []byte("v")); err != common.ErrClosed {
		t.Fatalf("Put after commit = %v, want ErrClosed", err)
	}
	if _, err := tx.Get([]byte("k")); err != common.ErrClosed {
		t.Fatalf("Get after commit = %v, want ErrClosed", err)
	}
	if err := tx.Commit(); err != common.ErrClosed {
		t.Fatalf("double Commit = %v, want ErrClosed", err)
	}
}

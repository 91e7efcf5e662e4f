package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/merlinai-com/quickstep/internal/common"
	"github.com/merlinai-com/quickstep/internal/common/testutil"
	"github.com/merlinai-com/quickstep/internal/config"
)

func setupTestEngine(t *testing.T) (*Engine, func()) {
	dir := testutil.TempDir(t)
	cfg := config.Default(dir)
	e, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return e, func() { e.Close() }
}

func TestBasicPutGet(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	if err := e.Put(1, []byte("key1"), []byte("value1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	value, err := e.Get([]byte("key1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "value1" {
		t.Fatalf("Get returned %q, want value1", value)
	}

	if _, err := e.Get([]byte("missing")); err != common.ErrKeyNotFound {
		t.Fatalf("Get missing key = %v, want ErrKeyNotFound", err)
	}
}

func TestUpdateOverwritesValue(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	if err := e.Put(1, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := e.Put(1, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("Put (update) failed: %v", err)
	}
	value, err := e.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(value) != "v2" {
		t.Fatalf("Get returned %q, want v2", value)
	}
}

func TestDeleteThenGetReturnsKeyNotFound(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	if err := e.Put(1, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := e.Delete(1, []byte("k")); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := e.Get([]byte("k")); err != common.ErrKeyNotFound {
		t.Fatalf("Get after Delete = %v, want ErrKeyNotFound", err)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	if err := e.Put(1, nil, []byte("v")); err != common.ErrKeyEmpty {
		t.Fatalf("Put(nil key) = %v, want ErrKeyEmpty", err)
	}
	if _, err := e.Get(nil); err != common.ErrKeyEmpty {
		t.Fatalf("Get(nil key) = %v, want ErrKeyEmpty", err)
	}
}

func TestValueOverMaxSizeRejected(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	big := make([]byte, maxValueSize+1)
	if err := e.Put(1, []byte("k"), big); !errors.Is(err, common.ErrValueTooLarge) {
		t.Fatalf("Put(oversized value) = %v, want ErrValueTooLarge", err)
	}
}

// TestLargeValuesFitWithinALeaf writes many keys each carrying a
// 256-byte value — larger than a single byte can ever express as a
// length, the bug a fixed 1-byte val_size field used to hit well
// before any page actually ran out of room.
func TestLargeValuesFitWithinALeaf(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	const n = 200
	value := make([]byte, 256)
	for i := range value {
		value[i] = byte(i)
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		if err := e.Put(1, key, value); err != nil {
			t.Fatalf("Put(%s) failed: %v", key, err)
		}
	}
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		got, err := e.Get(key)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", key, err)
		}
		if string(got) != string(value) {
			t.Fatalf("Get(%s) returned wrong value", key)
		}
	}
}

// TestGrowthPrecedesSplit inserts just enough keys that the root
// leaf's mini-page — promoted tight to a small size class — must grow
// through the remaining classes before it ever needs a real split,
// confirming growMiniPage actually gets exercised rather than the
// engine falling straight to splitLeaf the moment a tightly-sized
// mini-page first overflows.
func TestGrowthPrecedesSplit(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	const n = 20
	value := make([]byte, 40)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		if err := e.Put(1, key, value); err != nil {
			t.Fatalf("Put(%s) failed: %v", key, err)
		}
	}

	if e.Stats().GrowCount == 0 {
		t.Fatalf("expected at least one mini-page growth before any split")
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		got, err := e.Get(key)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", key, err)
		}
		if len(got) != len(value) {
			t.Fatalf("Get(%s) returned %d bytes, want %d", key, len(got), len(value))
		}
	}
}

// TestManyKeysForceSplits inserts enough keys to overflow a single 4
// KiB leaf several times over, then checks every key is still
// reachable through the resulting multi-leaf tree.
func TestManyKeysForceSplits(t *testing.T) {
	e, cleanup := setupTestEngine(t)
	defer cleanup()

	const n = 400
	value := make([]byte, 80)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		if err := e.Put(1, key, value); err != nil {
			t.Fatalf("Put(%s) failed: %v", key, err)
		}
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		got, err := e.Get(key)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", key, err)
		}
		if len(got) != len(value) {
			t.Fatalf("Get(%s) returned %d bytes, want %d", key, len(got), len(value))
		}
	}

	if e.Stats().SplitCount == 0 {
		t.Fatalf("expected at least one split after inserting %d keys", n)
	}
}

// TestReopenSurvivesRestart writes enough keys to force a split, closes
// the engine, reopens it against the same files, and checks every key
// (on both the original and the split-off leaf) is still reachable.
func TestReopenSurvivesRestart(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := config.Default(dir)

	e1, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	const n = 300
	value := make([]byte, 80)
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		if err := e1.Put(1, key, value); err != nil {
			t.Fatalf("Put(%s) failed: %v", key, err)
		}
	}
	if err := e1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	e2, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer e2.Close()

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		got, err := e2.Get(key)
		if err != nil {
			t.Fatalf("Get(%s) after reopen failed: %v", key, err)
		}
		if len(got) != len(value) {
			t.Fatalf("Get(%s) after reopen returned %d bytes, want %d", key, len(got), len(value))
		}
	}
}

// TestDeleteUnderflowMergesRightSibling drives enough deletes on one
// leaf to fall under the merge threshold and confirms both the
// deleted and the surviving sibling's keys behave correctly afterward
// — including after a close/reopen, since the merged-in entries live
// only in the survivor's volatile mini-page until it is flushed, and a
// close performs no flush-all sweep (see Engine.Close's comment).
func TestDeleteUnderflowMergesRightSibling(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := config.Default(dir)
	cfg.MergeThresholdBytes = 1 << 20 // force every delete to attempt a merge

	e, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	const n = 300
	value := make([]byte, 80)
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%05d", i))
		if err := e.Put(1, keys[i], value); err != nil {
			t.Fatalf("Put(%s) failed: %v", keys[i], err)
		}
	}
	if e.Stats().SplitCount == 0 {
		t.Fatalf("expected at least one split before exercising merge")
	}

	for i := 0; i < n/2; i++ {
		if err := e.Delete(1, keys[i]); err != nil {
			t.Fatalf("Delete(%s) failed: %v", keys[i], err)
		}
	}
	if e.Stats().MergeCount == 0 {
		t.Fatalf("expected at least one merge after deleting half the keys")
	}

	checkKeys := func(e *Engine) {
		t.Helper()
		for i := 0; i < n/2; i++ {
			if _, err := e.Get(keys[i]); err != common.ErrKeyNotFound {
				t.Fatalf("Get(%s) after delete = %v, want ErrKeyNotFound", keys[i], err)
			}
		}
		for i := n / 2; i < n; i++ {
			got, err := e.Get(keys[i])
			if err != nil {
				t.Fatalf("Get(%s) failed: %v", keys[i], err)
			}
			if len(got) != len(value) {
				t.Fatalf("Get(%s) returned %d bytes, want %d", keys[i], len(got), len(value))
			}
		}
	}
	checkKeys(e)

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	e2, err := Open(cfg, nil)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer e2.Close()
	checkKeys(e2)
}

package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/merlinai-com/quickstep/internal/common/testutil"
)

func openTest(t *testing.T, leafThreshold int) *WAL {
	dir := testutil.TempDir(t)
	w, err := Open(filepath.Join(dir, "quickstep.db.wal"), leafThreshold, 1<<16, 1<<20)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestAppendPutThenRecordsGrouped(t *testing.T) {
	w := openTest(t, 64)
	if err := w.AppendPut(1, 5, []byte("a"), []byte("z"), []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("AppendPut failed: %v", err)
	}
	groups := w.RecordsGrouped()
	recs, ok := groups[5]
	if !ok || len(recs) != 1 {
		t.Fatalf("RecordsGrouped()[5] = %+v, ok=%v; want 1 record", recs, ok)
	}
	if string(recs[0].Key) != "k1" || string(recs[0].Value) != "v1" {
		t.Fatalf("record = %+v, want key=k1 value=v1", recs[0])
	}
}

func TestReopenReplaysGroupsFromDisk(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "quickstep.db.wal")

	w1, err := Open(path, 64, 1<<16, 1<<20)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := w1.AppendPut(1, 5, []byte("a"), []byte("z"), []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("AppendPut failed: %v", err)
	}
	if err := w1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	w2, err := Open(path, 64, 1<<16, 1<<20)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer w2.Close()

	groups := w2.RecordsGrouped()
	if len(groups[5]) != 1 {
		t.Fatalf("after reopen, groups[5] has %d records, want 1", len(groups[5]))
	}
}

func TestNeedsCheckpointTrips(t *testing.T) {
	w := openTest(t, 4)
	for i := 0; i < 4; i++ {
		if err := w.AppendPut(1, 5, nil, nil, []byte("k"), []byte("v")); err != nil {
			t.Fatalf("AppendPut failed: %v", err)
		}
	}
	if !w.NeedsCheckpoint(5) {
		t.Fatalf("expected NeedsCheckpoint(5) to be true at threshold")
	}
}

func TestCheckpointPageRemovesGroupAndShrinksFile(t *testing.T) {
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "quickstep.db.wal")
	w, err := Open(path, 64, 1<<16, 1<<20)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()

	for i := 0; i < 5; i++ {
		if err := w.AppendPut(1, 5, nil, nil, []byte("k"), []byte("v")); err != nil {
			t.Fatalf("AppendPut failed: %v", err)
		}
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat before checkpoint failed: %v", err)
	}
	if err := w.CheckpointPage(5); err != nil {
		t.Fatalf("CheckpointPage failed: %v", err)
	}
	if _, ok := w.RecordsGrouped()[5]; ok {
		t.Fatalf("expected page 5's group to be gone after checkpoint")
	}
	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat after checkpoint failed: %v", err)
	}
	if after.Size() >= before.Size() {
		t.Fatalf("WAL is %d bytes after checkpoint, want fewer than %d", after.Size(), before.Size())
	}
}

func TestTruncateDropsAllGroups(t *testing.T) {
	w := openTest(t, 64)
	if err := w.AppendPut(1, 5, nil, nil, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("AppendPut failed: %v", err)
	}
	if err := w.Truncate(); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if len(w.RecordsGrouped()) != 0 {
		t.Fatalf("expected no groups after Truncate")
	}
}

func TestAppendTxnMarkerUsesReservedPageId(t *testing.T) {
	w := openTest(t, 64)
	if err := w.AppendTxnMarker(1, MarkerBegin); err != nil {
		t.Fatalf("AppendTxnMarker failed: %v", err)
	}
	groups := w.RecordsGrouped()
	recs, ok := groups[MarkerPageId]
	if !ok || len(recs) != 1 || recs[0].Kind != EntryTxnMarker {
		t.Fatalf("expected one TxnMarker record on the reserved PageId, got %+v ok=%v", recs, ok)
	}
}

func TestGlobalThresholdsExceeded(t *testing.T) {
	dir := testutil.TempDir(t)
	w, err := Open(filepath.Join(dir, "quickstep.db.wal"), 1<<20, 2, 1<<20)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()
	if w.GlobalThresholdsExceeded() {
		t.Fatalf("expected GlobalThresholdsExceeded false before any appends")
	}
	for i := 0; i < 3; i++ {
		if err := w.AppendPut(1, uint64(i), nil, nil, []byte("k"), []byte("v")); err != nil {
			t.Fatalf("AppendPut failed: %v", err)
		}
	}
	if !w.GlobalThresholdsExceeded() {
		t.Fatalf("expected GlobalThresholdsExceeded true after exceeding the record limit")
	}
}

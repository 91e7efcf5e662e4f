package recovery

import (
	"path/filepath"
	"testing"

	"github.com/merlinai-com/quickstep/internal/common/testutil"
	"github.com/merlinai-com/quickstep/internal/leaf"
	"github.com/merlinai-com/quickstep/internal/mapping"
	"github.com/merlinai-com/quickstep/internal/pageio"
	"github.com/merlinai-com/quickstep/internal/wal"
)

func openAll(t *testing.T) (*pageio.File, *wal.WAL, *mapping.Table) {
	dir := testutil.TempDir(t)
	pf, err := pageio.Open(filepath.Join(dir, "quickstep.db"))
	if err != nil {
		t.Fatalf("pageio.Open failed: %v", err)
	}
	t.Cleanup(func() { pf.Close() })

	w, err := wal.Open(filepath.Join(dir, "quickstep.db.wal"), 64, 1<<16, 1<<20)
	if err != nil {
		t.Fatalf("wal.Open failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	mt := mapping.New(16)
	return pf, w, mt
}

func TestRecoverFormatsFreshRootLeaf(t *testing.T) {
	pf, w, mt := openAll(t)
	if _, err := Recover(pf, w, mt, nil); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if !mt.HasEntry(0) {
		t.Fatalf("expected PageId 0 to be mapped after Recover")
	}
}

func TestRecoverReplaysRedoRecordsOntoNewLeaf(t *testing.T) {
	pf, w, mt := openAll(t)
	if _, err := Recover(pf, w, mt, nil); err != nil {
		t.Fatalf("initial Recover failed: %v", err)
	}

	rg, err := mt.ReadLock(0)
	if err != nil {
		t.Fatalf("ReadLock(0) failed: %v", err)
	}
	rg.Unlock()

	if err := w.AppendPut(1, 7, []byte("a"), []byte("z"), []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("AppendPut failed: %v", err)
	}
	if err := w.AppendPut(1, 7, []byte("a"), []byte("z"), []byte("k2"), []byte("v2")); err != nil {
		t.Fatalf("AppendPut failed: %v", err)
	}

	recovered, err := Recover(pf, w, mt, nil)
	if err != nil {
		t.Fatalf("second Recover failed: %v", err)
	}
	found := false
	for _, id := range recovered {
		if id == 7 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected PageId 7 in recovered list, got %v", recovered)
	}
	if !mt.HasEntry(7) {
		t.Fatalf("expected PageId 7 to be mapped after replaying its WAL group")
	}

	if len(w.RecordsGrouped()) != 0 {
		t.Fatalf("expected WAL to be truncated after Recover completes")
	}
}

func TestRecoverLastWriteWinsForSameKey(t *testing.T) {
	pf, w, mt := openAll(t)
	if _, err := Recover(pf, w, mt, nil); err != nil {
		t.Fatalf("initial Recover failed: %v", err)
	}

	if err := w.AppendPut(1, 9, []byte("a"), []byte("z"), []byte("k"), []byte("first")); err != nil {
		t.Fatalf("AppendPut failed: %v", err)
	}
	if err := w.AppendPut(1, 9, []byte("a"), []byte("z"), []byte("k"), []byte("second")); err != nil {
		t.Fatalf("AppendPut failed: %v", err)
	}
	if err := w.AppendTombstone(1, 9, []byte("a"), []byte("z"), []byte("k")); err != nil {
		t.Fatalf("AppendTombstone failed: %v", err)
	}

	merged, _, _ := mergeRecords(w.RecordsGrouped()[9])
	if len(merged) != 1 {
		t.Fatalf("expected exactly one merged entry for repeated key, got %d", len(merged))
	}
	if merged[0].Type != leaf.RecordTombstone {
		t.Fatalf("expected the last-written record (tombstone) to win, got %+v", merged[0])
	}
}

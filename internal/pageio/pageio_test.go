package pageio

import (
	"bytes"
	"testing"

	"github.com/merlinai-com/quickstep/internal/common/testutil"
)

func TestOpenCreatesMetadataPage(t *testing.T) {
	dir := testutil.TempDir(t)
	f, err := Open(dir + "/quickstep.db")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	if f.NumPages() != 1 {
		t.Fatalf("expected 1 page after create, got %d", f.NumPages())
	}
	if f.RootPageId() != 0 {
		t.Fatalf("expected root page id 0 on fresh file, got %d", f.RootPageId())
	}
}

func TestAllocateWriteReadPage(t *testing.T) {
	dir := testutil.TempDir(t)
	f, err := Open(dir + "/quickstep.db")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	id, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if id == 0 {
		t.Fatalf("Allocate returned reserved metadata page id 0")
	}

	want := bytes.Repeat([]byte{0xAB}, PageSize)
	if err := f.WritePage(id, want); err != nil {
		t.Fatalf("WritePage failed: %v", err)
	}

	got := make([]byte, PageSize)
	if err := f.ReadPage(id, got); err != nil {
		t.Fatalf("ReadPage failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("ReadPage returned different bytes than written")
	}
}

func TestRootPageIdPersistsAcrossReopen(t *testing.T) {
	dir := testutil.TempDir(t)
	path := dir + "/quickstep.db"

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	id, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := f.SetRootPageId(id); err != nil {
		t.Fatalf("SetRootPageId failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer f2.Close()
	if f2.RootPageId() != id {
		t.Fatalf("expected root page id %d after reopen, got %d", id, f2.RootPageId())
	}
	if f2.NumPages() != 2 {
		t.Fatalf("expected 2 pages after reopen, got %d", f2.NumPages())
	}
}

func TestFreeAndReallocate(t *testing.T) {
	dir := testutil.TempDir(t)
	f, err := Open(dir + "/quickstep.db")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	id, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := f.Free(id); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	before := f.NumPages()
	reused, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate after Free failed: %v", err)
	}
	if reused != id {
		t.Fatalf("expected Allocate to reuse freed page %d, got %d", id, reused)
	}
	if f.NumPages() != before {
		t.Fatalf("Allocate should not grow file when reusing a freed page")
	}
}

func TestReadPageRejectsWrongSizeBuffer(t *testing.T) {
	dir := testutil.TempDir(t)
	f, err := Open(dir + "/quickstep.db")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	id, err := f.Allocate()
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := f.ReadPage(id, make([]byte, PageSize-1)); err == nil {
		t.Fatalf("expected error for undersized buffer")
	}
}

func TestSecondOpenFailsWhileLocked(t *testing.T) {
	dir := testutil.TempDir(t)
	path := dir + "/quickstep.db"

	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	if _, err := Open(path); err == nil {
		t.Fatalf("expected second Open to fail while first holds the flock")
	}
}

package leaf

import (
	"bytes"
	"testing"

	"github.com/merlinai-com/quickstep/internal/common"
)

func newTestPage(t *testing.T, lower, upper string) *Page {
	p := NewEmpty(PageSize)
	if err := p.ResetUserEntriesWithFences([]byte(lower), []byte(upper)); err != nil {
		t.Fatalf("ResetUserEntriesWithFences failed: %v", err)
	}
	return p
}

func TestPutGetRoundTrip(t *testing.T) {
	p := newTestPage(t, "a", "z")

	if err := p.TryPut([]byte("hello"), []byte("world"), RecordInsert); err != nil {
		t.Fatalf("TryPut failed: %v", err)
	}

	got, err := p.Get([]byte("hello"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, []byte("world")) {
		t.Fatalf("Get returned %q, want %q", got, "world")
	}
}

func TestGetMissingKey(t *testing.T) {
	p := newTestPage(t, "a", "z")
	if _, err := p.Get([]byte("nope")); err != common.ErrKeyNotFound {
		t.Fatalf("Get on missing key = %v, want ErrKeyNotFound", err)
	}
}

func TestMarkTombstoneHidesKey(t *testing.T) {
	p := newTestPage(t, "a", "z")
	if err := p.TryPut([]byte("k1"), []byte("v1"), RecordInsert); err != nil {
		t.Fatalf("TryPut failed: %v", err)
	}
	if err := p.MarkTombstone([]byte("k1")); err != nil {
		t.Fatalf("MarkTombstone failed: %v", err)
	}
	if _, err := p.Get([]byte("k1")); err != common.ErrKeyNotFound {
		t.Fatalf("Get after tombstone = %v, want ErrKeyNotFound", err)
	}
	if !p.HasTombstones() {
		t.Fatalf("expected HasTombstones true after MarkTombstone")
	}
}

func TestFencesAndPrefixCompression(t *testing.T) {
	p := newTestPage(t, "user:1000", "user:2000")

	want := []byte("user:")
	if !bytes.Equal(p.Prefix(), want) {
		t.Fatalf("Prefix() = %q, want %q", p.Prefix(), want)
	}
	if !bytes.Equal(p.LowerFence(), []byte("user:1000")) {
		t.Fatalf("LowerFence() = %q", p.LowerFence())
	}
	if !bytes.Equal(p.UpperFence(), []byte("user:2000")) {
		t.Fatalf("UpperFence() = %q", p.UpperFence())
	}
}

func TestContainsRespectsHalfOpenRange(t *testing.T) {
	p := newTestPage(t, "m", "x")

	if !p.Contains([]byte("m")) {
		t.Fatalf("expected lower fence (inclusive) to be contained")
	}
	if p.Contains([]byte("x")) {
		t.Fatalf("expected upper fence (exclusive) to NOT be contained")
	}
	if !p.Contains([]byte("n")) {
		t.Fatalf("expected a key strictly between fences to be contained")
	}
}

func TestSortedOrderMaintainedAcrossInserts(t *testing.T) {
	p := newTestPage(t, "a", "z")
	keys := []string{"m", "c", "x", "a_", "q"}
	for _, k := range keys {
		if err := p.TryPut([]byte(k), []byte("v-"+k), RecordInsert); err != nil {
			t.Fatalf("TryPut(%q) failed: %v", k, err)
		}
	}

	entries := p.IterUserEntries()
	for i := 1; i < len(entries); i++ {
		if bytesCompare(entries[i-1].Key, entries[i].Key) >= 0 {
			t.Fatalf("entries not strictly sorted at index %d: %q >= %q", i, entries[i-1].Key, entries[i].Key)
		}
	}
	if len(entries) != len(keys) {
		t.Fatalf("expected %d user entries, got %d", len(keys), len(entries))
	}
}

func TestReplayEntriesRebuildsPage(t *testing.T) {
	src := newTestPage(t, "a", "z")
	for _, k := range []string{"b", "c", "d"} {
		if err := src.TryPut([]byte(k), []byte("v-"+k), RecordInsert); err != nil {
			t.Fatalf("TryPut failed: %v", err)
		}
	}
	if err := src.MarkTombstone([]byte("c")); err != nil {
		t.Fatalf("MarkTombstone failed: %v", err)
	}
	entries := src.IterUserEntries()

	dst := newTestPage(t, "a", "z")
	if err := dst.ReplayEntries(entries); err != nil {
		t.Fatalf("ReplayEntries failed: %v", err)
	}

	if _, err := dst.Get([]byte("b")); err != nil {
		t.Fatalf("expected replayed key b to be readable: %v", err)
	}
	if _, err := dst.Get([]byte("c")); err != common.ErrKeyNotFound {
		t.Fatalf("expected replayed tombstone c to be absent, got %v", err)
	}
}

func TestSetIdentityAfterSplit(t *testing.T) {
	p := newTestPage(t, "a", "z")
	p.SetIdentity(42, 7)
	if p.OwnerPageId() != 42 {
		t.Fatalf("OwnerPageId() = %d, want 42", p.OwnerPageId())
	}
	if p.DiskAddr() != 7 {
		t.Fatalf("DiskAddr() = %d, want 7", p.DiskAddr())
	}
}

func TestBytesRoundTripThroughFromBytes(t *testing.T) {
	p := newTestPage(t, "a", "z")
	if err := p.TryPut([]byte("k"), []byte("v"), RecordInsert); err != nil {
		t.Fatalf("TryPut failed: %v", err)
	}

	p2, err := FromBytes(p.Bytes())
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}
	got, err := p2.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get on reconstructed page failed: %v", err)
	}
	if !bytes.Equal(got, []byte("v")) {
		t.Fatalf("Get on reconstructed page = %q, want %q", got, "v")
	}
}

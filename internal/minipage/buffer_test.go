package minipage

import (
	"testing"

	"github.com/merlinai-com/quickstep/internal/common"
	"github.com/pkg/errors"
)

func TestClassForPicksSmallestFit(t *testing.T) {
	cases := map[int]int{0: 64, 64: 64, 65: 128, 4096: 4096}
	for n, want := range cases {
		got := ClassFor(n)
		if got < 0 || SizeClasses[got] != want {
			t.Fatalf("ClassFor(%d) picked class %v, want size %d", n, got, want)
		}
	}
	if ClassFor(4097) != -1 {
		t.Fatalf("ClassFor(4097) should exceed the largest class")
	}
}

func TestAllocFromFreelist(t *testing.T) {
	b := New(7 * 64) // one slot per class, smallest budget
	slot, err := b.Alloc(32, 1)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if slot.OwnerId() != 1 {
		t.Fatalf("OwnerId() = %d, want 1", slot.OwnerId())
	}
	if slot.Page().Size() != 64 {
		t.Fatalf("slot page size = %d, want 64", slot.Page().Size())
	}
}

func TestAllocExhaustionReturnsBufferFull(t *testing.T) {
	b := New(7 * 64) // exactly one 64-byte slot
	if _, err := b.Alloc(32, 1); err != nil {
		t.Fatalf("first Alloc failed: %v", err)
	}
	_, err := b.Alloc(32, 2)
	if !errors.Is(err, common.ErrBufferFull) {
		t.Fatalf("second Alloc = %v, want ErrBufferFull", err)
	}
}

func TestEvictOneSkipsReferencedAndPinned(t *testing.T) {
	b := New(7 * 2 * 64) // two 64-byte slots (the budget is split over seven classes)
	s1, err := b.Alloc(32, 1)
	if err != nil {
		t.Fatalf("Alloc s1 failed: %v", err)
	}
	s2, err := b.Alloc(32, 2)
	if err != nil {
		t.Fatalf("Alloc s2 failed: %v", err)
	}

	s1.Page() // touch: sets ref bit, so s1 survives the first sweep
	b.Pin(s2) // s2 is pinned, so it survives too

	// The pinned s2 is never chosen; s1's second chance is spent on the
	// first sweep, so the second sweep evicts it.
	victim, err := b.EvictOne(ClassFor(32))
	if err != nil {
		t.Fatalf("EvictOne failed: %v", err)
	}
	if victim != s1 {
		t.Fatalf("EvictOne chose the pinned slot, want the referenced slot s1")
	}
}

func TestEvictOneThenReleaseAllowsReallocation(t *testing.T) {
	b := New(64) // exactly one slot
	s, err := b.Alloc(32, 1)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	victim, err := b.EvictOne(ClassFor(32))
	if err != nil {
		t.Fatalf("EvictOne failed: %v", err)
	}
	if victim != s {
		t.Fatalf("EvictOne picked a different slot than the only occupant")
	}
	if !victim.Page().IsEvicting() {
		t.Fatalf("expected victim's page to be marked Evicting")
	}

	b.ReleaseToFreelist(victim)

	reused, err := b.Alloc(32, 9)
	if err != nil {
		t.Fatalf("Alloc after release failed: %v", err)
	}
	if reused.OwnerId() != 9 {
		t.Fatalf("reused.OwnerId() = %d, want 9", reused.OwnerId())
	}
}

func TestFreeReturnsSlotWithoutFlush(t *testing.T) {
	b := New(64)
	s, err := b.Alloc(32, 1)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	b.Free(s)

	if _, err := b.Alloc(32, 2); err != nil {
		t.Fatalf("Alloc after Free failed: %v", err)
	}
}

func TestEvictionsCounterIncrements(t *testing.T) {
	b := New(64)
	if _, err := b.Alloc(32, 1); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if _, err := b.EvictOne(ClassFor(32)); err != nil {
		t.Fatalf("EvictOne failed: %v", err)
	}
	if b.Evictions() != 1 {
		t.Fatalf("Evictions() = %d, want 1", b.Evictions())
	}
}

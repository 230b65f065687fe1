package pagetable

import "testing"

const pageSize = 4096

func TestMapTranslate(t *testing.T) {
	tbl := New()
	tbl.Map(0x40000000, 0x1000)
	tbl.Map(0x40000000+pageSize, 0x2000)

	pa, ok := tbl.Translate(0x40000000)
	if !ok || pa != 0x1000 {
		t.Fatalf("Translate = %#x, %v; want 0x1000, true", pa, ok)
	}
	pa, ok = tbl.Translate(0x40000000 + pageSize)
	if !ok || pa != 0x2000 {
		t.Fatalf("Translate = %#x, %v; want 0x2000, true", pa, ok)
	}
	if _, ok := tbl.Translate(0x99999000); ok {
		t.Fatalf("Translate of unmapped address should miss")
	}
}

func TestSentinelLifecycle(t *testing.T) {
	tbl := New()
	tbl.Map(0x40000000, 0x1000)

	slot, ok := tbl.FindLeafSlot(0x40000000)
	if !ok {
		t.Fatalf("FindLeafSlot miss")
	}

	if inFlight, _, _ := Decode(slot.Load()); inFlight {
		t.Fatalf("freshly mapped slot should not be in-flight")
	}

	if !slot.CASMarkInFlight(0xdead0000) {
		t.Fatalf("CASMarkInFlight should succeed on pristine slot")
	}
	inFlight, pending, _ := Decode(slot.Load())
	if !inFlight || !pending {
		t.Fatalf("after CASMarkInFlight: inFlight=%v pending=%v, want true,true", inFlight, pending)
	}
	if slot.CASMarkInFlight(0xbeef0000) {
		t.Fatalf("second CASMarkInFlight on already-in-flight slot should fail")
	}

	slot.Complete(0xdead0000)
	inFlight, pending, local := Decode(slot.Load())
	if !inFlight || pending || local != 0xdead0000 {
		t.Fatalf("after Complete: inFlight=%v pending=%v local=%#x, want true,false,0xdead0000", inFlight, pending, local)
	}
}

func TestNextSlotsOmitsMissingLeaves(t *testing.T) {
	tbl := New()
	tbl.Map(0x40000000, 0x1000)
	tbl.Map(0x40000000+pageSize, 0x2000)
	// 0x40000000+2*pageSize deliberately left unmapped.

	ahead := tbl.NextSlots(0x40000000, 2)
	if len(ahead) != 1 {
		t.Fatalf("NextSlots returned %d slots, want 1 (second page unmapped)", len(ahead))
	}
	if ahead[0].VAddr != 0x40000000+pageSize {
		t.Fatalf("NextSlots[0].VAddr = %#x, want %#x", ahead[0].VAddr, 0x40000000+pageSize)
	}
}

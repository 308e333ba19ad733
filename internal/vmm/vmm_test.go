package vmm

import "testing"

// indices/tableWindow are pure address arithmetic and can be exercised
// without a real MMU; MapPage/UnmapPage themselves touch live page
// tables and are exercised only on real hardware, the same boundary the
// teacher draws around mmio_write/mmio_read (SPEC_FULL.md Ambient Stack
// "Test tooling").

func TestIndicesRoundTrip(t *testing.T) {
	virt := uintptr(0x1_2345_6000)
	l4, l3, l2, l1 := indices(virt)

	rebuilt := uintptr(l4)<<39 | uintptr(l3)<<30 | uintptr(l2)<<21 | uintptr(l1)<<12
	if rebuilt != virt&^0xFFF {
		t.Fatalf("indices round trip: got %#x want %#x", rebuilt, virt&^0xFFF)
	}
}

func TestTableWindowDistinctPerLevel(t *testing.T) {
	virt := uintptr(0x1_2345_6000)
	seen := map[uintptr]bool{}
	for level := 1; level <= 4; level++ {
		w := tableWindow(level, virt)
		if seen[w] {
			t.Fatalf("level %d window %#x collides with another level", level, w)
		}
		seen[w] = true
		if w&(pageSize-1) != 0 {
			t.Fatalf("level %d window %#x is not page aligned", level, w)
		}
	}
}

func TestFlagsBitsEnforcesRequestedBits(t *testing.T) {
	f := Flags{Write: true, User: true, NoExecute: true, Global: true}
	b := f.bits(true)

	for _, want := range []uint64{ptePresent, pteWrite, pteUser, pteGlobal, pteNoExec, pteAccessed} {
		if b&want == 0 {
			t.Fatalf("bits() = %#x missing expected bit %#x", b, want)
		}
	}
}

func TestPhysToDirectMapIsOffsetByPhys(t *testing.T) {
	a := PhysToDirectMap(0x1000)
	b := PhysToDirectMap(0x2000)
	if b-a != 0x1000 {
		t.Fatalf("PhysToDirectMap not linear: a=%#x b=%#x", a, b)
	}
}

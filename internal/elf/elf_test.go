package elf

import (
	"encoding/binary"
	"testing"
)

// buildMiniELF constructs the smallest ELF64 image EachSegment/EntryPoint
// can parse: a file header plus one PT_LOAD program header describing a
// segment whose memsz exceeds its filesz (so the BSS-zeroing contract is
// exercisable by a caller).
func buildMiniELF(entry uint64, vaddr uint64, filesz, memsz uint64) []byte {
	const ehsize = 64
	const phentsize = 56

	buf := make([]byte, ehsize+phentsize)
	copy(buf[0:4], elfMagic)
	buf[4] = classELF64
	binary.LittleEndian.PutUint64(buf[24:32], entry)
	binary.LittleEndian.PutUint64(buf[32:40], ehsize) // e_phoff
	binary.LittleEndian.PutUint16(buf[54:56], phentsize)
	binary.LittleEndian.PutUint16(buf[56:58], 1) // e_phnum

	ph := buf[ehsize:]
	binary.LittleEndian.PutUint32(ph[0:4], typePTLoad)
	binary.LittleEndian.PutUint32(ph[4:8], pfRead|pfExecute)
	binary.LittleEndian.PutUint64(ph[8:16], 0) // p_offset
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[32:40], filesz)
	binary.LittleEndian.PutUint64(ph[40:48], memsz)

	return buf
}

func TestEntryPointReadsE_Entry(t *testing.T) {
	image := buildMiniELF(0x401000, 0x400000, 16, 16)
	entry, kind := EntryPoint(image)
	if kind != 0 {
		t.Fatalf("EntryPoint error: %v", kind)
	}
	if entry != 0x401000 {
		t.Fatalf("entry = %#x, want 0x401000", entry)
	}
}

func TestEachSegmentReportsLoadSegment(t *testing.T) {
	image := buildMiniELF(0x401000, 0x400000, 16, 4096)
	var got []Segment
	if kind := EachSegment(image, func(s Segment) bool {
		got = append(got, s)
		return true
	}); kind != 0 {
		t.Fatalf("EachSegment error: %v", kind)
	}
	if len(got) != 1 {
		t.Fatalf("got %d segments, want 1", len(got))
	}
	seg := got[0]
	if seg.VirtAddr != 0x400000 || seg.FileSize != 16 || seg.MemSize != 4096 {
		t.Fatalf("segment = %+v, unexpected fields", seg)
	}
	if !seg.Executable || seg.Writable {
		t.Fatalf("segment flags = {exec:%v write:%v}, want {exec:true write:false}", seg.Executable, seg.Writable)
	}
	if seg.MemSize <= seg.FileSize {
		t.Fatal("test segment should have a BSS tail (memsz > filesz) to exercise zero-fill callers")
	}
}

func TestEntryPointRejectsBadMagic(t *testing.T) {
	image := buildMiniELF(0x401000, 0x400000, 16, 16)
	image[0] = 'X'
	if _, kind := EntryPoint(image); kind == 0 {
		t.Fatal("EntryPoint should reject a corrupted magic number")
	}
}

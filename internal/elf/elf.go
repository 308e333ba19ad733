// Package elf implements a minimal ELF64 PT_LOAD reader over in-memory
// bytes (spec §6 Service executable format). Not debug/elf: that package
// assumes an io.ReaderAt backed by a real file descriptor, unavailable
// this early in boot — the service image lives entirely inside the
// initrd bytes internal/cpio already mapped into kernel memory.
package elf

import (
	"encoding/binary"

	"github.com/irgordon/kozo/internal/kerrors"
)

const (
	elfMagic    = "\x7fELF"
	classELF64  = 2
	typePTLoad  = 1
	pfExecute   = 1 << 0
	pfWrite     = 1 << 1
	pfRead      = 1 << 2
)

// Segment is one PT_LOAD program header's load instructions (spec §6
// Service executable format loader policy): "page-aligned
// vaddr..vaddr+memsz; map each page with flags derived as Read always,
// Write iff PF_W, No-Execute iff !PF_X; copy filesz bytes... zero the
// memsz - filesz tail".
type Segment struct {
	VirtAddr   uintptr
	MemSize    uint64
	FileSize   uint64
	FileOffset uint64
	Writable   bool
	Executable bool
}

// EntryPoint returns e_entry, the image's start address.
func EntryPoint(image []byte) (uintptr, kerrors.Kind) {
	if len(image) < 24 || string(image[0:4]) != elfMagic || image[4] != classELF64 {
		return 0, kerrors.Invalid
	}
	return uintptr(binary.LittleEndian.Uint64(image[24:32])), kerrors.OK
}

// EachSegment iterates every PT_LOAD program header in e_phoff/e_phnum
// order, calling fn for each. fn returning false stops iteration early.
func EachSegment(image []byte, fn func(Segment) bool) kerrors.Kind {
	if len(image) < 64 || string(image[0:4]) != elfMagic || image[4] != classELF64 {
		return kerrors.Invalid
	}

	phoff := binary.LittleEndian.Uint64(image[32:40])
	phentsize := binary.LittleEndian.Uint16(image[54:56])
	phnum := binary.LittleEndian.Uint16(image[56:58])

	for i := uint16(0); i < phnum; i++ {
		base := int(phoff) + int(i)*int(phentsize)
		if base+56 > len(image) {
			return kerrors.Invalid
		}
		hdr := image[base:]

		pType := binary.LittleEndian.Uint32(hdr[0:4])
		if pType != typePTLoad {
			continue
		}
		flags := binary.LittleEndian.Uint32(hdr[4:8])
		fileOffset := binary.LittleEndian.Uint64(hdr[8:16])
		vaddr := binary.LittleEndian.Uint64(hdr[16:24])
		filesz := binary.LittleEndian.Uint64(hdr[32:40])
		memsz := binary.LittleEndian.Uint64(hdr[40:48])

		seg := Segment{
			VirtAddr:   uintptr(vaddr),
			MemSize:    memsz,
			FileSize:   filesz,
			FileOffset: fileOffset,
			Writable:   flags&pfWrite != 0,
			Executable: flags&pfExecute != 0,
		}
		if !fn(seg) {
			return kerrors.OK
		}
	}
	return kerrors.OK
}

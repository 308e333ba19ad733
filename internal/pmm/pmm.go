// Package pmm implements the physical frame allocator (spec §4.1,
// component C2): a bitmap over every 4 KiB physical frame, initialized
// from the firmware memory map, serving single-frame allocations with a
// linear scan. Grounded on the teacher's fixed-array, no-heap style
// (compare mazboot's kmalloc free-list, itself a fixed-region allocator)
// and on the bitmap scheme described by gopher-os/gopher-os's
// kernel/mem/pmm/allocator/bitmap_allocator.go (other_examples/) — the
// only concrete bitmap-PMM reference in the retrieval pack.
package pmm

import (
	"github.com/irgordon/kozo/internal/boot"
	"github.com/irgordon/kozo/internal/kerrors"
)

const (
	pageSize  = 4096
	pageShift = 12
)

// maxBitmapBytes bounds the fixed bitmap array: 1 bit per page, enough
// to cover 64 GiB of physical address space (64GiB/4KiB/8 bits).
const maxBitmapBytes = (64 << 30) / pageSize / 8

// Allocator is the bitmap frame allocator. All state lives in a fixed
// array, never on a general-purpose heap (spec §1 Non-goals).
type Allocator struct {
	bitmap       [maxBitmapBytes]byte
	bitmapBytes  int
	totalFrames  int
	framesInUse  int
	scanCursor   int // first-fit scan hint; monotonic non-decreasing between frees
}

var global Allocator

// Global returns the single process-wide allocator instance (spec §5:
// "Frame allocator... is process-wide").
func Global() *Allocator { return &global }

// Init builds the bitmap from the handover record's memory map (spec
// §4.1 Algorithm). Every bit starts marked in-use; bits for conventional
// regions are then cleared. No frames are reserved for the bitmap
// itself: it lives inside the Allocator struct.
func (a *Allocator) Init(info *boot.Info) {
	var highest uint64
	info.EachDescriptor(func(d *boot.MemoryDescriptor) {
		end := d.PhysicalStart + d.NumberOfPages*pageSize
		if end > highest {
			highest = end
		}
	})

	totalFrames := int(highest >> pageShift)
	bitmapBytes := (totalFrames + 7) / 8
	if bitmapBytes > maxBitmapBytes {
		bitmapBytes = maxBitmapBytes
		totalFrames = bitmapBytes * 8
	}
	a.bitmapBytes = bitmapBytes
	a.totalFrames = totalFrames

	for i := 0; i < bitmapBytes; i++ {
		a.bitmap[i] = 0xFF
	}
	a.framesInUse = totalFrames

	info.EachDescriptor(func(d *boot.MemoryDescriptor) {
		if d.Type != boot.TypeConventional {
			return
		}
		// Round inward: a region not page-aligned donates only the
		// frames fully contained within it (spec §4.1 Edge cases).
		start := (d.PhysicalStart + pageSize - 1) &^ (pageSize - 1)
		end := (d.PhysicalStart + d.NumberOfPages*pageSize) &^ (pageSize - 1)
		for addr := start; addr+pageSize <= end; addr += pageSize {
			frame := int(addr >> pageShift)
			if frame >= a.totalFrames {
				// Above the initial high-water mark; ignore (spec §4.1
				// Edge cases).
				break
			}
			a.clearBit(frame)
		}
	})

	// Nothing is reserved for the bitmap: it is not memory donated by
	// the firmware but kernel state living inside this struct,
	// whose physical backing the loader already marked non-conventional
	// (or, in the bootstrap case, simply exists before PMM.Init runs).
}

//go:nosplit
func (a *Allocator) testBit(frame int) bool {
	return a.bitmap[frame/8]&(1<<uint(frame%8)) != 0
}

//go:nosplit
func (a *Allocator) setBit(frame int) {
	if a.bitmap[frame/8]&(1<<uint(frame%8)) == 0 {
		a.bitmap[frame/8] |= 1 << uint(frame%8)
		a.framesInUse++
	}
}

//go:nosplit
func (a *Allocator) clearBit(frame int) {
	if a.bitmap[frame/8]&(1<<uint(frame%8)) != 0 {
		a.bitmap[frame/8] &^= 1 << uint(frame%8)
		a.framesInUse--
	}
}

// AllocFrame returns the physical base address of a free 4 KiB frame, or
// NoMem if none remain (spec §4.1 Algorithm: "a linear scan from index
// zero for the first non-0xFF byte, then a bit scan within it").
func (a *Allocator) AllocFrame() (uintptr, kerrors.Kind) {
	for byteIdx := a.scanCursor; byteIdx < a.bitmapBytes; byteIdx++ {
		if a.bitmap[byteIdx] == 0xFF {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			frame := byteIdx*8 + bit
			if frame >= a.totalFrames {
				break
			}
			if !a.testBit(frame) {
				a.setBit(frame)
				a.scanCursor = byteIdx
				return uintptr(frame) << pageShift, kerrors.OK
			}
		}
	}
	// Scan from the start once in case a free frame below scanCursor
	// was created by an intervening FreeFrame (scanCursor is only a
	// hint, not an invariant boundary).
	if a.scanCursor != 0 {
		a.scanCursor = 0
		return a.AllocFrame()
	}
	return 0, kerrors.NoMem
}

// FreeFrame clears the bit for a previously allocated frame. Out-of-range
// or already-free addresses are ignored (fixed-size allocator, spec
// §4.1: "On free, clear the corresponding bit; do not coalesce").
func (a *Allocator) FreeFrame(phys uintptr) {
	frame := int(phys >> pageShift)
	if frame < 0 || frame >= a.totalFrames {
		return
	}
	a.clearBit(frame)
	if frame/8 < a.scanCursor {
		a.scanCursor = frame / 8
	}
}

// FramesFree and FramesInUse support the PMM conservation property
// (spec §8 property 5): frames_free + frames_in_use == TotalFrames(),
// which counts every frame below the highest described address. Frames
// outside conventional regions count as in use, so the sum is not the
// number of conventional frames.
func (a *Allocator) FramesFree() int { return a.totalFrames - a.framesInUse }
func (a *Allocator) FramesInUse() int { return a.framesInUse }
func (a *Allocator) TotalFrames() int { return a.totalFrames }

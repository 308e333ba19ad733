package pmm

import (
	"testing"
	"unsafe"

	"github.com/irgordon/kozo/internal/boot"
	"github.com/irgordon/kozo/internal/kerrors"
)

func fixtureInfo(descs []boot.MemoryDescriptor) *boot.Info {
	return &boot.Info{
		MemoryMapAddr:  uint64(uintptr(unsafe.Pointer(&descs[0]))),
		MemoryMapSize:  uint64(len(descs)) * uint64(unsafe.Sizeof(boot.MemoryDescriptor{})),
		DescriptorSize: uint64(unsafe.Sizeof(boot.MemoryDescriptor{})),
	}
}

func TestInitConservation(t *testing.T) {
	descs := []boot.MemoryDescriptor{
		{Type: boot.TypeConventional, PhysicalStart: 0, NumberOfPages: 16},
		{Type: 2 /* reserved */, PhysicalStart: 16 * pageSize, NumberOfPages: 4},
		{Type: boot.TypeConventional, PhysicalStart: 20 * pageSize, NumberOfPages: 8},
	}
	var a Allocator
	a.Init(fixtureInfo(descs))

	if got, want := a.TotalFrames(), 28; got != want {
		t.Fatalf("TotalFrames = %d, want %d", got, want)
	}
	if a.FramesFree()+a.FramesInUse() != a.TotalFrames() {
		t.Fatalf("conservation violated: free=%d inuse=%d total=%d",
			a.FramesFree(), a.FramesInUse(), a.TotalFrames())
	}
	if got, want := a.FramesFree(), 24; got != want {
		t.Fatalf("FramesFree = %d, want %d", got, want)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	descs := []boot.MemoryDescriptor{
		{Type: boot.TypeConventional, PhysicalStart: 0, NumberOfPages: 4},
	}
	var a Allocator
	a.Init(fixtureInfo(descs))

	var allocated []uintptr
	for i := 0; i < 4; i++ {
		f, kind := a.AllocFrame()
		if kind != kerrors.OK {
			t.Fatalf("AllocFrame #%d: %v", i, kind)
		}
		allocated = append(allocated, f)
	}

	if _, kind := a.AllocFrame(); kind != kerrors.NoMem {
		t.Fatalf("expected NoMem once exhausted, got %v", kind)
	}

	a.FreeFrame(allocated[2])
	f, kind := a.AllocFrame()
	if kind != kerrors.OK {
		t.Fatalf("AllocFrame after free: %v", kind)
	}
	if f != allocated[2] {
		t.Fatalf("expected reuse of freed frame %#x, got %#x", allocated[2], f)
	}
}

func TestNonPageAlignedRegionRoundsInward(t *testing.T) {
	descs := []boot.MemoryDescriptor{
		// Starts 1 byte into a page; only fully-contained pages count.
		{Type: boot.TypeConventional, PhysicalStart: 1, NumberOfPages: 2},
	}
	var a Allocator
	a.Init(fixtureInfo(descs))

	// Region spans bytes [1, 1+2*4096); rounding inward keeps only the
	// single fully-contained page at [4096, 8192).
	if got, want := a.FramesFree(), 1; got != want {
		t.Fatalf("FramesFree = %d, want %d", got, want)
	}
}

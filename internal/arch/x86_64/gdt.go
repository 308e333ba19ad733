package x86_64

import "unsafe"

// Segment selectors installed by InitGDT. Index order matches the
// SYSCALL/SYSRET selector derivation rule relied on in msr.go.
const (
	SelNull     = 0x00
	SelKernCode = 0x08
	SelKernData = 0x10
	SelUserCode = 0x20 | 3 // RPL 3
	SelUserData = 0x18 | 3 // RPL 3
	SelTSS      = 0x28
)

type gdtEntry struct {
	limitLo   uint16
	baseLo    uint16
	baseMid   uint8
	access    uint8
	granLimit uint8
	baseHi    uint8
}

type gdtPointer struct {
	limit uint16
	base  uintptr
}

// tssDescriptor is a 64-bit TSS descriptor: twice the width of gdtEntry,
// used only for the single TSS slot. installTSSDescriptor writes it over
// two consecutive gdtTable slots so the table stays one contiguous array.
type tssDescriptor struct {
	limitLo   uint16
	baseLo    uint16
	baseMid   uint8
	access    uint8
	granLimit uint8
	baseHi    uint8
	baseUpper uint32
	reserved  uint32
}

// TSS is the 64-bit Task State Segment. Only the emergency stack table
// (IST) and RSP0 are meaningful in long mode; the rest is legacy padding.
type TSS struct {
	reserved0 uint32
	RSP0      uint64
	RSP1      uint64
	RSP2      uint64
	reserved1 uint64
	IST       [7]uint64 // IST[1] and IST[2] back double-fault/machine-check (spec §4.7)
	reserved2 uint64
	reserved3 uint16
	IOMapBase uint16
}

var (
	gdtTable [7]gdtEntry // null, kcode, kdata, udata, ucode64, tss-lo, tss-hi (TSS patched by installTSSDescriptor)
	theTSS   TSS
)

//go:linkname lgdt lgdt
//go:nosplit
func lgdt(ptr unsafe.Pointer)

//go:linkname ltr ltr
//go:nosplit
func ltr(sel uint16)

func setEntry(i int, base uint32, limit uint32, access uint8, gran uint8) {
	gdtTable[i] = gdtEntry{
		limitLo:   uint16(limit & 0xFFFF),
		baseLo:    uint16(base & 0xFFFF),
		baseMid:   uint8((base >> 16) & 0xFF),
		access:    access,
		granLimit: (uint8((limit>>16)&0x0F) | (gran & 0xF0)),
		baseHi:    uint8((base >> 24) & 0xFF),
	}
}

// InitGDT installs a flat long-mode GDT plus the TSS descriptor and
// loads it, then loads the task register. ist1/ist2 are the emergency
// stack tops for double-fault and machine-check (spec §4.7).
func InitGDT(ist1, ist2 uintptr) {
	setEntry(0, 0, 0, 0, 0)
	setEntry(1, 0, 0xFFFFF, 0x9A, 0xA0) // kernel code, long mode
	setEntry(2, 0, 0xFFFFF, 0x92, 0xC0) // kernel data
	setEntry(3, 0, 0xFFFFF, 0xF2, 0xC0) // user data
	setEntry(4, 0, 0xFFFFF, 0xFA, 0xA0) // user code, long mode, DPL3

	theTSS = TSS{IOMapBase: uint16(unsafe.Sizeof(TSS{}))}
	theTSS.IST[1] = uint64(ist1)
	theTSS.IST[2] = uint64(ist2)
	installTSSDescriptor(5, uintptr(unsafe.Pointer(&theTSS)), uint32(unsafe.Sizeof(TSS{})-1))

	ptr := gdtPointer{
		limit: uint16(unsafe.Sizeof(gdtTable) - 1),
		base:  uintptr(unsafe.Pointer(&gdtTable[0])),
	}
	lgdt(unsafe.Pointer(&ptr))
	ltr(SelTSS)
}

// installTSSDescriptor writes the 16-byte TSS descriptor over gdtTable
// slots i and i+1 (a TSS descriptor is double-width in long mode).
func installTSSDescriptor(i int, base uintptr, limit uint32) {
	desc := tssDescriptor{
		limitLo:   uint16(limit & 0xFFFF),
		baseLo:    uint16(base & 0xFFFF),
		baseMid:   uint8((base >> 16) & 0xFF),
		access:    0x89, // present, DPL0, type=available 64-bit TSS
		granLimit: uint8((limit >> 16) & 0x0F),
		baseHi:    uint8((base >> 24) & 0xFF),
		baseUpper: uint32(base >> 32),
	}
	*(*tssDescriptor)(unsafe.Pointer(&gdtTable[i])) = desc
}

// SetKernelStack updates RSP0 so the next ring3->ring0 transition (a
// trap or syscall) lands on the given thread's kernel stack, per spec
// §4.5 switchTo: "Update the per-CPU kernel stack pointer". The SYSCALL
// instruction never consults the TSS, so currentKernelStack is updated
// alongside RSP0 for the fast-syscall entry stub to read directly.
func SetKernelStack(top uintptr) {
	theTSS.RSP0 = uint64(top)
	currentKernelStack = top
}

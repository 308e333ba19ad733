package x86_64

import "unsafe"

// TrapFrame is the architectural state saved by the common interrupt
// stub before it dispatches by vector (spec §4.7 "saves the
// architectural frame onto the current thread's kernel stack"). Field
// order matches the push order in trap_entry_amd64.s (last pushed is
// first in the struct only because the stub writes a pointer to the
// base of this region, not because Go orders it — the stub and this
// struct must be kept in lockstep).
type TrapFrame struct {
	// Callee- and caller-saved general-purpose registers, pushed by the
	// common stub in a fixed order.
	R15, R14, R13, R12, R11, R10, R9, R8 uint64
	BP, DI, SI, DX, CX, BX, AX           uint64

	// Vector and a CPU- or stub-supplied error code (0 where the CPU
	// does not push one).
	Vector   uint64
	ErrorCode uint64

	// Hardware-pushed privilege-return frame.
	RIP, CS, RFLAGS, RSP, SS uint64
}

const (
	VecDivideError     = 0
	VecDebug           = 1
	VecNMI             = 2
	VecBreakpoint      = 3
	VecOverflow        = 4
	VecBoundRange      = 5
	VecInvalidOpcode   = 6
	VecDeviceNA        = 7
	VecDoubleFault     = 8
	VecInvalidTSS      = 10
	VecSegmentNotPres  = 11
	VecStackFault      = 12
	VecGeneralProt     = 13
	VecPageFault       = 14
	VecFPError         = 16
	VecAlignmentCheck  = 17
	VecMachineCheck    = 18
	VecSIMDFP          = 19

	VecTimer = 32 // spec §4.7 "Vector 32 is the periodic timer"
)

type idtEntry struct {
	offsetLo uint16
	selector uint16
	istIndex uint8
	typeAttr uint8
	offsetMid uint16
	offsetHi uint32
	reserved uint32
}

type idtPointer struct {
	limit uint16
	base  uintptr
}

var idtTable [256]idtEntry

//go:linkname lidt lidt
//go:nosplit
func lidt(ptr unsafe.Pointer)

// Handler is the Go-level signature every vector's Go handler is
// registered under; the assembly stub adapts the raw trap frame into
// this call (spec §4.7).
type Handler func(frame *TrapFrame)

var handlers [256]Handler

func setGate(vector int, handlerAddr uintptr, ist uint8) {
	idtTable[vector] = idtEntry{
		offsetLo:  uint16(handlerAddr & 0xFFFF),
		selector:  SelKernCode,
		istIndex:  ist,
		typeAttr:  0x8E, // present, DPL0, 64-bit interrupt gate
		offsetMid: uint16((handlerAddr >> 16) & 0xFFFF),
		offsetHi:  uint32(handlerAddr >> 32),
	}
}

// Each of the 33 vectors the baseline kernel actually routes (0-31 are
// CPU exceptions, 32 is the periodic timer per spec §4.7) gets its own
// named assembly trampoline in trap_entry_amd64.s, rather than a single
// generated table — the CPU does not tell a handler which vector fired,
// so each stub must push its own vector number before falling into the
// shared dispatch tail. Vectors beyond 32 are not wired by this kernel
// (no further exceptions or IRQs are defined in the baseline design) and
// fall through to a single catch-all stub.
//
var trapStubTable [33]uintptr

//go:linkname trapStubDefault trapStubDefault
func trapStubDefault()

//go:linkname vector0 vector0
func vector0()

//go:linkname vector1 vector1
func vector1()

//go:linkname vector2 vector2
func vector2()

//go:linkname vector3 vector3
func vector3()

//go:linkname vector4 vector4
func vector4()

//go:linkname vector5 vector5
func vector5()

//go:linkname vector6 vector6
func vector6()

//go:linkname vector7 vector7
func vector7()

//go:linkname vector8 vector8
func vector8()

//go:linkname vector9 vector9
func vector9()

//go:linkname vector10 vector10
func vector10()

//go:linkname vector11 vector11
func vector11()

//go:linkname vector12 vector12
func vector12()

//go:linkname vector13 vector13
func vector13()

//go:linkname vector14 vector14
func vector14()

//go:linkname vector15 vector15
func vector15()

//go:linkname vector16 vector16
func vector16()

//go:linkname vector17 vector17
func vector17()

//go:linkname vector18 vector18
func vector18()

//go:linkname vector19 vector19
func vector19()

//go:linkname vector20 vector20
func vector20()

//go:linkname vector21 vector21
func vector21()

//go:linkname vector22 vector22
func vector22()

//go:linkname vector23 vector23
func vector23()

//go:linkname vector24 vector24
func vector24()

//go:linkname vector25 vector25
func vector25()

//go:linkname vector26 vector26
func vector26()

//go:linkname vector27 vector27
func vector27()

//go:linkname vector28 vector28
func vector28()

//go:linkname vector29 vector29
func vector29()

//go:linkname vector30 vector30
func vector30()

//go:linkname vector31 vector31
func vector31()

//go:linkname vector32 vector32
func vector32()

// init populates trapStubTable from the per-vector stub addresses;
// trap_entry_amd64.s reserves the backing storage but leaves population
// to Go, since address-of-TEXT-symbol DATA entries are finicky across Go
// toolchain versions (see trap_entry_amd64.s).
func init() {
	stubs := [33]func(){
		vector0, vector1, vector2, vector3, vector4, vector5, vector6, vector7,
		vector8, vector9, vector10, vector11, vector12, vector13, vector14, vector15,
		vector16, vector17, vector18, vector19, vector20, vector21, vector22, vector23,
		vector24, vector25, vector26, vector27, vector28, vector29, vector30, vector31,
		vector32,
	}
	for i, s := range stubs {
		trapStubTable[i] = funcPC(s)
	}
}

// InitIDT builds the interrupt descriptor table: vectors 0-32 point at
// their named stubs, everything else falls back to the catch-all.
// Double-fault and machine-check use the emergency IST stacks configured
// in InitGDT (spec §4.7).
func InitIDT() {
	defaultAddr := funcPC(trapStubDefault)
	for v := 0; v < 256; v++ {
		setGate(v, defaultAddr, 0)
	}
	for v := 0; v < len(trapStubTable); v++ {
		ist := uint8(0)
		if v == VecDoubleFault {
			ist = 1
		} else if v == VecMachineCheck {
			ist = 2
		}
		setGate(v, trapStubTable[v], ist)
	}
	ptr := idtPointer{
		limit: uint16(unsafe.Sizeof(idtTable) - 1),
		base:  uintptr(unsafe.Pointer(&idtTable[0])),
	}
	lidt(unsafe.Pointer(&ptr))
}

// SetHandler registers the Go-level handler invoked by dispatchTrap for
// a given vector (internal/trap wires these up at boot).
func SetHandler(vector int, h Handler) {
	handlers[vector] = h
}

// dispatchTrap is called directly by name from the common assembly stub
// (trap_entry_amd64.s) with a pointer to the frame it just built on the
// current kernel stack. This is the one place §4.7's "dispatches by
// vector" decision is made in Go rather than assembly, matching the
// teacher's practice of doing as much as possible in Go and keeping the
// .s file to the irreducible minimum.
//
//go:nosplit
func dispatchTrap(frame *TrapFrame) {
	if h := handlers[frame.Vector]; h != nil {
		h(frame)
	}
}

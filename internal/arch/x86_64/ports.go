// Package x86_64 holds the architecture-specific primitives the rest of
// the kernel is built on: port I/O, segment/interrupt descriptor tables,
// the TSS, MSR access for the fast-syscall entry, and the assembly
// trampolines for context switch and privilege return. Grounded on the
// teacher kernel's split between Go glue (//go:linkname declarations) and
// a hand-written assembly file (mazboot's asm package): the logic that
// can be expressed in Go stays in Go; only what genuinely needs raw
// instructions (lgdt, wrmsr, iretq, the callee-saved register swap) lives
// in lib_amd64.s.
package x86_64

import "unsafe"

// Outb/Inb/Outl/Inl are declared in lib_amd64.s and linked via
// go:linkname, the same split the teacher uses for mmio_write/mmio_read.
//
//go:linkname outb outb
//go:nosplit
func outb(port uint16, val uint8)

//go:linkname inb inb
//go:nosplit
func inb(port uint16) uint8

//go:linkname outl outl
//go:nosplit
func outl(port uint16, val uint32)

//go:linkname inl inl
//go:nosplit
func inl(port uint16) uint32

// Outb writes a byte to an I/O port.
//
//go:nosplit
func Outb(port uint16, val uint8) { outb(port, val) }

// Inb reads a byte from an I/O port.
//
//go:nosplit
func Inb(port uint16) uint8 { return inb(port) }

// Outl writes a dword to an I/O port (used by the local APIC/PIC setup).
//
//go:nosplit
func Outl(port uint16, val uint32) { outl(port, val) }

// Inl reads a dword from an I/O port.
//
//go:nosplit
func Inl(port uint16) uint32 { return inl(port) }

//go:linkname invlpg invlpg
//go:nosplit
func invlpg(addr uintptr)

// Invlpg invalidates the TLB entry for a single virtual address, called
// by the VMM after every mapPage/unmapPage per spec §4.2.
//
//go:nosplit
func Invlpg(addr uintptr) { invlpg(addr) }

//go:linkname loadCR3 load_cr3
//go:nosplit
func loadCR3(phys uintptr)

//go:linkname readCR3 read_cr3
//go:nosplit
func readCR3() uintptr

// LoadCR3 switches the active address space to the given root page-table
// physical address (spec §4.5 switchTo: "switch address space").
//
//go:nosplit
func LoadCR3(phys uintptr) { loadCR3(phys) }

// ReadCR3 returns the currently loaded root page-table physical address.
//
//go:nosplit
func ReadCR3() uintptr { return readCR3() }

//go:linkname disableInterrupts disable_interrupts
//go:nosplit
func disableInterrupts()

//go:linkname enableInterrupts enable_interrupts
//go:nosplit
func enableInterrupts()

// DisableInterrupts executes cli. Kernel entry always runs with
// interrupts off (spec §5).
//
//go:nosplit
func DisableInterrupts() { disableInterrupts() }

// EnableInterrupts executes sti. cmd/kozo's idle loop calls it; user
// threads run with interrupts enabled through the RFLAGS their
// privilege-return frame carries.
//
//go:nosplit
func EnableInterrupts() { enableInterrupts() }

//go:linkname haltForever halt_forever
//go:nosplit
func haltForever()

// HaltForever executes a cli; hlt loop and never returns. Used by the
// kernel-mode panic hook (spec §7).
//
//go:nosplit
func HaltForever() { haltForever() }

// Bzero zeroes size bytes starting at ptr. Kept as a primitive here
// (rather than using a slice and Go's range-clear, which the compiler is
// free to lower to a runtime memclr call that may not exist in a
// freestanding binary) the way the teacher's asm.Bzero is a dedicated
// linked symbol.
//
//go:nosplit
func Bzero(ptr unsafe.Pointer, size uintptr) {
	p := (*[1 << 30]byte)(ptr)
	for i := uintptr(0); i < size; i++ {
		p[i] = 0
	}
}
